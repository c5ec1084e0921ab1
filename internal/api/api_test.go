package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/fleetpull/internal/lock"
	"github.com/jveski/fleetpull/internal/status"
)

func newTestOptions(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		Status:   &status.Store{Dir: dir},
		LockPath: filepath.Join(dir, "run.lock"),
		MaxAge:   time.Hour,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestStatus(t *testing.T) {
	opts := newTestOptions(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, opts.Status.RecordSuccess(&status.RunRecord{ID: "a", Job: "convergence", Revision: "abc123", Finished: now, Status: status.Success, ChangedCount: 2}))

	l, err := lock.Acquire(opts.LockPath, "convergence", lock.Options{StaleAfter: time.Hour})
	require.NoError(t, err)
	defer l.Release()

	w := get(t, NewHandler(opts), "/status")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := &StatusResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), resp))
	assert.Equal(t, "abc123", resp.LastSuccess.Revision)
	assert.Equal(t, 2, resp.LastAttempt.ChangedCount)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, "convergence", resp.Lock.Job)
	assert.False(t, resp.Stuck)
}

func TestStatusEmpty(t *testing.T) {
	w := get(t, NewHandler(newTestOptions(t)), "/status")
	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"stuck": false}`, w.Body.String())
}

func TestHealthz(t *testing.T) {
	opts := newTestOptions(t)
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return now }
	h := NewHandler(opts)

	// nothing attempted yet
	assert.Equal(t, 200, get(t, h, "/healthz").Code)

	require.NoError(t, opts.Status.RecordFailure(&status.RunRecord{ID: "a", Finished: now, Status: status.Failed}))
	assert.Equal(t, 503, get(t, h, "/healthz").Code)

	require.NoError(t, opts.Status.RecordSuccess(&status.RunRecord{ID: "b", Finished: now.Add(-time.Minute), Status: status.Success}))
	assert.Equal(t, 200, get(t, h, "/healthz").Code)

	now = now.Add(time.Hour * 2)
	assert.Equal(t, 503, get(t, h, "/healthz").Code)
}

func TestNotFound(t *testing.T) {
	assert.Equal(t, 404, get(t, NewHandler(newTestOptions(t)), "/nope").Code)
}

func TestLoadOrCreateCertificate(t *testing.T) {
	dir := t.TempDir()

	cert, fingerprint, err := LoadOrCreateCertificate(dir, "fleetpull")
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)
	assert.Equal(t, fingerprint, GetCertFingerprint(cert.Leaf.Raw))

	// loaded rather than regenerated
	_, again, err := LoadOrCreateCertificate(dir, "fleetpull")
	require.NoError(t, err)
	assert.Equal(t, fingerprint, again)
}

func TestServeTLSWithAuth(t *testing.T) {
	svrCert, _, err := LoadOrCreateCertificate(t.TempDir(), "server")
	require.NoError(t, err)
	cliCert, cliFprint, err := LoadOrCreateCertificate(t.TempDir(), "client")
	require.NoError(t, err)
	otherCert, _, err := LoadOrCreateCertificate(t.TempDir(), "other")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	handler := WithAuth(Fingerprints{cliFprint}, NewHandler(newTestOptions(t)))
	go Serve(ctx, l, handler, TLSConfig(svrCert))

	client := func(cert tls.Certificate) *http.Client {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
		}}}
	}

	resp, err := client(cliCert).Get("https://" + l.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = client(otherCert).Get("https://" + l.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 403, resp.StatusCode)
}

func TestServeShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- Serve(ctx, l, NewHandler(newTestOptions(t)), nil) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	assert.NoError(t, <-done)
}
