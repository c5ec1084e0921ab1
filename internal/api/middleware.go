package api

import (
	"net/http"
	"time"

	"github.com/jveski/fleetpull/internal/logging"
)

// Authorizer decides whether a client certificate fingerprint may call the API.
type Authorizer interface {
	TrustsCert(fingerprint string) bool
}

// Fingerprints trusts a fixed set of certificate fingerprints.
type Fingerprints []string

func (f Fingerprints) TrustsCert(fingerprint string) bool {
	for _, fp := range f {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// WithAuth rejects requests that do not present a trusted client certificate.
func WithAuth(auth Authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(401)
			return
		}
		if auth == nil || !auth.TrustsCert(GetCertFingerprint(r.TLS.PeerCertificates[0].Raw)) {
			w.WriteHeader(403)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithLogging(next http.Handler) http.Handler {
	logger := logging.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wp := &responseProxy{ResponseWriter: w, Status: 200}
		next.ServeHTTP(wp, r)
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", wp.Status).
			Str("remote", r.RemoteAddr).
			Dur("latency", time.Since(start)).
			Msg("handled request")
	})
}

// responseProxy retains the response status for logging.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

