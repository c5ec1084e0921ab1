// Package api serves a read-only view of the agent's run status over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/jveski/fleetpull/internal/lock"
	"github.com/jveski/fleetpull/internal/logging"
	"github.com/jveski/fleetpull/internal/status"
)

type Options struct {
	Status   *status.Store
	LockPath string

	// MaxAge is how old the last success may be before /healthz reports unhealthy.
	MaxAge time.Duration
	Now    func() time.Time
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	*status.Status
	Lock  *lock.Record `json:"lock,omitempty"`
	Stuck bool         `json:"stuck"`
}

func NewHandler(opts Options) http.Handler {
	router := httprouter.New()
	logger := logging.WithComponent("api")

	load := func(w http.ResponseWriter) (*StatusResponse, bool) {
		st, err := opts.Status.Load()
		if err != nil {
			logger.Error().Err(err).Msg("error loading status")
			http.Error(w, "internal error", 500)
			return nil, false
		}
		resp := &StatusResponse{Status: st, Stuck: st.Stuck(opts.now(), opts.MaxAge)}

		resp.Lock, err = lock.Inspect(opts.LockPath)
		if err != nil {
			// a lock that disappears or is replaced mid-read is not worth failing the request over
			logger.Warn().Err(err).Msg("error inspecting lock")
			resp.Lock = nil
		}
		return resp, true
	}

	router.GET("/status", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		resp, ok := load(w)
		if !ok {
			return
		}
		writeJSON(w, 200, resp)
	})

	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		resp, ok := load(w)
		if !ok {
			return
		}
		if resp.Stuck {
			http.Error(w, "not converged", 503)
			return
		}
		w.Write([]byte("ok\n"))
	})

	return WithLogging(router)
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
