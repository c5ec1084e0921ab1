package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jveski/fleetpull/internal/logging"
)

// Serve runs the handler on l until ctx is done. A nil tlsConfig serves plain HTTP.
func Serve(ctx context.Context, l net.Listener, handler http.Handler, tlsConfig *tls.Config) error {
	svr := &http.Server{
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: time.Second * 15,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second*5)
		defer done()
		svr.Shutdown(shutdownCtx)
	}()

	logger := logging.WithComponent("api")

	logger.Info().Str("addr", l.Addr().String()).Bool("tls", tlsConfig != nil).Msg("serving status API")

	var err error
	if tlsConfig != nil {
		err = svr.ServeTLS(l, "", "")
	} else {
		err = svr.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
