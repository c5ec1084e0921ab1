package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jveski/fleetpull/internal/api"
	"github.com/jveski/fleetpull/internal/lock"
	"github.com/jveski/fleetpull/internal/status"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show the last attempted and the last successful convergence",
	Action: statusCmd,
	Subcommands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "Serve the status over a read-only HTTP API",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "addr",
					Usage: "address to listen on",
					Value: ":8234",
				},
				&cli.DurationFlag{
					Name:  "max-age",
					Usage: "age of the last success after which /healthz fails",
					Value: time.Hour * 2,
				},
				&cli.BoolFlag{
					Name:  "tls",
					Usage: "serve TLS with a self-signed certificate and require trusted client certificates",
				},
				&cli.StringSliceFlag{
					Name:  "trust",
					Usage: "sha256 fingerprint of a client certificate allowed to call the API",
				},
			},
			Action: serveCmd,
		},
	},
}

func statusCmd(c *cli.Context) error {
	ac, err := setup(c)
	if err != nil {
		return err
	}

	st, err := ac.Status.Load()
	if err != nil {
		return err
	}
	holder, err := lock.Inspect(ac.Config.LockPath())
	if err != nil {
		return err
	}

	printStatus(st, holder, time.Now(), os.Stdout)
	return nil
}

func printStatus(st *status.Status, holder *lock.Record, now time.Time, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "RUN\tSTATUS\tREVISION\tCHANGED\tFINISHED\tERROR\n")
	for _, row := range []struct {
		name string
		rec  *status.RunRecord
	}{{"attempt", st.LastAttempt}, {"success", st.LastSuccess}} {
		if row.rec == nil {
			fmt.Fprintf(tr, "%s\t-\t\t\t\t\n", row.name)
			continue
		}
		reason := ""
		if row.rec.Error != "" {
			reason = fmt.Sprintf("%q", row.rec.Error)
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%d\t%s\t%s\n", row.name, row.rec.Status, shortRevision(row.rec.Revision), row.rec.ChangedCount, durationToString(now.Sub(row.rec.Finished)), reason)
	}
	tr.Flush()

	if holder != nil {
		fmt.Fprintf(w, "\n%s is running (pid %d on %s) for %s\n", holder.Job, holder.PID, holder.Host, durationToString(now.Sub(holder.AcquiredAt)))
	}
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func serveCmd(c *cli.Context) error {
	ac, err := setup(c)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Options{
		Status:   ac.Status,
		LockPath: ac.Config.LockPath(),
		MaxAge:   c.Duration("max-age"),
	})

	var tlsConfig *tls.Config
	if c.Bool("tls") {
		cert, fingerprint, err := api.LoadOrCreateCertificate(ac.Config.Paths.StateDir, "fleetpull")
		if err != nil {
			return fmt.Errorf("loading certificate: %w", err)
		}
		fmt.Fprintf(os.Stderr, "serving certificate fingerprint: %s\n", fingerprint)
		tlsConfig = api.TLSConfig(cert)
		handler = api.WithAuth(api.Fingerprints(c.StringSlice("trust")), handler)
	}

	l, err := net.Listen("tcp", c.String("addr"))
	if err != nil {
		return err
	}
	return api.Serve(c.Context, l, handler, tlsConfig)
}
