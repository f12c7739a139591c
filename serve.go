package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gliderlabs/ssh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iwanhae/ssh-warden/ingest"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH gatekeeper, and optionally the event ingestor",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringVar(&cfg.SSH.Addr, "addr", cfg.SSH.Addr, "listen address (e.g. :2222 or 0.0.0.0:2222)")
	f.StringVar(&cfg.SSH.HostKey, "host-key", cfg.SSH.HostKey, "path to SSH host private key (created if missing)")
	f.StringSliceVar(&cfg.SSH.Accounts, "account", cfg.SSH.Accounts, "accepted user:password pair (repeatable)")
	f.DurationVar(&cfg.SSH.BanDisconnectDelay, "ban-disconnect-delay", cfg.SSH.BanDisconnectDelay, "delay before dropping a connection whose failure triggered a ban")
	f.IntVar(&cfg.SSH.MaxConnPerMinute, "max-conn-per-minute", cfg.SSH.MaxConnPerMinute, "ban an IP opening more connections per minute than this (0 disables)")
	f.DurationVar(&cfg.SSH.ShutdownTimeout, "shutdown-timeout", cfg.SSH.ShutdownTimeout, "graceful shutdown timeout")
	addIngestFlags(cmd)
	f.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "serve Prometheus metrics on this address (empty disables)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow an event log and record authentication failures",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	addIngestFlags(cmd)
	cmd.Flags().StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "serve Prometheus metrics on this address (empty disables)")
	return cmd
}

func addIngestFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfg.Ingest.Events, "events", cfg.Ingest.Events, "JSON-lines event log to follow (empty disables)")
	f.DurationVar(&cfg.Ingest.PollInterval, "poll-interval", cfg.Ingest.PollInterval, "wait between polls when no new events are available")
	f.StringSliceVar(&cfg.Ingest.FailureEvents, "failure-event", cfg.Ingest.FailureEvents, "event kind counted as an authentication failure (repeatable)")
	f.BoolVar(&cfg.Ingest.Watch, "fsnotify", cfg.Ingest.Watch, "wake up on file system notifications in addition to polling")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(cfg.SSH.Accounts) == 0 {
		log.Warn("no accounts configured, every password attempt will fail")
	}
	gk := newGatekeeperServer(store.Gatekeeper(), store, cfg.SSH)
	srv, err := gk.newSSHServer(cfg.SSH.Addr, cfg.SSH.HostKey)
	if err != nil {
		return err
	}
	var in *ingest.Ingestor
	if cfg.Ingest.Events != "" {
		if in, err = newIngestor(store); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting ssh gatekeeper", "addr", cfg.SSH.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("ssh server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down ssh gatekeeper")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SSH.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown timed out, closing", "error", err)
			_ = srv.Close()
		}
		return nil
	})
	if in != nil {
		g.Go(func() error { return ignoreCanceled(in.Run(ctx)) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr) })
	}
	return g.Wait()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if cfg.Ingest.Events == "" {
		return errors.New("--events is required")
	}
	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	in, err := newIngestor(store)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(in.Run(ctx)) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr) })
	}
	return g.Wait()
}

func newIngestor(sink ingest.FailureSink) (*ingest.Ingestor, error) {
	return ingest.New(cfg.Ingest.Events, sink,
		ingest.WithPollInterval(cfg.Ingest.PollInterval),
		ingest.WithRetry(ingest.DefaultRetryMin, cfg.Ingest.RetryMax),
		ingest.WithFields(cfg.Ingest.KindField, cfg.Ingest.AddressField),
		ingest.WithFailureEvents(cfg.Ingest.FailureEvents...),
		ingest.WithSuccessEvents(cfg.Ingest.SuccessEvents...),
		ingest.WithWatcher(cfg.Ingest.Watch),
		ingest.WithLogger(log.WithPrefix("ingest")),
	)
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
