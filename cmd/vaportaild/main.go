// Command vaportaild runs the VaporTrail network-latency monitoring
// daemon: probe scheduler, rollup cascade, retention sweep, Prometheus
// metrics, and the JSON query API, all backed by a single SQLite file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/vaportrail/internal/api"
	"github.com/runZeroInc/vaportrail/internal/metrics"
	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/retention"
	"github.com/runZeroInc/vaportrail/pkg/rollup"
	"github.com/runZeroInc/vaportrail/pkg/scheduler"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

const (
	defaultHTTPPort = 8080
	defaultDBPath   = "vaportrail.db"
	shutdownTimeout = 10 * time.Second
)

func main() {
	var httpPort uint16
	var dbPath string

	root := &cobra.Command{
		Use:   "vaportaild",
		Short: "VaporTrail network-latency monitoring daemon",
		Long: `vaportaild probes a set of targets on a schedule (ping, http, or dns),
rolls the raw results up into t-digest sketches across a cascade of
retention windows, and serves both the results and Prometheus metrics
over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), httpPort, dbPath)
		},
	}

	root.Flags().Uint16Var(&httpPort, "http-port", envPort("VAPORTRAIL_HTTP_PORT", defaultHTTPPort), "HTTP port to listen on")
	root.Flags().StringVar(&dbPath, "db-path", envString("VAPORTRAIL_DB_PATH", defaultDBPath), "path to the SQLite database file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("vaportaild: fatal error")
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envPort(key string, fallback uint16) uint16 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		logrus.WithError(err).WithField("env", key).Warn("vaportaild: ignoring unparseable port, using default")
		return fallback
	}
	return uint16(n)
}

func run(ctx context.Context, httpPort uint16, dbPath string) error {
	logrus.Infof("vaportaild: starting on port %d, database %s", httpPort, dbPath)

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("vaportaild: open database: %w", err)
	}
	defer s.Close()

	if err := seedSampleTarget(s); err != nil {
		return fmt.Errorf("vaportaild: seed sample target: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)
	promReg.MustRegister(metrics.NewStoreCollector(s))

	sched := scheduler.New(s)
	sched.SetMetrics(reg)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("vaportaild: start scheduler: %w", err)
	}

	rollupMgr := rollup.New(s)
	rollupMgr.SetMetrics(reg)
	go rollupMgr.Run(ctx)

	retentionMgr := retention.New(s)
	retentionMgr.SetMetrics(reg)
	go retentionMgr.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.New(s, sched).Handler(ctx))

	addr := fmt.Sprintf(":%d", httpPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serveErrs := make(chan error, 1)
	go func() {
		logrus.Infof("vaportaild: http server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logrus.Info("vaportaild: shutting down")
	case err := <-serveErrs:
		return fmt.Errorf("vaportaild: http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("vaportaild: http server shutdown error")
	}

	sched.Wait()
	return nil
}

// seedSampleTarget adds a single sample ping target when the store has
// none configured yet, so a fresh install has something to look at.
func seedSampleTarget(s *store.Store) error {
	targets, err := s.GetTargets()
	if err != nil {
		return err
	}
	if len(targets) > 0 {
		return nil
	}

	logrus.Info("vaportaild: no targets configured, adding sample target \"Google\"")
	target := model.Target{
		Name:              "Google",
		Address:           "google.com",
		ProbeType:         model.ProbePing,
		RetentionPolicies: model.DefaultRetentionPolicies(),
	}
	_, err = s.AddTarget(&target)
	return err
}
