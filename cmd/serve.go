package cmd

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/metal-toolbox/bladedirector/internal/app"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// nolint:gosec // profiling endpoint listens on localhost.
	_ "net/http/pprof"
)

const (
	profilingEndpoint = "localhost:9091"
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	enableProfiling bool
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the director API, leasing blades and VMs to clients",
	Run: func(cmd *cobra.Command, _ []string) {
		runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) {
	director, termCh, err := app.New(model.AppKindServer, cfgFile, logLevel())
	if err != nil {
		log.Fatal(err)
	}

	// serve metrics endpoint
	metrics.ListenAndServe(director.Config.MetricsEndpoint)
	version.ExportBuildInfoMetric()

	if enableProfiling {
		serveProfiling(director.Logger)
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	// Setup cancel context with cancel func.
	ctx, cancelFunc := context.WithCancel(ctx)

	// routine listens for termination signal and cancels the context
	go func() {
		<-termCh
		director.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	repository, err := director.OpenStore()
	if err != nil {
		director.Logger.Fatal(err)
	}

	defer repository.Close()

	services, err := director.Services(ctx, repository)
	if err != nil {
		director.Logger.Fatal(err)
	}

	defer services.Close()

	go services.Leases.Run(ctx, director.Config.Keepalive.SweepInterval)

	server := &http.Server{
		Addr:              director.Config.Listen,
		Handler:           services.API.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			director.Logger.WithError(err).Error("API server stopped")
			cancelFunc()
		}
	}()

	director.Logger.WithFields(logrus.Fields{
		"listen":  director.Config.Listen,
		"store":   director.Config.Store.Kind,
		"version": version.Current().AppVersion,
	}).Info("blade director running")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		director.Logger.WithError(err).Warn("API server shutdown")
	}

	director.Logger.Info("waiting for running operations to return")
}

func serveProfiling(logger *logrus.Logger) {
	go func() {
		server := &http.Server{
			Addr:              profilingEndpoint,
			ReadHeaderTimeout: readHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			logger.WithError(err).Error("profiling endpoint stopped")
		}
	}()

	logger.Info("profiling enabled: " + profilingEndpoint + "/debug/pprof")
}

func init() {
	cmdServe.PersistentFlags().BoolVarP(&enableProfiling, "enable-pprof", "", false, "Enable profiling endpoint at: "+profilingEndpoint)

	rootCmd.AddCommand(cmdServe)
}
