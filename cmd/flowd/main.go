// Command flowd serves a live pipeline flow: it refetches entity history
// adaptively, derives node status and edge activity, and exposes the graph
// over HTTP and NATS.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/engine/graph"
	"github.com/WessleyAI/flowpulse/engine/history"
	"github.com/WessleyAI/flowpulse/engine/monitor"
	"github.com/WessleyAI/flowpulse/pkg/metrics"
	"github.com/WessleyAI/flowpulse/pkg/natsutil"
	"github.com/WessleyAI/flowpulse/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "flowd"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := rootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd(logger *slog.Logger) *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "flowd",
		Short:        "Flow graph status and adaptive refresh service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "flowd.yaml", "config file path")
	root.AddCommand(serveCmd(logger, &configFile), statusCmd(&configFile))
	return root
}

func serveCmd(logger *slog.Logger, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor with its HTTP, gRPC health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("server exited with error", "err", err)
				return err
			}
			return nil
		},
	}
}

func statusCmd(configFile *string) *cobra.Command {
	var (
		timeout time.Duration
		stored  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the derived status of every node in the running flow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cfg, stored, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&stored, "stored", false, "also print node counts from Neo4j")
	return cmd
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	rc, err := cfg.RefetchConfig()
	if err != nil {
		return err
	}
	kinds, err := cfg.HistoryKinds()
	if err != nil {
		return err
	}
	m := metrics.New()

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())
	flows := graph.New(driver, graph.WithLogger(logger))

	// --- Build monitor ---
	breaker := resilience.DefaultBreakerOpts
	breaker.OnStateChange = m.BreakerChanged
	collector := history.NewCollector(historyProviders(nc, kinds, cfg),
		history.WithLogger(logger),
		history.WithObserver(m),
		history.WithBreaker(breaker),
	)
	store := flow.NewStore(cfg.FlowID, cfg.FlowName, flow.WithStoreLogger(logger))
	mon, err := monitor.New(store, collector, rc,
		monitor.WithPersistence(flows),
		monitor.WithNATS(nc),
		monitor.WithRecorder(m),
		monitor.WithLogger(logger),
		monitor.WithPulseInterval(cfg.PulseInterval),
	)
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	// --- gRPC health ---
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer, healthSrv := newGRPCServer()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "err", err)
		}
	}()
	defer grpcServer.GracefulStop()

	// --- HTTP ---
	a := &api{mon: mon, flows: flows, logger: logger}
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      newHandler(a, m, cfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowd starting", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort, "flow_id", cfg.FlowID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			healthSrv.Shutdown()
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	healthSrv.Shutdown()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mon.Save(shutCtx); err != nil {
		logger.Warn("final save failed", "err", err)
	}
	return srv.Shutdown(shutCtx)
}

// newGRPCServer returns a server exposing grpc.health.v1, reporting
// SERVING for flowd until the health server is shut down.
func newGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

// historyProviders builds one NATS provider per kind, each call bounded by
// the configured request timeout.
func historyProviders(nc *nats.Conn, kinds []domain.Kind, cfg Config) map[domain.Kind]history.Provider {
	var opts []history.NATSOption
	if cfg.History.Limit > 0 {
		opts = append(opts, history.WithLimit(cfg.History.Limit))
	}
	providers := make(map[domain.Kind]history.Provider, len(kinds))
	for _, kind := range kinds {
		p := history.NewNATSProvider(nc, kind, opts...)
		providers[kind] = withTimeout(p, cfg.History.RequestTimeout)
	}
	return providers
}

func withTimeout(p history.Provider, d time.Duration) history.Provider {
	if d <= 0 {
		return p
	}
	return history.ProviderFunc(func(ctx context.Context, entityID string) ([]domain.Entry, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Fetch(ctx, entityID)
	})
}

// showStatus asks the running flowd for its flow over NATS and prints it.
func showStatus(ctx context.Context, cfg Config, stored bool, w io.Writer) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName+"-status"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	doc, err := natsutil.Request[monitor.GetRequest, flow.Document](ctx, nc, monitor.GetSubject(cfg.FlowID), monitor.GetRequest{})
	if err != nil {
		return fmt.Errorf("fetch flow %s: %w", cfg.FlowID, err)
	}
	printStatus(w, doc, time.Now())
	if !stored {
		return nil
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())
	flows := graph.New(driver)
	counts, err := flows.KindCounts(ctx, cfg.FlowID)
	if err != nil {
		return err
	}
	edges, err := flows.EdgeCount(ctx, cfg.FlowID)
	if err != nil {
		return err
	}
	printStored(w, counts, edges)
	return nil
}
