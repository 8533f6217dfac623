package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-hr-approvals/internal/client"
	"github.com/pesio-ai/be-hr-approvals/internal/config"
	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/dispatch"
	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/memstore"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// stores bundles the persistence ports for the configured driver.
type stores struct {
	tx         service.Transactor
	workflows  service.WorkflowStore
	balances   service.BalanceStore
	leaves     service.LeaveRequestStore
	timesheets service.TimesheetStore
	directory  service.Directory
	audit      interface {
		service.AuditSink
		handler.AuditReader
	}
	ping  func(ctx context.Context) error
	close func()
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("database_driver", cfg.Database.Driver).
		Msg("Starting HR Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize persistence
	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.close()
	log.Info().Msg("Database connection established")

	// Initialize authority client
	var authority service.Authority = client.DirectoryAuthority{Directory: st.directory}
	if cfg.Authority.GRPCAddr != "" {
		authorityClient, err := client.NewAuthorityGRPCClient(cfg.Authority.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create authority gRPC client")
		}
		defer authorityClient.Close()
		authority = authorityClient
		log.Info().Str("authority_grpc", cfg.Authority.GRPCAddr).Msg("Authority gRPC client initialized")
	} else {
		log.Warn().Msg("No authority service configured; using local role directory")
	}

	// Initialize notification publisher
	var notifier service.Notifier = client.LogNotifier{Log: log.Component("notifier")}
	if cfg.NATS.URL != "" {
		publisher, err := client.NewNotificationPublisher(ctx, client.PublisherConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.Notification.Timeout,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect notification publisher")
		}
		defer publisher.Close()
		notifier = publisher
	}

	// Start side-effect dispatcher
	pool := dispatch.NewPool(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		TaskTimeout: cfg.Dispatch.TaskTimeout,
	}, log)
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start dispatcher")
	}

	// Initialize services
	ledger := service.NewBalanceLedger(st.tx, st.balances, log)
	resolver := service.NewApproverResolver(st.workflows, st.directory, authority, cfg.Authority.Timeout, log)
	sync := service.NewResourceSynchronizer(ledger, st.leaves, st.timesheets,
		service.WeekdayCalendar{HoursPerDay: cfg.Leave.HoursPerDay}, log)
	engine := service.NewWorkflowEngine(service.EngineDeps{
		Tx:               st.tx,
		Workflows:        st.workflows,
		Directory:        st.directory,
		Resolver:         resolver,
		Sync:             sync,
		Authority:        authority,
		AuthorityTimeout: cfg.Authority.Timeout,
		Notifier:         notifier,
		Audit:            st.audit,
		Signer:           client.NewJWTSigner(cfg.Signature.Secret),
		Dispatcher:       pool,
		Log:              log,
	})

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, ledger, st.audit, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpHandler.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Chain(mux, log, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(engine, log).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.WorkflowServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	// Drain queued side effects before the stores close
	pool.Stop()

	log.Info().Msg("Server stopped")
}

// openStores wires the persistence ports for cfg.Database.Driver.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		mem := memstore.New()
		return &stores{
			tx:         mem,
			workflows:  mem,
			balances:   mem,
			leaves:     mem,
			timesheets: mem,
			directory:  mem,
			audit:      mem,
			ping:       func(context.Context) error { return nil },
			close:      func() {},
		}, nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, err
	}

	resources := repository.NewResourceRepository(db)
	return &stores{
		tx:         db,
		workflows:  repository.NewWorkflowRepository(db),
		balances:   repository.NewLeaveBalanceRepository(db),
		leaves:     resources,
		timesheets: resources,
		directory:  repository.NewDirectoryRepository(db),
		audit:      repository.NewAuditRepository(db),
		ping:       db.Ping,
		close:      db.Close,
	}, nil
}
