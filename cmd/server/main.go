package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"transcribe-orchestrator/api/rest/routes"
	"transcribe-orchestrator/config"
	"transcribe-orchestrator/core/monitoring"
	"transcribe-orchestrator/core/provision"
	"transcribe-orchestrator/core/reconcile"
	"transcribe-orchestrator/core/repository"
	"transcribe-orchestrator/providers/aws"
	"transcribe-orchestrator/storage"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// regionInstanceStates adapts the per-region client factory to the
// reconciler's instance liveness probe.
type regionInstanceStates struct {
	clients *aws.ClientFactory
}

func (s regionInstanceStates) InstanceState(ctx context.Context, region, instanceID string) (string, error) {
	state, _, err := s.clients.ClientFor(region).InstanceState(ctx, instanceID)
	return state, err
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatalf("Failed to load region catalog: %v", err)
	}
	catalog.ApplyDefaults(cfg)
	logger.Infof("Region catalog loaded with %d regions", len(catalog.Regions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsFactory, err := aws.NewClientFactory(ctx, cfg.KeyName, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize AWS clients: %v", err)
	}
	clients := provision.ClientFactoryFunc(func(region string) provision.RegionClient {
		return awsFactory.ClientFor(region)
	})

	var store repository.JobStore
	switch cfg.StoreBackend {
	case "dynamodb":
		store = repository.NewDynamoStore(awsFactory.Config(), cfg.DynamoTable)
		logger.Infof("Using DynamoDB job store (table %s)", cfg.DynamoTable)
	default:
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(); err != nil {
			logger.Fatalf("Failed to ensure schema: %v", err)
		}
		store = repository.NewPostgresStore(db)
		logger.Info("Using Postgres job store")
	}

	probe := provision.NewRunningJobProbe(catalog, clients, logger)
	planner := provision.NewProvisionPlanner(catalog, clients, logger)
	spot := provision.NewSpotAcquirer(clients, provision.RealClock(), cfg.SpotPollInterval, cfg.SpotWaitMax, logger)
	onDemand := provision.NewOnDemandAcquirer(clients, logger)
	advisor := aws.NewPriceAdvisor(awsFactory.Config(), awsFactory, logger)
	engine := provision.NewEngine(probe, planner, spot, onDemand, store, advisor, aws.WorkerUserData, logger)

	artifacts := storage.NewArtifactStore(awsFactory.Config())
	reconciler := reconcile.NewReconciler(store, artifacts, regionInstanceStates{awsFactory}, cfg.FailAfter, logger)

	monitor := monitoring.NewJobMonitor(store, reconciler, cfg.PollInterval, logger)
	go monitor.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, store, engine, reconciler)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logger.Infof("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}
