package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/loracloud/lorad/internal/api"
	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/instances"
	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/middleware"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/remote"
	"github.com/loracloud/lorad/internal/sshauth"
	"github.com/loracloud/lorad/internal/storage"
	"github.com/loracloud/lorad/internal/training"
	"github.com/loracloud/lorad/internal/tunnel"
	"github.com/loracloud/lorad/pkg/vastai"
)

const version = "0.3.0"

var debugMode bool

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	if debugMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("Debug mode enabled")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logLevel := logging.LogLevel(strings.ToUpper(cfg.Logging.Level))
	if debugMode {
		logLevel = logging.DEBUG
	}
	if cfg.Logging.FilePath != "" {
		if _, err := logging.InitStructuredLoggerWithFile("lorad", logLevel, cfg.Logging.FilePath); err != nil {
			log.Fatalf("Failed to initialize logging: %v", err)
		}
	} else {
		logging.InitStructuredLogger("lorad", logLevel)
	}

	if debugMode {
		log.Printf("Configuration loaded: %+v", cfg.Server)
	}

	store, err := storage.New(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	if minioStore, ok := store.(*storage.MinIOStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := minioStore.EnsureBucket(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure bucket: %v", err)
		}
		cancel()
	}

	marketClient := vastai.NewClient(cfg.Vast.APIKey, cfg.Vast.BaseURL, cfg.Vast.Timeout)
	resolver := sshauth.NewResolver(cfg.SSH.KeyPath)
	runner := remote.NewRunner(resolver, &cfg.SSH)
	tunnels := tunnel.NewRegistry(resolver, &cfg.SSH)
	instanceService := instances.NewService(marketClient, &cfg.Training)

	wsHandler := api.NewWebSocketHandler()
	trainingService := training.NewService(
		training.NewRegistry(),
		instanceService,
		runner,
		store,
		&cfg.Training,
		&cfg.SSH,
		wsHandler,
	)

	launchDefaults := models.OfferFilter{
		GPUName:  cfg.Vast.DefaultGPUName,
		MaxPrice: cfg.Vast.DefaultMaxPrice,
	}
	instanceHandler := api.NewInstanceHandler(instanceService, tunnels, launchDefaults)
	trainingHandler := api.NewTrainingHandler(trainingService)
	storageHandler := api.NewStorageHandler(store)
	systemHandler := api.NewSystemHandler(version)

	router := mux.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logger)
	router.Use(middleware.CORS)

	router.HandleFunc("/health", systemHandler.HandleHealth).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.HandleFunc("/offers", instanceHandler.SearchOffers).Methods("GET")

	apiRouter.HandleFunc("/instances", instanceHandler.ListInstances).Methods("GET")
	apiRouter.HandleFunc("/instances/launch", instanceHandler.Launch).Methods("POST")
	apiRouter.HandleFunc("/instances/{id}", instanceHandler.GetInstance).Methods("GET")
	apiRouter.HandleFunc("/instances/{id}", instanceHandler.DestroyInstance).Methods("DELETE")
	apiRouter.HandleFunc("/instances/{id}/tunnel", instanceHandler.OpenTunnel).Methods("POST")
	apiRouter.HandleFunc("/instances/{id}/tunnel", instanceHandler.CloseTunnel).Methods("DELETE")

	apiRouter.HandleFunc("/training", trainingHandler.ListJobs).Methods("GET")
	apiRouter.HandleFunc("/training", trainingHandler.CreateJob).Methods("POST")
	apiRouter.HandleFunc("/training/{id}", trainingHandler.GetJob).Methods("GET")
	apiRouter.HandleFunc("/training/{id}", trainingHandler.PatchJob).Methods("PATCH")
	apiRouter.HandleFunc("/training/{id}", trainingHandler.DeleteJob).Methods("DELETE")
	apiRouter.HandleFunc("/training/{id}/restart", trainingHandler.RestartJob).Methods("POST")

	apiRouter.HandleFunc("/datasets", storageHandler.ListDatasets).Methods("GET")
	apiRouter.HandleFunc("/datasets/{name}/files", storageHandler.DatasetFiles).Methods("GET")
	apiRouter.HandleFunc("/datasets/{name}", storageHandler.DeleteDataset).Methods("DELETE")

	apiRouter.HandleFunc("/loras", storageHandler.ListLoras).Methods("GET")
	apiRouter.HandleFunc("/loras/{name}/url", storageHandler.LoraURL).Methods("GET")
	apiRouter.HandleFunc("/loras/{name}", storageHandler.GetLora).Methods("GET")
	apiRouter.HandleFunc("/loras/{name}", storageHandler.DeleteLora).Methods("DELETE")

	apiRouter.HandleFunc("/metrics", systemHandler.HandleMetrics).Methods("GET")
	apiRouter.HandleFunc("/stats", systemHandler.HandleStats).Methods("GET")

	router.HandleFunc("/ws", wsHandler.HandleConnection)

	collectCtx, stopCollection := context.WithCancel(context.Background())
	defer stopCollection()
	go metrics.GetMetrics().StartCollection(collectCtx)

	// Format address properly for IPv6 (needs brackets)
	httpHost := cfg.Server.Host
	if strings.Contains(httpHost, ":") {
		httpHost = "[" + httpHost + "]"
	}
	addr := fmt.Sprintf("%s:%d", httpHost, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Starting HTTP server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Live tunnels hold SSH connections into rented machines; drop them
	// before the listener so clients see a clean close.
	tunnels.CloseAll()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP server forced to shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}
