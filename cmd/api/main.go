package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"nlp-backend/cmd"
	"nlp-backend/internal/database"
	"nlp-backend/internal/nlp"
	"nlp-backend/internal/proxy"
)

type APIConfig struct {
	cmd.StorageConfig
	DatabaseURL    string `env:"DATABASE_URL,notEmpty,required"`
	DatasetsBucket string `env:"DATASETS_BUCKET" envDefault:"datasets"`
	APIPort        string `env:"API_PORT" envDefault:"8400"`

	// PredictorURL is a template with {tag}, {language} and {version}
	// placeholders, expanded per loaded model.
	PredictorURL string `env:"PREDICTOR_URL,notEmpty,required"`
	TokenizerURL string `env:"TOKENIZER_URL,notEmpty,required"`

	AdminToken string `env:"NL_SERVER_ADMIN_TOKEN"`
	CacheSize  int    `env:"PREDICTION_CACHE_SIZE" envDefault:"1024"`

	// FanoutService enables replica fanout through the Kubernetes
	// endpoints of the named service.
	FanoutService   string `env:"FANOUT_SERVICE"`
	FanoutNamespace string `env:"FANOUT_NAMESPACE" envDefault:"default"`
}

func main() {
	log.Println("Starting inference server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.NewObjectStore(cfg.StorageConfig)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	registry := nlp.NewRegistry(db, store, cfg.DatasetsBucket, func(tag, language string, version int) nlp.Predictor {
		return nlp.NewHTTPPredictor(nlp.ExpandPredictorURL(cfg.PredictorURL, tag, language, version))
	})
	if err := registry.LoadAll(context.Background()); err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}

	tokenizer := nlp.NewHTTPTokenizer(cfg.TokenizerURL)
	dispatcher := nlp.NewDispatcher(db, registry, tokenizer, nlp.NewPredictionCache(cfg.CacheSize))

	var fanout *proxy.ReplicaFanout
	if cfg.FanoutService != "" {
		clusterCfg, err := rest.InClusterConfig()
		if err != nil {
			log.Fatalf("Failed to load cluster config for fanout: %v", err)
		}
		clientset, err := kubernetes.NewForConfig(clusterCfg)
		if err != nil {
			log.Fatalf("Failed to create Kubernetes client: %v", err)
		}
		fanout = proxy.NewReplicaFanout(clientset, cfg.FanoutNamespace, cfg.FanoutService)
		log.Printf("replica fanout enabled for service %s", cfg.FanoutService)
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	service := nlp.NewService(dispatcher, registry, tokenizer, fanout, cfg.AdminToken)
	service.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("inference server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
