package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecocity/config"
	"ecocity/database"
	"ecocity/dedup"
	"ecocity/detector"
	"ecocity/embed"
	"ecocity/fetcher"
	"ecocity/geocode"
	"ecocity/grouper"
	"ecocity/handlers"
	"ecocity/metrics"
	"ecocity/middleware"
	"ecocity/pipeline"
	"ecocity/rabbitmq"
	"ecocity/simindex"
	"ecocity/version"
	"ecocity/websocket"

	"github.com/apex/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.Infof("Starting ecocity pipeline %s (built %s)", version.Version, version.BuildTime)

	metrics.Register()

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.InitSchema(ctx, db); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	reports := database.NewReportStore(db)
	fingerprints := database.NewFingerprintStore(db)
	groups := database.NewGroupStore(db)

	index, err := simindex.Load(cfg.IndexPath, cfg.EmbeddingDim)
	if err != nil {
		log.Fatalf("Failed to load similarity index: %v", err)
	}
	if index.Len() == 0 {
		// A reset or missing index is rebuilt from stored fingerprints.
		if err := fingerprints.AllEmbeddings(ctx, func(seq int64, emb []float32) error {
			return index.Add(seq, emb)
		}); err != nil {
			log.Errorf("Failed to rebuild similarity index: %v", err)
		} else if index.Len() > 0 {
			log.Infof("Rebuilt similarity index with %d vectors", index.Len())
			if err := index.Save(); err != nil {
				log.Errorf("Failed to save rebuilt index: %v", err)
			}
		}
	}
	metrics.SimilarityIndexSize.Set(float64(index.Len()))
	indexWriter := simindex.NewWriter(index)
	defer indexWriter.Close()

	if err := detector.InitRuntime(cfg.ORTLibraryPath); err != nil {
		log.Fatalf("Failed to initialize onnx runtime: %v", err)
	}
	det := detector.NewService(cfg.DetectorModelPath, cfg.DetectorInputSize, cfg.ConfThreshold, cfg.IoUThreshold)
	defer det.Close()
	emb := embed.NewService(cfg.EmbedderModelPath, 160, cfg.EmbeddingDim)
	defer emb.Close()

	fetch, err := fetcher.New(cfg.UploadURL, cfg.UploadAccessToken, cfg.FetchTimeout, cfg.FetchMaxAttempts)
	if err != nil {
		log.Fatalf("Failed to create image fetcher: %v", err)
	}

	gate := dedup.NewGate(reports, fingerprints, index, dedup.Config{
		SpatialRadiusM: cfg.SpatialRadiusM,
		TemporalWindow: cfg.TemporalWindow,
		PHashThreshold: cfg.PHashThreshold,
		PHashLookback:  cfg.PHashLookback,
		EmbedThreshold: float32(cfg.EmbedSimThreshold),
		EmbedSearchK:   cfg.EmbedSearchK,
	})

	grp := grouper.NewService(reports, groups, grouper.Config{
		AttachRadiusM: cfg.AttachRadiusM,
		ClusterEpsM:   cfg.ClusterEpsM,
		ClusterMinPts: cfg.ClusterMinPts,
	})

	publisher, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.RabbitMQExchange)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	hub := websocket.NewHub()
	go hub.Run()

	geocoder := geocode.NewClient(cfg.NominatimURL)

	pipe := pipeline.New(
		pipeline.Config{
			DetectRoutingKey: cfg.DetectRoutingKey,
			StatusRoutingKey: cfg.StatusRoutingKey,
		},
		reports, fingerprints, gate, det, emb, fetch,
		index, indexWriter, grp, geocoder, publisher, hub,
	)

	subscriber, err := rabbitmq.NewSubscriber(cfg.AMQPURL, cfg.RabbitMQExchange, cfg.RabbitMQDetectQueue, cfg.RabbitMQWorkers)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ subscriber: %v", err)
	}
	defer subscriber.Close()
	subscriber.Start(map[string]rabbitmq.CallbackFunc{
		cfg.DetectRoutingKey: pipe.HandleDetectTask,
	})

	h := handlers.NewHandler(pipe, reports, groups, grp, hub, fetch)

	router := gin.Default()
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	router.GET("/health", h.HealthCheck)
	router.GET("/version", h.Version)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/reports", h.ServeWS)

	api := router.Group("/api/v3")
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		api.POST("/reports/submit", h.SubmitReport)
		api.GET("/reports/:seq", h.GetReport)
		api.GET("/reports/:seq/status", h.GetReportStatus)
		api.GET("/reports/:seq/annotated", h.GetAnnotatedImage)
		api.GET("/groups", h.ListGroups)
		api.GET("/groups/suggestions", h.GetGroupSuggestions)
		api.POST("/groups/materialize", h.MaterializeGroup)
		api.GET("/groups/:seq", h.GetGroup)
		api.POST("/groups/:seq/lock", h.LockGroup)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("HTTP server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	if err := index.Save(); err != nil {
		log.Errorf("Failed to save similarity index on shutdown: %v", err)
	}
	log.Info("Server stopped")
}
