package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circuitlab-backend/internal/config"
	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/handler"
	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/queue/rabbitmq"
	"circuitlab-backend/internal/realtime"
	minioclient "circuitlab-backend/internal/storage/minio"
	"circuitlab-backend/pkg/database/postgres"
	redisclient "circuitlab-backend/pkg/database/redis"
	"circuitlab-backend/pkg/security"

	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("Starting API Gateway...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize PostgreSQL
	log.Println("Connecting to PostgreSQL...")
	pgPool, err := postgres.NewClient(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()

	// Run migrations
	if err := postgres.RunMigrations(ctx, pgPool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize Minio
	log.Println("Connecting to Minio...")
	minioClient, err := minioclient.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, false)
	if err != nil {
		log.Fatalf("Failed to connect to Minio: %v", err)
	}

	// Initialize RabbitMQ
	log.Println("Connecting to RabbitMQ...")
	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer rabbitClient.Close()

	// Initialize Redis
	log.Println("Connecting to Redis...")
	redisClient, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	log.Println("✓ Successfully connected to all services")

	verifier, err := security.NewVerifier(cfg.KeycloakJWKSURL, cfg.KeycloakClientID)
	if err != nil {
		log.Fatalf("Failed to initialize token verifier: %v", err)
	}

	imageStore := images.NewStore(pgPool, redisClient)
	convStore := conversation.NewStore(pgPool)

	h := handler.NewHandler(imageStore, convStore, minioClient, rabbitClient, redisClient)

	hub := realtime.NewHub()
	sessions := realtime.NewSessionDirectory(redisClient)
	gateway := realtime.NewGateway(hub, convStore, verifier, sessions)

	// Feed worker-originated push events into the local hub.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	go realtime.RunBridge(bridgeCtx, redisClient, hub)

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	// Object passthrough for the detector; no auth, keys are unguessable.
	router.GET("/files/*key", h.ServeFile)
	router.GET("/ws", gateway.HandleWS)

	api := router.Group("/api/v1")
	api.Use(verifier.AuthMiddleware())
	{
		api.POST("/images", h.UploadImage)
		api.GET("/images", h.ListImages)
		api.GET("/images/:id", h.GetImage)
		api.POST("/images/:id/reprocess", h.ReprocessImage)

		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.POST("/conversations/:id/read", h.MarkConversationRead)
		api.POST("/conversations/:id/archive", h.ArchiveConversation)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("API Gateway listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
