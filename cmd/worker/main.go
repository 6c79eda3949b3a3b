package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"circuitlab-backend/internal/config"
	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/detector"
	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/orchestrator"
	"circuitlab-backend/internal/queue/rabbitmq"
	"circuitlab-backend/internal/realtime"
	minioclient "circuitlab-backend/internal/storage/minio"
	"circuitlab-backend/pkg/database/postgres"
	redisclient "circuitlab-backend/pkg/database/redis"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const WorkerPoolSize = 5

// analysisPipeline is what a worker runs per delivery.
type analysisPipeline interface {
	Process(ctx context.Context, imageID uuid.UUID) error
}

func main() {
	log.Println("Starting Worker Service...")

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

	imageStore := images.NewStore(pgPool, redisClient)
	convStore := conversation.NewStore(pgPool)
	detectorClient := detector.NewClient(cfg.DetectorBaseURL, cfg.PublicBaseURL, cfg.DetectorTimeout)
	notifier := realtime.NewNotifier(convStore, realtime.NewPublisher(redisClient))
	annotated := orchestrator.NewMinioAnnotatedStore(minioClient)

	pipeline := orchestrator.New(
		imageStore, convStore, detectorClient, notifier, annotated,
		cfg.OutputDir, cfg.CompanionGuideURL,
	)

	// Start consuming messages
	msgs, err := rabbitClient.Consume()
	if err != nil {
		log.Fatalf("Failed to start consuming: %v", err)
	}

	// Create worker pool. Workers consume deliveries directly and ack only
	// after the pipeline finishes, so a crash mid-run leaves the delivery
	// unacked and the broker redelivers it.
	var wg sync.WaitGroup
	for i := 0; i < WorkerPoolSize; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Printf("Worker %d started", workerID)

			for msg := range msgs {
				handleDelivery(workerID, pipeline, msg)
			}

			log.Printf("Worker %d stopped", workerID)
		}(i + 1)
	}

	// Shutdown channel
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Worker Service is running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Closing the consumer drains the delivery channel and stops the workers.
	rabbitClient.Close()

	// Wait for all workers to finish
	wg.Wait()

	log.Println("Worker Service stopped")
}

// handleDelivery runs the pipeline for one queued task. The ack is sent after
// Process returns: a pipeline error means the failure was already recorded on
// the image record, so the task is consumed either way. Only deliveries the
// worker never got to run stay unacked for redelivery.
func handleDelivery(workerID int, pipeline analysisPipeline, msg amqp.Delivery) {
	var task rabbitmq.AnalysisTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		log.Printf("Worker %d: failed to unmarshal message: %v", workerID, err)
		msg.Nack(false, false) // discard invalid message
		return
	}

	imageID, err := uuid.Parse(task.ImageID)
	if err != nil {
		log.Printf("Worker %d: invalid image ID %s: %v", workerID, task.ImageID, err)
		msg.Nack(false, false)
		return
	}

	log.Printf("Worker %d processing image %s", workerID, task.ImageID)

	taskCtx, taskCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = pipeline.Process(taskCtx, imageID)
	taskCancel()

	if err != nil {
		log.Printf("Worker %d: failed to process image %s: %v", workerID, task.ImageID, err)
	} else {
		log.Printf("Worker %d: finished image %s", workerID, task.ImageID)
	}

	msg.Ack(false)
}
