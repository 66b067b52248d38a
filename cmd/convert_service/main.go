package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"media_convert_service/internal/convert/api/handlers"
	"media_convert_service/internal/convert/api/router"
	"media_convert_service/internal/convert/app"
	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/config"
	"media_convert_service/pkg/database"
	"media_convert_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ConvertService, config.EnvConfig.ConvertServiceLogPath)

	cfg := config.LoadConfig[config.Convert](config.EnvConfig.ConvertService, config.EnvConfig.ConvertServiceYAMLPath)
	cfg.Job.Defaults()

	// 1. 初始化 MinIO 客戶端
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
		User:       cfg.MinIO.User,
		Password:   cfg.MinIO.Password,
		BucketName: cfg.MinIO.BucketName,
		UseSSL:     cfg.MinIO.UseSSL,

		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: time.Duration(cfg.MinIO.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to minio after retries",
			zap.String("address", fmt.Sprintf("[%s:%d]", cfg.MinIO.Host, cfg.MinIO.Port)),
			zap.Error(err),
		)
	}

	// 2. 連線 Redis（job / progress store）
	kvStore, err := database.NewRedisConnection(database.RedisConnection{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.RedisDB,
		RetryCount:    cfg.Redis.RetryCount,
		RetryInterval: time.Duration(cfg.Redis.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to redis after retries",
			zap.String("address", fmt.Sprintf("[%s]", cfg.Redis.Addr)),
			zap.Error(err),
		)
	}

	jobRepo := repository.NewJobRepository(
		kvStore,
		cfg.Job.JobTTL,
		cfg.Job.ProgressTTL,
		repository.RetryPolicy{
			BaseDelay: cfg.Job.RetryBaseDelay,
			MaxDelay:  cfg.Job.RetryMaxDelay,
			MaxRetry:  cfg.Job.RetryCount,
		},
	)

	// 3. 連線 RabbitMQ
	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.IP, cfg.RabbitMQ.Port)
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    rabbitURL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: time.Duration(cfg.RabbitMQ.RetryInterval),
	})
	if err != nil {
		log.Fatalf("RabbitMQ 連線失敗: %v", err)
	}
	defer conn.Close()

	rabbitChannel, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, time.Duration(cfg.RabbitMQ.RetryInterval))
	if err != nil {
		log.Fatalf("取得 RabbitMQ Channel 失敗: %v", err)
	}
	defer rabbitChannel.Close()

	//先初始化一個queue name = convert
	if _, err := rabbitChannel.QueueDeclare(
		domain.QueueName, // queue name
		true,             // durable
		false,            // autoDelete
		false,            // exclusive
		false,            // noWait
		nil,              // arguments
	); err != nil {
		log.Fatalf("Queue Declare failed: %v", err)
	}
	rabbitRepo := database.NewRabbitRepository(rabbitChannel)

	// 4. Kafka 事件通知（可關閉）
	var eventWriter database.EventWriter
	if cfg.KafKa.Enabled {
		kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers:       cfg.KafKa.Brokers,
			Topic:         cfg.KafKa.Topic,
			RetryCount:    cfg.KafKa.RetryCount,
			RetryInterval: time.Duration(cfg.KafKa.RetryInterval),
		})
		if err != nil {
			log.Fatalf("Kafka Writer 建立失敗: %v", err)
		}
		defer kafkaWriter.Close()
		eventWriter = kafkaWriter
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 啟動轉檔 worker 與過期記錄清理
	orch := app.NewOrchestrator(minioClient, jobRepo, cfg.Job)
	worker := app.NewWorker(rabbitRepo, jobRepo, orch, eventWriter)
	if err := worker.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start convert worker", zap.Error(err))
	}
	repository.StartSweeper(ctx, jobRepo, cfg.Job.SweepInterval)

	// 6. 建立 Fiber 應用與 API 路由
	r := fiber.New(fiber.Config{
		BodyLimit: 512 * 1024 * 1024,
	})

	usecase := app.NewConvertUseCase(jobRepo, minioClient, rabbitRepo, orch)
	convertHandler := &handlers.ConvertHandler{UseCase: usecase}
	router.RegisterRoutes(r, convertHandler)

	logger.Log.Info(fmt.Sprintf("ConvertService listening on : %s", cfg.Port))
	if err := r.Listen(cfg.IP + ":" + cfg.Port); err != nil {
		logger.Log.Fatal("Server failed to start", zap.Error(err))
	}
}
