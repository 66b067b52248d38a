package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/database"
	errprocess "media_convert_service/pkg/err"
	"media_convert_service/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
)

// Worker 消費轉檔佇列，驅動 orchestrator，並把終態事件發到 kafka
type Worker struct {
	rabbit database.RabbitRepo
	repo   repository.JobRepository
	orch   *Orchestrator
	// nil 表示事件通知停用
	events database.EventWriter
}

// NewWorker create a Worker
func NewWorker(rabbit database.RabbitRepo, repo repository.JobRepository, orch *Orchestrator, events database.EventWriter) *Worker {
	return &Worker{
		rabbit: rabbit,
		repo:   repo,
		orch:   orch,
		events: events,
	}
}

// Start 宣告佇列並開始消費，ctx 結束時停止
func (w *Worker) Start(ctx context.Context) error {
	ch := w.rabbit.GetRabbit()

	q, err := ch.QueueDeclare(domain.QueueName, true, false, false, false, nil)
	if err != nil {
		return errprocess.Set(fmt.Sprintf("宣告佇列 [%s] 失敗: %v", domain.QueueName, err))
	}

	// 一次只吃一個訊息，轉檔是重活
	if err := ch.Qos(1, 0, false); err != nil {
		return errprocess.Set(fmt.Sprintf("設定 QoS 失敗: %v", err))
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return errprocess.Set(fmt.Sprintf("消費佇列 [%s] 失敗: %v", domain.QueueName, err))
	}

	logger.Log.Info(fmt.Sprintf("轉檔 worker 啟動，佇列 [%s]", domain.QueueName))

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Log.Info("轉檔 worker 停止")
				return
			case d, ok := <-msgs:
				if !ok {
					logger.Log.Warn("佇列 channel 已關閉，worker 結束")
					return
				}
				w.handle(ctx, d)
			}
		}
	}()

	return nil
}

// handle 處理單一佇列訊息。轉檔結果記在 job 記錄上，訊息一律 ack，
// 避免壞 job 無限重投。
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var msg domain.ConversionJobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Log.Errorf("佇列訊息解析失敗，丟棄:", err)
		d.Nack(false, false)
		return
	}

	convertErr := w.orch.Convert(ctx, &msg)
	if convertErr != nil {
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 轉檔失敗:", msg.JobID), convertErr)
	}

	w.publishEvent(ctx, msg.JobID)

	if err := d.Ack(false); err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] ack 失敗:", msg.JobID), err)
	}
}

// publishEvent 發佈 job 終態事件，fire-and-forget
func (w *Worker) publishEvent(ctx context.Context, jobID string) {
	if w.events == nil {
		return
	}

	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 事件讀取 job 失敗:", jobID), err)
		return
	}

	event := domain.JobEvent{
		JobID:        job.JobID,
		Status:       job.Status,
		Error:        job.Error,
		FallbackUsed: job.FallbackUsed,
		OccurredAt:   time.Now().Unix(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 事件序列化失敗:", jobID), err)
		return
	}

	if err := w.events.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.JobID),
		Value: value,
	}); err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 事件發佈失敗:", jobID), err)
	}
}
