package app

import (
	"context"
	"encoding/json"
	"fmt"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/internal/convert/repository"
	"media_convert_service/pkg/database"
	errprocess "media_convert_service/pkg/err"
	"media_convert_service/pkg/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// ProcessCanceller 可終止進行中 transcoder process 的元件
type ProcessCanceller interface {
	Cancel(jobID string) error
	Running(jobID string) bool
}

// ConvertUseCase definition convert 服務對外的操作
type ConvertUseCase interface {
	UploadSource(ctx context.Context, in *domain.UploadInput) (*domain.StorageLocation, error)
	SubmitConversion(ctx context.Context, req *domain.SubmitConversionReq) (*domain.SubmitConversionRes, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
	CancelJob(ctx context.Context, jobID string) error
	SupportedFormats() []string
}

type convertUseCase struct {
	repo      repository.JobRepository
	storage   database.MinIOClientRepo
	rabbit    database.RabbitRepo
	canceller ProcessCanceller
}

// NewConvertUseCase create a ConvertUseCase
func NewConvertUseCase(repo repository.JobRepository, storage database.MinIOClientRepo, rabbit database.RabbitRepo, canceller ProcessCanceller) ConvertUseCase {
	return &convertUseCase{
		repo:      repo,
		storage:   storage,
		rabbit:    rabbit,
		canceller: canceller,
	}
}

// UploadSource 把來源檔 stream 進物件儲存，回傳儲存座標
func (uc *convertUseCase) UploadSource(ctx context.Context, in *domain.UploadInput) (*domain.StorageLocation, error) {
	if in.FileName == "" {
		return nil, errprocess.Set("upload file name is empty")
	}

	key := "uploads/" + uuid.New().String() + "-" + in.FileName
	size, err := uc.storage.PutObject(ctx, key, in.File, in.Size, "application/octet-stream")
	if err != nil {
		return nil, errprocess.Set(fmt.Sprintf("上傳來源檔 [%s] 失敗: %v", in.FileName, err))
	}

	logger.Log.Info(fmt.Sprintf("來源檔上傳完成 key[%s] size[%d]", key, size))
	return &domain.StorageLocation{Key: key, Size: size}, nil
}

// SubmitConversion 建立 job 記錄並丟進轉檔佇列，立即回傳 jobID
func (uc *convertUseCase) SubmitConversion(ctx context.Context, req *domain.SubmitConversionReq) (*domain.SubmitConversionRes, error) {
	if req.InputLocation.Key == "" {
		return nil, errprocess.Set("input location is empty")
	}
	if _, ok := domain.GetFormatCompatibility(req.Format); !ok {
		return nil, errprocess.Set(fmt.Sprintf("unsupported output format [%s]", req.Format))
	}

	jobID := uuid.New().String()
	job := &domain.Job{
		JobID:         jobID,
		Status:        domain.JobCreated,
		InputLocation: req.InputLocation,
		Format:        req.Format,
		Quality:       req.Quality,
	}
	if err := uc.repo.CreateJob(ctx, job); err != nil {
		return nil, errprocess.Set(fmt.Sprintf("jobID[%s] 建立失敗: %v", jobID, err))
	}

	if err := uc.repo.SetProgress(ctx, &domain.ProgressSnapshot{
		JobID:    jobID,
		Progress: 0,
		Stage:    "initialized",
	}); err != nil {
		// 初始 progress 寫失敗不擋提交，worker 開跑後會補寫
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 初始 progress 寫入失敗:", jobID), err)
	}

	msg := domain.ConversionJobMessage{
		JobID:         jobID,
		InputLocation: req.InputLocation,
		Format:        req.Format,
		Quality:       req.Quality,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errprocess.Set(fmt.Sprintf("jobID[%s] 訊息序列化失敗: %v", jobID, err))
	}

	if err := uc.rabbit.Publish("", domain.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		return nil, errprocess.Set(fmt.Sprintf("jobID[%s] 發佈到佇列失敗: %v", jobID, err))
	}

	logger.Log.Info(fmt.Sprintf("jobID[%s] 已提交 format[%s] quality[%s]", jobID, req.Format, req.Quality))
	return &domain.SubmitConversionRes{JobID: jobID, Status: domain.JobCreated}, nil
}

// GetJob get job by id
func (uc *convertUseCase) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := uc.repo.GetJob(ctx, jobID)
	if err == repository.ErrJobNotFound {
		return nil, err
	} else if err != nil {
		return nil, errprocess.Set(fmt.Sprintf("jobID[%s] 讀取失敗: %v", jobID, err))
	}
	return job, nil
}

// GetProgress 取最近一次進度快照
func (uc *convertUseCase) GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	snap, err := uc.repo.GetProgress(ctx, jobID)
	if err == repository.ErrJobNotFound {
		return nil, err
	} else if err != nil {
		return nil, errprocess.Set(fmt.Sprintf("jobID[%s] progress 讀取失敗: %v", jobID, err))
	}
	return snap, nil
}

// CancelJob 取消 job：有進行中 process 就終止，否則直接標記 failed
func (uc *convertUseCase) CancelJob(ctx context.Context, jobID string) error {
	job, err := uc.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 已是終態 [%s]，無法取消", jobID, job.Status))
	}

	if uc.canceller.Running(jobID) {
		// process 終止後由 orchestrator 標記 failed
		return uc.canceller.Cancel(jobID)
	}

	job.Status = domain.JobFailed
	job.Error = "canceled by user"
	if err := uc.repo.UpdateJob(ctx, job); err != nil {
		return errprocess.Set(fmt.Sprintf("jobID[%s] 取消失敗: %v", jobID, err))
	}
	if err := uc.repo.SetProgress(ctx, &domain.ProgressSnapshot{
		JobID:    jobID,
		Progress: domain.FailedProgress,
		Stage:    "failed",
		Error:    "canceled by user",
	}); err != nil {
		logger.Log.Warnf(fmt.Sprintf("jobID[%s] 取消後 progress 寫入失敗:", jobID), err)
	}
	return nil
}

// SupportedFormats 回傳所有支援的格式名
func (uc *convertUseCase) SupportedFormats() []string {
	return domain.GetSupportedFormats()
}
