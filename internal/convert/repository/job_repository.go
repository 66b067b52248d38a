package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/pkg/database"
	"media_convert_service/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrJobExists jobId 已存在（conditional insert 失敗）
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound jobId 不存在
	ErrJobNotFound = errors.New("job not found")
)

// 測試可替換的時鐘
var repoNow = time.Now

const (
	jobKeyPrefix      = "convert:job:"
	progressKeyPrefix = "convert:progress:"
	jobsIndexKey      = "convert:jobs"
)

// RetryPolicy store 操作的指數回退設定
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxRetry  int
}

// JobRepository definition job 與 progress 的持久化操作
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	DeleteJob(ctx context.Context, jobID string) error
	SetProgress(ctx context.Context, snap *domain.ProgressSnapshot) error
	GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
	ListJobIDs(ctx context.Context) ([]string, error)
	Sweep(ctx context.Context) (int, error)
}

type redisJobRepository struct {
	store       database.KVStore
	jobTTL      time.Duration
	progressTTL time.Duration
	retry       RetryPolicy
}

// NewJobRepository create a redis-backed JobRepository
func NewJobRepository(store database.KVStore, jobTTL, progressTTL time.Duration, retry RetryPolicy) JobRepository {
	return &redisJobRepository{
		store:       store,
		jobTTL:      jobTTL,
		progressTTL: progressTTL,
		retry:       retry,
	}
}

// withRetry 以有界指數回退包住 store 操作，吸收短暫的不可用；
// 業務錯誤（已存在 / 不存在）不重試。
func (r *redisJobRepository) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retry.BaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = r.retry.MaxDelay

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.retry.MaxRetry)), ctx))
}

// CreateJob conditional insert，jobId 已存在時失敗
func (r *redisJobRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	now := repoNow()
	job.CreatedAt = now.Unix()
	job.UpdatedAt = now.Unix()
	job.TTL = now.Add(r.jobTTL).Unix()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return r.withRetry(ctx, func() error {
		ok, err := r.store.SetNX(ctx, jobKeyPrefix+job.JobID, data, r.jobTTL)
		if err != nil {
			return err
		}
		if !ok {
			return backoff.Permanent(ErrJobExists)
		}
		if err := r.store.SAdd(ctx, jobsIndexKey, job.JobID); err != nil {
			// index 失敗不影響 job 本體，sweep 時自然略過
			logger.Log.Warnf("job index 寫入失敗:", err)
		}
		return nil
	})
}

// GetJob get job by id
func (r *redisJobRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job

	err := r.withRetry(ctx, func() error {
		data, err := r.store.Get(ctx, jobKeyPrefix+jobID)
		if err == database.ErrKeyNotFound {
			return backoff.Permanent(ErrJobNotFound)
		} else if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal job: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob 更新既有 job，不存在時失敗
func (r *redisJobRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = repoNow().Unix()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return r.withRetry(ctx, func() error {
		exists, err := r.store.Exists(ctx, jobKeyPrefix+job.JobID)
		if err != nil {
			return err
		}
		if !exists {
			return backoff.Permanent(ErrJobNotFound)
		}

		// 維持原本的到期時間
		remaining := time.Until(time.Unix(job.TTL, 0))
		if remaining < time.Second {
			remaining = time.Second
		}
		return r.store.Set(ctx, jobKeyPrefix+job.JobID, data, remaining)
	})
}

// DeleteJob 刪除 job 與對應 progress
func (r *redisJobRepository) DeleteJob(ctx context.Context, jobID string) error {
	return r.withRetry(ctx, func() error {
		if err := r.store.Del(ctx, jobKeyPrefix+jobID, progressKeyPrefix+jobID); err != nil {
			return err
		}
		return r.store.SRem(ctx, jobsIndexKey, jobID)
	})
}

// SetProgress unconditional upsert，每次寫入都重設 TTL
func (r *redisJobRepository) SetProgress(ctx context.Context, snap *domain.ProgressSnapshot) error {
	now := repoNow()
	snap.UpdatedAt = now.Unix()
	snap.TTL = now.Add(r.progressTTL).Unix()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	return r.withRetry(ctx, func() error {
		return r.store.Set(ctx, progressKeyPrefix+snap.JobID, data, r.progressTTL)
	})
}

// GetProgress get progress by job id
func (r *redisJobRepository) GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	var snap domain.ProgressSnapshot

	err := r.withRetry(ctx, func() error {
		data, err := r.store.Get(ctx, progressKeyPrefix+jobID)
		if err == database.ErrKeyNotFound {
			return backoff.Permanent(ErrJobNotFound)
		} else if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal progress: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListJobIDs 列出 index 裡的所有 job id
func (r *redisJobRepository) ListJobIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := r.withRetry(ctx, func() error {
		var err error
		ids, err = r.store.SMembers(ctx, jobsIndexKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Sweep 掃描 index，刪掉 TTL 已過的記錄。單筆失敗記 log 繼續掃。
func (r *redisJobRepository) Sweep(ctx context.Context) (int, error) {
	ids, err := r.ListJobIDs(ctx)
	if err != nil {
		return 0, err
	}

	now := repoNow().Unix()
	deleted := 0
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err == ErrJobNotFound {
			// 本體已被 storage-native expiry 清掉，清 index 與 progress
			if err := r.DeleteJob(ctx, id); err != nil {
				logger.Log.Warnf(fmt.Sprintf("sweep 清理 index 失敗 jobID[%s]:", id), err)
				continue
			}
			deleted++
			continue
		} else if err != nil {
			logger.Log.Warnf(fmt.Sprintf("sweep 讀取失敗 jobID[%s]:", id), err)
			continue
		}

		if job.TTL <= now {
			if err := r.DeleteJob(ctx, id); err != nil {
				logger.Log.Warnf(fmt.Sprintf("sweep 刪除失敗 jobID[%s]:", id), err)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

// StartSweeper 背景定期執行 Sweep，ctx 結束時停止
func StartSweeper(ctx context.Context, repo JobRepository, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := repo.Sweep(ctx); err != nil {
					logger.Log.Warnf("sweep 執行失敗:", err)
				} else if n > 0 {
					logger.Log.Info(fmt.Sprintf("sweep 清除 %d 筆過期記錄", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ThrottledProgressWriter 進度寫入節流器，節流狀態按 jobID 各自獨立：
// 一般寫入至少間隔 interval，duration-discovery 等重要事件可用 force
// 立即寫。寫失敗只記 log，不回傳錯誤給轉檔流程。
type ThrottledProgressWriter struct {
	repo     JobRepository
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// 測試可替換的時鐘
var throttleNow = time.Now

// NewThrottledProgressWriter create a ThrottledProgressWriter
func NewThrottledProgressWriter(repo JobRepository, interval time.Duration) *ThrottledProgressWriter {
	return &ThrottledProgressWriter{
		repo:      repo,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
	}
}

// Write 寫入一筆進度快照；被節流擋下時回傳 false
func (w *ThrottledProgressWriter) Write(ctx context.Context, snap *domain.ProgressSnapshot, force bool) bool {
	now := throttleNow()

	w.mu.Lock()
	last, ok := w.lastWrite[snap.JobID]
	if !force && ok && now.Sub(last) < w.interval {
		w.mu.Unlock()
		return false
	}
	w.lastWrite[snap.JobID] = now
	w.mu.Unlock()

	if err := w.repo.SetProgress(ctx, snap); err != nil {
		logger.Log.Warnf(fmt.Sprintf("progress 寫入失敗 jobID[%s]（不中斷轉檔）:", snap.JobID), err)
	}
	return true
}

// Forget 清掉 job 的節流狀態，job 到終態後呼叫
func (w *ThrottledProgressWriter) Forget(jobID string) {
	w.mu.Lock()
	delete(w.lastWrite, jobID)
	w.mu.Unlock()
}
