package domain

import (
	"io"
	"time"
)

const (
	//QueueName definition queue name
	QueueName = "convert"
)

// JobStatus definition job status
type JobStatus string

const (
	//JobCreated job 已建立尚未開始
	JobCreated JobStatus = "created"
	//JobProcessing job 處理中
	JobProcessing JobStatus = "processing"
	//JobCompleted job 已完成
	JobCompleted JobStatus = "completed"
	//JobFailed job 失敗
	JobFailed JobStatus = "failed"
)

// FailedProgress 失敗時的 progress 哨兵值
const FailedProgress = -1

// UnknownETA 無法估計剩餘時間時的哨兵值
const UnknownETA = -1

// StorageLocation 物件儲存座標
type StorageLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size,omitempty"`
}

// Job 一筆轉檔請求的持久化記錄
type Job struct {
	JobID          string           `json:"job_id"`
	Status         JobStatus        `json:"status"`
	InputLocation  StorageLocation  `json:"input_location"`
	OutputLocation *StorageLocation `json:"output_location,omitempty"` // 僅 completed 時存在
	Format         string           `json:"format"`
	Quality        string           `json:"quality"`
	DownloadURL    string           `json:"download_url,omitempty"`
	FallbackUsed   bool             `json:"fallback_used,omitempty"`
	Error          string           `json:"error,omitempty"` // 僅 failed 時存在
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	TTL            int64            `json:"ttl"` // 過期 epoch 秒
}

// ProgressSnapshot 一筆 job 最近一次的進度快照
type ProgressSnapshot struct {
	JobID                  string  `json:"job_id"`
	Progress               float64 `json:"progress"` // 0~100，失敗為 -1
	Stage                  string  `json:"stage"`
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining,omitempty"` // 秒，-1 表示未知
	CurrentTime            string  `json:"current_time,omitempty"`             // HH:MM:SS.cc
	TotalDuration          string  `json:"total_duration,omitempty"`           // HH:MM:SS.cc
	Error                  string  `json:"error,omitempty"`
	UpdatedAt              int64   `json:"updated_at"`
	TTL                    int64   `json:"ttl"`
}

// ProcessInfo 綁定單一 transcoder process 的 in-memory 狀態，不持久化
type ProcessInfo struct {
	PID              int
	StartTime        time.Time
	LastProgressTime time.Time
	IsStreaming      bool
	InputFormat      string
	OutputFormat     string
	// 從診斷輸出解析到的真實總長度（秒），0 表示還沒出現
	Duration float64
	// 由 heuristic 估出的總長度（秒），會隨真實資訊修正
	EstimatedDuration float64
	FileSizeBytes     int64
}

// ParsedSignals 從單行診斷文字解析出的結構化訊號
type ParsedSignals struct {
	// 發現的總長度宣告（秒），0 表示這行不是 duration 行
	TotalDuration float64
	// 目前已處理的媒體時間（秒）
	CurrentTime float64
	HasCurrent  bool
	// 選配欄位
	BitrateKbps float64
	Speed       float64
	OutputKB    float64
	FPS         float64
}

// ConversionJobMessage 佇列上的轉檔工作訊息
type ConversionJobMessage struct {
	JobID         string          `json:"job_id"`
	InputLocation StorageLocation `json:"input_location"`
	Format        string          `json:"format"`
	Quality       string          `json:"quality"`
}

// ConversionResult 一次成功轉檔的結果
type ConversionResult struct {
	OutputLocation StorageLocation
	FallbackUsed   bool
}

// SubmitConversionReq usecase 轉檔請求
type SubmitConversionReq struct {
	InputLocation StorageLocation `json:"input_location"`
	Format        string          `json:"format"`
	Quality       string          `json:"quality"`
}

// SubmitConversionRes usecase 轉檔回應
type SubmitConversionRes struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobEvent 發佈到 kafka 的 job 終態事件
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
	FallbackUsed bool      `json:"fallback_used,omitempty"`
	OccurredAt   int64     `json:"occurred_at"`
}

// UploadInput 上傳來源（讓 handler 把 multipart stream 傳進 usecase）
type UploadInput struct {
	FileName string
	File     io.Reader
	Size     int64
}
