package config

import "time"

// Convert definition convert_service YAML structure
type Convert struct {
	Port string `mapstructure:"port"`
	IP   string `mapstructure:"ip"`

	MinIO    MinIOConfig  `mapstructure:"minio"`
	Redis    RedisConfig  `mapstructure:"redis"`
	RabbitMQ RabbitConfig `mapstructure:"rabbitmq"`
	KafKa    KafkaConfig  `mapstructure:"kafka"`
	Job      JobConfig    `mapstructure:"job"`
}

// MinIOConfig definition minio setting
type MinIOConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	BucketName    string `mapstructure:"bucket_name"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// RabbitConfig definition rabbitmq setting
type RabbitConfig struct {
	IP            string `mapstructure:"ip"`
	Port          string `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// JobConfig 轉檔工作的可調參數，對應經驗值預設（見 DESIGN.md）
type JobConfig struct {
	// streaming 與 file-staged 策略的檔案大小分界（bytes）
	StreamingCutoffBytes int64 `mapstructure:"streaming_cutoff_bytes"`
	// 單一 job 的絕對牆鐘逾時
	TotalTimeout time.Duration `mapstructure:"total_timeout"`
	// 多久沒有新 progress 視為 stall
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// SIGTERM 之後多久升級 SIGKILL
	KillGracePeriod time.Duration `mapstructure:"kill_grace_period"`
	// 下載階段逾時（依檔案大小再放大）
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// progress 寫入節流間隔
	ProgressThrottle time.Duration `mapstructure:"progress_throttle"`
	// job / progress 記錄的 TTL
	JobTTL      time.Duration `mapstructure:"job_ttl"`
	ProgressTTL time.Duration `mapstructure:"progress_ttl"`
	// 過期記錄清理掃描間隔
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// store 操作重試
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	RetryCount     int           `mapstructure:"retry_count"`
}

// Defaults 補上未設定的工作參數預設值
func (j *JobConfig) Defaults() {
	if j.StreamingCutoffBytes == 0 {
		j.StreamingCutoffBytes = 100 * 1024 * 1024
	}
	if j.TotalTimeout == 0 {
		j.TotalTimeout = 300 * time.Second
	}
	if j.StallTimeout == 0 {
		j.StallTimeout = 60 * time.Second
	}
	if j.KillGracePeriod == 0 {
		j.KillGracePeriod = 20 * time.Second
	}
	if j.DownloadTimeout == 0 {
		j.DownloadTimeout = 60 * time.Second
	}
	if j.ProgressThrottle == 0 {
		j.ProgressThrottle = 1500 * time.Millisecond
	}
	if j.JobTTL == 0 {
		j.JobTTL = 24 * time.Hour
	}
	if j.ProgressTTL == 0 {
		j.ProgressTTL = time.Hour
	}
	if j.SweepInterval == 0 {
		j.SweepInterval = 10 * time.Minute
	}
	if j.RetryBaseDelay == 0 {
		j.RetryBaseDelay = 500 * time.Millisecond
	}
	if j.RetryMaxDelay == 0 {
		j.RetryMaxDelay = 5 * time.Second
	}
	if j.RetryCount == 0 {
		j.RetryCount = 3
	}
}
