package app

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// 測試 checkTimeouts
func TestCheckTimeouts(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	totalTimeout := 300 * time.Second
	stallTimeout := 60 * time.Second

	t.Run("未逾時", func(t *testing.T) {
		info := &domain.ProcessInfo{
			StartTime:        now.Add(-100 * time.Second),
			LastProgressTime: now.Add(-10 * time.Second),
		}
		reason, expired := checkTimeouts(info, now, totalTimeout, stallTimeout)
		assert.False(t, expired)
		assert.Empty(t, reason)
	})

	t.Run("絕對逾時", func(t *testing.T) {
		info := &domain.ProcessInfo{
			StartTime:        now.Add(-301 * time.Second),
			LastProgressTime: now.Add(-1 * time.Second),
		}
		reason, expired := checkTimeouts(info, now, totalTimeout, stallTimeout)
		assert.True(t, expired)
		assert.Contains(t, reason, "total time exceeded")
	})

	t.Run("stall 逾時", func(t *testing.T) {
		info := &domain.ProcessInfo{
			StartTime:        now.Add(-100 * time.Second),
			LastProgressTime: now.Add(-61 * time.Second),
		}
		reason, expired := checkTimeouts(info, now, totalTimeout, stallTimeout)
		assert.True(t, expired)
		assert.Contains(t, reason, "no progress for 60 seconds")
	})

	t.Run("剛好在界線上不算逾時", func(t *testing.T) {
		info := &domain.ProcessInfo{
			StartTime:        now.Add(-totalTimeout),
			LastProgressTime: now.Add(-stallTimeout),
		}
		_, expired := checkTimeouts(info, now, totalTimeout, stallTimeout)
		assert.False(t, expired)
	})

	t.Run("兩個都逾時報絕對逾時", func(t *testing.T) {
		info := &domain.ProcessInfo{
			StartTime:        now.Add(-400 * time.Second),
			LastProgressTime: now.Add(-400 * time.Second),
		}
		reason, expired := checkTimeouts(info, now, totalTimeout, stallTimeout)
		assert.True(t, expired)
		assert.Contains(t, reason, "total time exceeded")
	})
}

// 測試 transcoder 參數組裝
func TestBuildTranscoderArgs(t *testing.T) {
	t.Run("streaming 參數", func(t *testing.T) {
		args := buildStreamArgs("mp3", "wav", "medium")
		assert.Equal(t, []string{"-f", "mp3", "-i", "pipe:0", "-b:a", "128k", "-f", "wav", "pipe:1"}, args)
	})

	t.Run("file-staged 參數", func(t *testing.T) {
		args := buildFileArgs("/tmp/in.mp3", "/tmp/out.wav", "")
		assert.Equal(t, []string{"-y", "-i", "/tmp/in.mp3", "/tmp/out.wav"}, args)
	})

	t.Run("quality 對應位元率", func(t *testing.T) {
		assert.Equal(t, []string{"-b:a", "256k"}, qualityArgs("high"))
		assert.Equal(t, []string{"-b:a", "64k"}, qualityArgs("low"))
		assert.Nil(t, qualityArgs(""))
	})
}

// 測試 muxer 名稱映射
func TestMuxerFor(t *testing.T) {
	assert.Equal(t, "adts", muxerFor("aac"))
	assert.Equal(t, "matroska", muxerFor("mkv"))
	assert.Equal(t, "ipod", muxerFor("m4a"))
	assert.Equal(t, "mp3", muxerFor("mp3"))
}

// 測試 formatFromKey 與 outputKey
func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "mp3", formatFromKey("uploads/abc-song.MP3"))
	assert.Equal(t, "wav", formatFromKey("a/b/c.wav"))
	assert.Equal(t, "", formatFromKey("no-extension"))
	assert.Equal(t, "converted/job-1.wav", outputKey("job-1", "wav"))
}

// 測試 scanCRLines：ffmpeg 進度行以 \r 結尾
func TestScanCRLines(t *testing.T) {
	input := "Duration: 00:03:30.00\ntime=00:00:10.00\rtime=00:00:20.00\rdone\n"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanCRLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{
		"Duration: 00:03:30.00",
		"time=00:00:10.00",
		"time=00:00:20.00",
		"done",
	}, lines)
}

// streamed 轉檔失敗時退一次 file-staged，兩邊都失敗才標記 failed
func TestConvertFallbackToStaged(t *testing.T) {
	ctx := context.Background()

	transcoderPath = "/nonexistent/transcoder"
	t.Cleanup(func() { transcoderPath = "ffmpeg" })

	mockRepo := new(MockJobRepository)
	mockStorage := new(MockMinIOClient)

	job := &domain.Job{
		JobID:         "job-f",
		Status:        domain.JobCreated,
		InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
		Format:        "wav",
		TTL:           time.Now().Add(time.Hour).Unix(),
	}
	mockRepo.On("GetJob", ctx, "job-f").Return(job, nil)
	mockRepo.On("UpdateJob", ctx, mock.MatchedBy(func(j *domain.Job) bool {
		return j.Status == domain.JobProcessing
	})).Return(nil).Once()
	mockRepo.On("UpdateJob", ctx, mock.MatchedBy(func(j *domain.Job) bool {
		return j.Status == domain.JobFailed && j.Error != ""
	})).Return(nil).Once()
	mockRepo.On("SetProgress", ctx, mock.Anything).Return(nil)

	mockStorage.On("StatObjectSize", ctx, "uploads/a.mp3").Return(int64(1000), nil)
	mockStorage.On("GetObject", mock.Anything, "uploads/a.mp3").
		Return(io.NopCloser(strings.NewReader("data")), int64(1000), nil)

	cfg := config.JobConfig{}
	cfg.Defaults()
	orch := NewOrchestrator(mockStorage, mockRepo, cfg)

	err := orch.Convert(ctx, &domain.ConversionJobMessage{
		JobID:         "job-f",
		InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
		Format:        "wav",
	})

	assert.Error(t, err)
	// 第二次 GetObject 是 file-staged 的下載，代表確實退過去再試一次
	mockStorage.AssertNumberOfCalls(t, "GetObject", 2)
	mockRepo.AssertExpectations(t)
}

// writeFakeTranscoder 產生一個假 transcoder 腳本並替換 transcoderPath
func writeFakeTranscoder(t *testing.T, script string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcoder.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	transcoderPath = path
	t.Cleanup(func() { transcoderPath = "ffmpeg" })
}

// 取消進行中的 streamed job：直接標 failed，不走 file-staged 重試
func TestConvertCanceledNoFallback(t *testing.T) {
	ctx := context.Background()
	// exec 讓 SIGTERM 直接打到持有 stdout 的 process
	writeFakeTranscoder(t, "#!/bin/sh\nexec sleep 30\n")

	mockRepo := new(MockJobRepository)
	mockStorage := new(MockMinIOClient)

	job := &domain.Job{
		JobID:         "job-c",
		Status:        domain.JobCreated,
		InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
		Format:        "wav",
		TTL:           time.Now().Add(time.Hour).Unix(),
	}
	mockRepo.On("GetJob", ctx, "job-c").Return(job, nil)
	mockRepo.On("UpdateJob", ctx, mock.MatchedBy(func(j *domain.Job) bool {
		return j.Status == domain.JobProcessing
	})).Return(nil).Once()
	mockRepo.On("UpdateJob", ctx, mock.MatchedBy(func(j *domain.Job) bool {
		return j.Status == domain.JobFailed && j.Error == "canceled by user"
	})).Return(nil).Once()
	mockRepo.On("SetProgress", ctx, mock.Anything).Return(nil)

	mockStorage.On("StatObjectSize", ctx, "uploads/a.mp3").Return(int64(1000), nil)
	mockStorage.On("GetObject", mock.Anything, "uploads/a.mp3").
		Return(io.NopCloser(strings.NewReader("data")), int64(1000), nil)
	// streamed 上傳會 block 在讀 stdout，process 收掉後 pipe 關閉才返回
	mockStorage.On("PutObject", mock.Anything, "converted/job-c.wav", mock.Anything, int64(-1), mock.Anything).
		Run(func(args mock.Arguments) {
			io.Copy(io.Discard, args.Get(2).(io.Reader))
		}).Return(int64(0), nil)

	cfg := config.JobConfig{KillGracePeriod: time.Second}
	cfg.Defaults()
	orch := NewOrchestrator(mockStorage, mockRepo, cfg)

	done := make(chan error, 1)
	go func() {
		done <- orch.Convert(ctx, &domain.ConversionJobMessage{
			JobID:         "job-c",
			InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
			Format:        "wav",
		})
	}()

	assert.Eventually(t, func() bool { return orch.Running("job-c") }, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, orch.Cancel("job-c"))

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "canceled by user")
	case <-time.After(10 * time.Second):
		t.Fatal("Convert 沒有在取消後返回")
	}

	// 只有 streamed 那次下載，沒有 file-staged 的第二次
	mockStorage.AssertNumberOfCalls(t, "GetObject", 1)
	mockRepo.AssertExpectations(t)
}

// transcoder 完全沒吐進度訊號時，watchdog 用牆鐘策略墊底寫進度
func TestWallClockProgressWritten(t *testing.T) {
	ctx := context.Background()
	writeFakeTranscoder(t, "#!/bin/sh\nexec sleep 8\n")

	mockRepo := new(MockJobRepository)
	mockStorage := new(MockMinIOClient)

	job := &domain.Job{
		JobID:         "job-w",
		Status:        domain.JobCreated,
		InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
		Format:        "wav",
		TTL:           time.Now().Add(time.Hour).Unix(),
	}
	mockRepo.On("GetJob", ctx, "job-w").Return(job, nil)
	mockRepo.On("UpdateJob", ctx, mock.Anything).Return(nil)

	var mu sync.Mutex
	var stages []string
	mockRepo.On("SetProgress", ctx, mock.Anything).
		Run(func(args mock.Arguments) {
			snap := args.Get(1).(*domain.ProgressSnapshot)
			mu.Lock()
			stages = append(stages, snap.Stage)
			mu.Unlock()
		}).Return(nil)

	mockStorage.On("StatObjectSize", ctx, "uploads/a.mp3").Return(int64(1000), nil)
	mockStorage.On("GetObject", mock.Anything, "uploads/a.mp3").
		Return(io.NopCloser(strings.NewReader("data")), int64(1000), nil)
	mockStorage.On("PutObject", mock.Anything, "converted/job-w.wav", mock.Anything, int64(-1), mock.Anything).
		Run(func(args mock.Arguments) {
			io.Copy(io.Discard, args.Get(2).(io.Reader))
		}).Return(int64(0), nil)
	mockStorage.On("PresignGetURL", ctx, "converted/job-w.wav", mock.Anything).Return("http://x", nil)

	cfg := config.JobConfig{}
	cfg.Defaults()
	orch := NewOrchestrator(mockStorage, mockRepo, cfg)

	err := orch.Convert(ctx, &domain.ConversionJobMessage{
		JobID:         "job-w",
		InputLocation: domain.StorageLocation{Key: "uploads/a.mp3"},
		Format:        "wav",
	})
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, stages, "processing (estimating)")
}

// 測試 contentTypeFor
func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", contentTypeFor("mp3"))
	assert.Equal(t, "video/webm", contentTypeFor("webm"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("unknown"))
}
