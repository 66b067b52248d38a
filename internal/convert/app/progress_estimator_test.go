package app

import (
	"fmt"
	"testing"
	"time"

	"media_convert_service/internal/convert/domain"

	"github.com/stretchr/testify/assert"
)

func fixedEstimatorClock(t *testing.T, now time.Time) {
	t.Helper()
	estimatorNow = func() time.Time { return now }
	t.Cleanup(func() { estimatorNow = time.Now })
}

// 測試優先序 1：已知總長度
func TestKnownDurationEstimation(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fixedEstimatorClock(t, now)
	e := NewProgressEstimator()

	t.Run("一半進度", func(t *testing.T) {
		info := &domain.ProcessInfo{Duration: 210, StartTime: now.Add(-105 * time.Second)}
		sig := &domain.ParsedSignals{CurrentTime: 105, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.Equal(t, float64(50), snap.Progress)
		assert.Equal(t, "transcoding", snap.Stage)
		assert.Equal(t, "00:01:45.00", snap.CurrentTime)
		assert.Equal(t, "00:03:30.00", snap.TotalDuration)
		// 1x 速度下剩餘時間等於剩餘媒體長度
		assert.InDelta(t, 105, snap.EstimatedTimeRemaining, 0.01)
	})

	t.Run("轉碼中上限 98", func(t *testing.T) {
		info := &domain.ProcessInfo{Duration: 100}
		sig := &domain.ParsedSignals{CurrentTime: 99, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.Equal(t, float64(98), snap.Progress)
		assert.Equal(t, "transcoding", snap.Stage)
	})

	t.Run("超過 99.5% 切到 finalizing", func(t *testing.T) {
		info := &domain.ProcessInfo{Duration: 100}
		sig := &domain.ParsedSignals{CurrentTime: 99.8, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.Equal(t, "finalizing", snap.Stage)
		assert.Equal(t, float64(99), snap.Progress)
	})

	t.Run("超出宣告長度 15% 時重新估算並壓在 95", func(t *testing.T) {
		info := &domain.ProcessInfo{Duration: 100}
		sig := &domain.ParsedSignals{CurrentTime: 115, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.Equal(t, "transcoding (duration re-estimated)", snap.Stage)
		assert.LessOrEqual(t, snap.Progress, 95.0)
		assert.Greater(t, snap.Progress, 0.0)
		// 放大後的長度寫回 info，下一行進度用新值算
		assert.Greater(t, info.Duration, 115.0)
	})

	t.Run("大幅超出時放大得更多", func(t *testing.T) {
		info := &domain.ProcessInfo{Duration: 100}
		sig := &domain.ParsedSignals{CurrentTime: 160, HasCurrent: true}

		e.Calculate(sig, info)
		// overage > 50%：max(current*1.1, duration*1.5)
		assert.InDelta(t, 176, info.Duration, 0.01)
	})
}

// 測試優先序 2：streaming pipeline 用檔案大小推估
func TestFileSizeEstimation(t *testing.T) {
	e := NewProgressEstimator()

	t.Run("5MB mp3 在 30 秒時有合理進度", func(t *testing.T) {
		info := &domain.ProcessInfo{
			IsStreaming:   true,
			InputFormat:   "mp3",
			FileSizeBytes: 5 * 1024 * 1024,
		}
		sig := &domain.ParsedSignals{CurrentTime: 30, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.Equal(t, "transcoding (estimated)", snap.Stage)
		assert.Greater(t, snap.Progress, 0.0)
		assert.LessOrEqual(t, snap.Progress, 95.0)
		// 5MB * 8 / 128kbps = 327.68 秒
		assert.InDelta(t, 327.68, info.EstimatedDuration, 0.01)
	})

	t.Run("file-staged 不用這條路", func(t *testing.T) {
		info := &domain.ProcessInfo{
			IsStreaming:   false,
			InputFormat:   "mp3",
			FileSizeBytes: 5 * 1024 * 1024,
		}
		sig := &domain.ParsedSignals{CurrentTime: 30, HasCurrent: true}

		snap := e.Calculate(sig, info)
		assert.NotEqual(t, "transcoding (estimated)", snap.Stage)
	})
}

// 測試優先序 3：重用前次估算
func TestCachedEstimateEstimation(t *testing.T) {
	e := NewProgressEstimator()

	info := &domain.ProcessInfo{EstimatedDuration: 327.68}
	sig := &domain.ParsedSignals{CurrentTime: 60, HasCurrent: true}

	snap := e.Calculate(sig, info)
	assert.Equal(t, "transcoding (estimated)", snap.Stage)
	assert.InDelta(t, 60/327.68*100, snap.Progress, 0.01)
	assert.LessOrEqual(t, snap.Progress, 95.0)
}

// 測試優先序 4：牆鐘時間
func TestWallClockEstimation(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fixedEstimatorClock(t, now)
	e := NewProgressEstimator()

	t.Run("開始 5 秒內還不啟用", func(t *testing.T) {
		info := &domain.ProcessInfo{StartTime: now.Add(-3 * time.Second)}
		snap := e.Calculate(nil, info)
		assert.Equal(t, float64(0), snap.Progress)
		assert.Equal(t, "processing", snap.Stage)
	})

	t.Run("6 秒後每秒加 10", func(t *testing.T) {
		info := &domain.ProcessInfo{StartTime: now.Add(-6 * time.Second)}
		snap := e.Calculate(nil, info)
		assert.Equal(t, float64(60), snap.Progress)
		assert.Equal(t, "processing (estimating)", snap.Stage)
	})

	t.Run("上限 90", func(t *testing.T) {
		info := &domain.ProcessInfo{StartTime: now.Add(-60 * time.Second)}
		snap := e.Calculate(nil, info)
		assert.Equal(t, float64(90), snap.Progress)
	})
}

// 進度對同一來源單調不減
func TestProgressMonotonic(t *testing.T) {
	e := NewProgressEstimator()
	info := &domain.ProcessInfo{Duration: 210}

	last := -1.0
	for current := 1.0; current <= 209; current += 13 {
		sig := &domain.ParsedSignals{CurrentTime: current, HasCurrent: true}
		snap := e.Calculate(sig, info)
		assert.GreaterOrEqual(t, snap.Progress, last, fmt.Sprintf("current=%v", current))
		assert.GreaterOrEqual(t, snap.Progress, 0.0)
		assert.LessOrEqual(t, snap.Progress, 100.0)
		last = snap.Progress
	}
}

// 模擬一條 210 秒音檔的完整診斷輸出
func TestEndToEndEstimation(t *testing.T) {
	e := NewProgressEstimator()
	info := &domain.ProcessInfo{}

	// transcoder 先宣告總長度
	ParseProgressLine("  Duration: 00:03:30.00, start: 0.000000, bitrate: 128 kb/s", info)
	assert.Equal(t, float64(210), info.Duration)

	lines := []string{
		"size=     128kB time=00:00:30.00 bitrate= 104.9kbits/s speed=25.0x",
		"size=     512kB time=00:01:45.00 bitrate= 104.9kbits/s speed=25.0x",
		"size=     900kB time=00:03:29.80 bitrate= 104.9kbits/s speed=25.0x",
	}
	var snaps []domain.ProgressSnapshot
	for _, line := range lines {
		sig := ParseProgressLine(line, info)
		if sig != nil && sig.HasCurrent {
			snaps = append(snaps, e.Calculate(sig, info))
		}
	}

	assert.Len(t, snaps, 3)
	assert.InDelta(t, 14.29, snaps[0].Progress, 0.01)
	assert.Equal(t, float64(50), snaps[1].Progress)
	// 最後一筆進入 finalizing，100 留給完成時寫入
	assert.Equal(t, "finalizing", snaps[2].Stage)
	assert.Equal(t, float64(99), snaps[2].Progress)
}

// 測試 ETA 哨兵
func TestUnknownETA(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fixedEstimatorClock(t, now)
	e := NewProgressEstimator()

	// 牆鐘時間已超過總長度兩倍，估不出剩餘時間
	info := &domain.ProcessInfo{Duration: 210, StartTime: now.Add(-500 * time.Second)}
	sig := &domain.ParsedSignals{CurrentTime: 105, HasCurrent: true}

	snap := e.Calculate(sig, info)
	assert.Equal(t, float64(domain.UnknownETA), snap.EstimatedTimeRemaining)
}

// 測試 clampProgress
func TestClampProgress(t *testing.T) {
	assert.Equal(t, float64(0), clampProgress(-3))
	assert.Equal(t, float64(100), clampProgress(150))
	assert.Equal(t, 42.35, clampProgress(42.345))
}
