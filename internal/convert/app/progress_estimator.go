package app

import (
	"math"
	"time"

	"media_convert_service/internal/convert/domain"
)

// 進度上限：一般轉碼 98%、估算型策略 95%，保留尾端給 finalizing / 上傳
const (
	transcodeCap   = 98.0
	estimateCap    = 95.0
	finalizeRatio  = 0.995
	overageRatio   = 0.10
	wallClockDelay = 5 * time.Second
)

// 測試可替換的時鐘
var estimatorNow = time.Now

// estimationStrategy 單一估算策略，無法判斷時回傳 nil
type estimationStrategy func(sig *domain.ParsedSignals, info *domain.ProcessInfo, now time.Time) *domain.ProgressSnapshot

// ProgressEstimator 依優先序嘗試各策略，取第一個有結果的
type ProgressEstimator struct {
	strategies []estimationStrategy
}

// NewProgressEstimator create a ProgressEstimator
func NewProgressEstimator() *ProgressEstimator {
	return &ProgressEstimator{
		strategies: []estimationStrategy{
			knownDurationStrategy,
			fileSizeStrategy,
			cachedEstimateStrategy,
			wallClockStrategy,
		},
	}
}

// Calculate 依序套用策略算出進度快照。完全沒有訊號時回傳 0/"processing"。
func (e *ProgressEstimator) Calculate(sig *domain.ParsedSignals, info *domain.ProcessInfo) domain.ProgressSnapshot {
	now := estimatorNow()

	for _, strategy := range e.strategies {
		if snap := strategy(sig, info, now); snap != nil {
			snap.Progress = clampProgress(snap.Progress)
			return *snap
		}
	}

	return domain.ProgressSnapshot{Progress: 0, Stage: "processing"}
}

// knownDurationStrategy 優先序 1：真實解析到的總長度 + 目前時間
func knownDurationStrategy(sig *domain.ParsedSignals, info *domain.ProcessInfo, now time.Time) *domain.ProgressSnapshot {
	if sig == nil || !sig.HasCurrent || info.Duration <= 0 {
		return nil
	}

	duration := info.Duration
	current := sig.CurrentTime
	overage := (current - duration) / duration

	if overage > overageRatio {
		// 總長度估錯了：按超出幅度放大，進度壓在 95 並換 stage 說明
		var newDuration float64
		if overage > 0.5 {
			newDuration = math.Max(current*1.1, duration*1.5)
		} else {
			newDuration = math.Max(current*1.05, duration*1.2)
		}
		info.Duration = newDuration

		snap := &domain.ProgressSnapshot{
			Progress:      math.Min(current/newDuration*100, estimateCap),
			Stage:         "transcoding (duration re-estimated)",
			CurrentTime:   FormatTime(current),
			TotalDuration: FormatTime(newDuration),
		}
		fillETA(snap, current, newDuration, info, now)
		return snap
	}

	ratio := current / duration
	snap := &domain.ProgressSnapshot{
		CurrentTime:   FormatTime(current),
		TotalDuration: FormatTime(duration),
	}
	if ratio > finalizeRatio {
		// 尾端保留給 finalizing，避免在 100% 掛著等 process 收尾
		snap.Stage = "finalizing"
		snap.Progress = math.Min(ratio*100, 99)
	} else {
		snap.Stage = "transcoding"
		snap.Progress = math.Min(ratio*100, transcodeCap)
	}
	fillETA(snap, current, duration, info, now)
	return snap
}

// fileSizeStrategy 優先序 2：streaming pipeline 用檔案大小推估總長度
func fileSizeStrategy(sig *domain.ParsedSignals, info *domain.ProcessInfo, now time.Time) *domain.ProgressSnapshot {
	if sig == nil || !sig.HasCurrent || !info.IsStreaming || info.FileSizeBytes <= 0 || info.EstimatedDuration > 0 {
		return nil
	}

	bitrate := domain.TypicalBitrateForFormat(info.InputFormat)
	estimated := float64(info.FileSizeBytes*8) / float64(bitrate)
	if estimated <= 0 {
		return nil
	}
	// 存回去給後續呼叫（優先序 3）重用
	info.EstimatedDuration = estimated

	snap := &domain.ProgressSnapshot{
		Progress:      math.Min(sig.CurrentTime/estimated*100, estimateCap),
		Stage:         "transcoding (estimated)",
		CurrentTime:   FormatTime(sig.CurrentTime),
		TotalDuration: FormatTime(estimated),
	}
	fillETA(snap, sig.CurrentTime, estimated, info, now)
	return snap
}

// cachedEstimateStrategy 優先序 3：重用前次呼叫存下的估算長度
func cachedEstimateStrategy(sig *domain.ParsedSignals, info *domain.ProcessInfo, now time.Time) *domain.ProgressSnapshot {
	if sig == nil || !sig.HasCurrent || info.EstimatedDuration <= 0 {
		return nil
	}

	estimated := info.EstimatedDuration
	snap := &domain.ProgressSnapshot{
		Progress:      math.Min(sig.CurrentTime/estimated*100, estimateCap),
		Stage:         "transcoding (estimated)",
		CurrentTime:   FormatTime(sig.CurrentTime),
		TotalDuration: FormatTime(estimated),
	}
	fillETA(snap, sig.CurrentTime, estimated, info, now)
	return snap
}

// wallClockStrategy 優先序 4：完全沒訊號，開始 5 秒後用牆鐘時間保守遞增
func wallClockStrategy(_ *domain.ParsedSignals, info *domain.ProcessInfo, now time.Time) *domain.ProgressSnapshot {
	if info.StartTime.IsZero() {
		return nil
	}
	elapsed := now.Sub(info.StartTime)
	if elapsed < wallClockDelay {
		return nil
	}

	return &domain.ProgressSnapshot{
		Progress: math.Min(elapsed.Seconds()*10, 90),
		Stage:    "processing (estimating)",
	}
}

// fillETA 填上剩餘時間估計；跑太久（超過兩倍總長度）給 unknown 哨兵
func fillETA(snap *domain.ProgressSnapshot, current, duration float64, info *domain.ProcessInfo, now time.Time) {
	if info.StartTime.IsZero() || current <= 0 {
		return
	}
	elapsedWall := now.Sub(info.StartTime).Seconds()
	if elapsedWall <= 0 {
		return
	}
	if elapsedWall > 2*duration {
		snap.EstimatedTimeRemaining = domain.UnknownETA
		return
	}

	rate := current / elapsedWall
	remaining := (duration - current) / rate
	if remaining < 0 {
		remaining = 0
	}
	snap.EstimatedTimeRemaining = math.Round(remaining*100) / 100
}

// clampProgress 進度固定在 [0,100]，四捨五入到小數兩位
func clampProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return math.Round(p*100) / 100
}
