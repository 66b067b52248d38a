package app

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/pkg/logger"
)

// transcoder 診斷輸出的 pattern，例：
//
//	Duration: 00:03:30.00, start: 0.000000, bitrate: 128 kb/s
//	size=     512kB time=00:01:45.32 bitrate= 39.9kbits/s speed=25.3x
var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2})\.(\d+)`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})\.(\d+)`)
	bitrateRe  = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	speedRe    = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	sizeRe     = regexp.MustCompile(`size=\s*(\d+)\s*[kK]B`)
	fpsRe      = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeStrRe  = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})\.(\d{2})$`)
)

// ParseProgressLine 解析單行診斷文字。認不出任何訊號時回傳 nil。
// 唯一的寫入副作用：把解析到的真實總長度記進 info.Duration。
func ParseProgressLine(line string, info *domain.ProcessInfo) *domain.ParsedSignals {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// 錯誤字樣只記 warning，不中斷解析；成敗以 process exit code 為準
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		logger.Log.Warn("transcoder 診斷輸出帶有錯誤字樣: " + line)
	}

	if m := durationRe.FindStringSubmatch(line); m != nil {
		secs := timeComponents(m)
		if secs > 0 {
			info.Duration = secs
		}
		return &domain.ParsedSignals{TotalDuration: secs}
	}

	if m := timeRe.FindStringSubmatch(line); m != nil {
		sig := &domain.ParsedSignals{
			CurrentTime: timeComponents(m),
			HasCurrent:  true,
		}
		if b := bitrateRe.FindStringSubmatch(line); b != nil {
			sig.BitrateKbps, _ = strconv.ParseFloat(b[1], 64)
		}
		if s := speedRe.FindStringSubmatch(line); s != nil {
			sig.Speed, _ = strconv.ParseFloat(s[1], 64)
		}
		if s := sizeRe.FindStringSubmatch(line); s != nil {
			sig.OutputKB, _ = strconv.ParseFloat(s[1], 64)
		}
		if f := fpsRe.FindStringSubmatch(line); f != nil {
			sig.FPS, _ = strconv.ParseFloat(f[1], 64)
		}
		return sig
	}

	return nil
}

// timeComponents 把 regex 的 (h, m, s, 小數) 子匹配換算成秒
func timeComponents(m []string) float64 {
	hours, _ := strconv.ParseFloat(m[1], 64)
	minutes, _ := strconv.ParseFloat(m[2], 64)
	seconds, _ := strconv.ParseFloat(m[3], 64)
	frac, _ := strconv.ParseFloat(m[4], 64)
	frac /= math.Pow10(len(m[4]))

	return hours*3600 + minutes*60 + seconds + frac
}

// ParseTimeString 解析 "HH:MM:SS.cc" 成秒數
func ParseTimeString(s string) (float64, error) {
	m := timeStrRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	return timeComponents(m), nil
}

// FormatTime 秒數格式化回 "HH:MM:SS.cc"（zero-padded）
func FormatTime(secs float64) string {
	if secs < 0 {
		secs = 0
	}
	// 先換算成 centiseconds 避免小數累積誤差
	total := int64(math.Round(secs * 100))
	h := total / 360000
	m := (total % 360000) / 6000
	s := (total % 6000) / 100
	cc := total % 100
	return fmt.Sprintf("%02d:%02d:%02d.%02d", h, m, s, cc)
}
