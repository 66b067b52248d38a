package domain

import "sort"

// Complexity 轉檔複雜度分級
type Complexity string

const (
	//ComplexityLow 單 pass、無 seek 需求
	ComplexityLow Complexity = "low"
	//ComplexityMedium 可能需要較多運算
	ComplexityMedium Complexity = "medium"
	//ComplexityHigh 多 pass 或需要隨機存取的封裝
	ComplexityHigh Complexity = "high"
)

// FormatInfo 單一格式的靜態能力描述
type FormatInfo struct {
	SupportsStreaming   bool       `json:"supports_streaming"`
	RequiresFileAccess  bool       `json:"requires_file_access"`
	EstimatedComplexity Complexity `json:"estimated_complexity"`
	// 檔案大小 heuristic 用的典型位元率（bits per second）
	TypicalBitrate int64 `json:"typical_bitrate"`
}

// CompatibilityResult checkStreamingCompatibility 的結果
type CompatibilityResult struct {
	SupportsStreaming   bool   `json:"supports_streaming"`
	Reason              string `json:"reason,omitempty"`
	FallbackRecommended bool   `json:"fallback_recommended"`
}

// 已知格式表。streaming 欄位描述的是「不需要隨機 seek 就能讀/寫」
var formats = map[string]FormatInfo{
	"mp3":  {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityLow, TypicalBitrate: 128_000},
	"wav":  {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityLow, TypicalBitrate: 1_411_000},
	"aac":  {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityLow, TypicalBitrate: 128_000},
	"ogg":  {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityMedium, TypicalBitrate: 160_000},
	"flac": {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityMedium, TypicalBitrate: 900_000},
	// m4a/mp4/mov 的 moov atom 需要 seek 才能寫出
	"m4a":  {SupportsStreaming: false, RequiresFileAccess: true, EstimatedComplexity: ComplexityMedium, TypicalBitrate: 128_000},
	"mp4":  {SupportsStreaming: false, RequiresFileAccess: true, EstimatedComplexity: ComplexityHigh, TypicalBitrate: 2_500_000},
	"mov":  {SupportsStreaming: false, RequiresFileAccess: true, EstimatedComplexity: ComplexityHigh, TypicalBitrate: 2_500_000},
	"webm": {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityHigh, TypicalBitrate: 2_000_000},
	"mkv":  {SupportsStreaming: true, RequiresFileAccess: false, EstimatedComplexity: ComplexityHigh, TypicalBitrate: 2_500_000},
	"avi":  {SupportsStreaming: false, RequiresFileAccess: true, EstimatedComplexity: ComplexityMedium, TypicalBitrate: 1_500_000},
}

// defaultBitrateFormat 未知格式時採用的最低複雜度格式
const defaultBitrateFormat = "mp3"

// GetFormatCompatibility 查單一格式的能力描述
func GetFormatCompatibility(format string) (FormatInfo, bool) {
	info, ok := formats[format]
	return info, ok
}

// GetSupportedFormats 回傳所有已知格式（排序後）
func GetSupportedFormats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypicalBitrateForFormat 取格式的典型位元率，未知格式退回最低複雜度格式
func TypicalBitrateForFormat(format string) int64 {
	if info, ok := formats[format]; ok && info.TypicalBitrate > 0 {
		return info.TypicalBitrate
	}
	return formats[defaultBitrateFormat].TypicalBitrate
}

// CheckStreamingCompatibility 判斷 input/output 格式組合能否走 pipe-to-pipe
func CheckStreamingCompatibility(inputFormat, outputFormat string) CompatibilityResult {
	in, inOK := formats[inputFormat]
	out, outOK := formats[outputFormat]

	if !inOK || !outOK {
		return CompatibilityResult{
			SupportsStreaming:   false,
			Reason:              "unknown format: " + missingFormat(inputFormat, inOK, outputFormat, outOK),
			FallbackRecommended: true,
		}
	}

	if !in.SupportsStreaming || in.RequiresFileAccess {
		return CompatibilityResult{
			SupportsStreaming:   false,
			Reason:              "input format " + inputFormat + " requires file access",
			FallbackRecommended: true,
		}
	}
	if !out.SupportsStreaming || out.RequiresFileAccess {
		return CompatibilityResult{
			SupportsStreaming:   false,
			Reason:              "output format " + outputFormat + " requires file access",
			FallbackRecommended: true,
		}
	}

	// high complexity 常代表 multi-pass 或 seek 依賴的編碼
	if in.EstimatedComplexity == ComplexityHigh {
		return CompatibilityResult{
			SupportsStreaming:   false,
			Reason:              "input format " + inputFormat + " is high complexity",
			FallbackRecommended: true,
		}
	}
	if out.EstimatedComplexity == ComplexityHigh {
		return CompatibilityResult{
			SupportsStreaming:   false,
			Reason:              "output format " + outputFormat + " is high complexity",
			FallbackRecommended: true,
		}
	}

	return CompatibilityResult{SupportsStreaming: true}
}

func missingFormat(in string, inOK bool, out string, outOK bool) string {
	switch {
	case !inOK && !outOK:
		return in + ", " + out
	case !inOK:
		return in
	default:
		return out
	}
}
