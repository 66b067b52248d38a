package app

import (
	"os"
	"testing"

	"media_convert_service/internal/convert/domain"
	"media_convert_service/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetNewNop()
	os.Exit(m.Run())
}

// 測試 ParseProgressLine
func TestParseProgressLine(t *testing.T) {
	t.Run("解析 Duration 行並記進 info", func(t *testing.T) {
		info := &domain.ProcessInfo{}
		sig := ParseProgressLine("  Duration: 00:03:30.00, start: 0.000000, bitrate: 128 kb/s", info)

		require.NotNil(t, sig)
		assert.Equal(t, float64(210), sig.TotalDuration)
		assert.False(t, sig.HasCurrent)
		assert.Equal(t, float64(210), info.Duration)
	})

	t.Run("解析 time= 進度行與選配欄位", func(t *testing.T) {
		info := &domain.ProcessInfo{}
		sig := ParseProgressLine("size=     512kB time=00:01:45.32 bitrate=  39.9kbits/s speed=25.3x", info)

		require.NotNil(t, sig)
		assert.True(t, sig.HasCurrent)
		assert.InDelta(t, 105.32, sig.CurrentTime, 0.001)
		assert.InDelta(t, 39.9, sig.BitrateKbps, 0.001)
		assert.InDelta(t, 25.3, sig.Speed, 0.001)
		assert.InDelta(t, 512, sig.OutputKB, 0.001)
		// time= 行不會動 info.Duration
		assert.Equal(t, float64(0), info.Duration)
	})

	t.Run("雜訊行回 nil", func(t *testing.T) {
		info := &domain.ProcessInfo{}
		assert.Nil(t, ParseProgressLine("Stream #0:0: Audio: mp3, 44100 Hz, stereo", info))
		assert.Nil(t, ParseProgressLine("", info))
		assert.Nil(t, ParseProgressLine("   ", info))
	})

	t.Run("錯誤字樣只記 log 不中斷解析", func(t *testing.T) {
		info := &domain.ProcessInfo{}
		// 這行帶 error 字樣但沒有進度訊號
		assert.Nil(t, ParseProgressLine("[mp3 @ 0x55] Header missing, error concealment applied", info))
		// 同一條 stream 後續的進度行照常解析
		sig := ParseProgressLine("size=     128kB time=00:00:10.00 bitrate= 104.9kbits/s speed=10.1x", info)
		require.NotNil(t, sig)
		assert.True(t, sig.HasCurrent)
	})
}

// 測試 ParseTimeString 與 FormatTime 互為反函數
func TestTimeStringRoundTrip(t *testing.T) {
	cases := []string{
		"00:00:00.00",
		"00:00:00.01",
		"00:03:30.00",
		"01:02:03.45",
		"10:59:59.99",
		"99:00:30.50",
	}
	for _, s := range cases {
		secs, err := ParseTimeString(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, FormatTime(secs), "round trip: %s", s)
	}
}

// 測試 ParseTimeString 的非法輸入
func TestParseTimeStringInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1:2:3.4", "00:03:30", "00:60:00.00x"} {
		_, err := ParseTimeString(s)
		assert.Error(t, err, s)
	}
}

// 測試 FormatTime
func TestFormatTime(t *testing.T) {
	assert.Equal(t, "00:00:00.00", FormatTime(0))
	assert.Equal(t, "00:00:00.00", FormatTime(-5))
	assert.Equal(t, "00:03:30.00", FormatTime(210))
	assert.Equal(t, "01:00:00.50", FormatTime(3600.5))
	// 取到 centisecond，四捨五入
	assert.Equal(t, "00:00:01.24", FormatTime(1.2449))
}
