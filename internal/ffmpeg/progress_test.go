package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"frame=  100 fps=25 time=00:01:30.00 bitrate=1000kbits/s", 90, true},
		{"size=1kB time=01:00:00.50 bitrate=N/A", 3600.5, true},
		{"time=00:00:05 speed=1x", 5, true},
		{"time=N/A bitrate=N/A", 0, false},
		{"Input #0, mov,mp4", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseElapsed(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestTranscodePercent(t *testing.T) {
	assert.Equal(t, 50, TranscodePercent(90, 180, 30))
	assert.Equal(t, 0, TranscodePercent(0, 180, 30))
	assert.Equal(t, 99, TranscodePercent(180, 180, 30), "capped below completion")
	assert.Equal(t, 99, TranscodePercent(500, 180, 30))

	// Unknown duration approaches but never reaches 99.
	assert.Equal(t, 49, TranscodePercent(30, 0, 30))
	assert.Less(t, TranscodePercent(10_000, 0, 30), 100)
	assert.Equal(t, 0, TranscodePercent(10, 0, 0))
}

func TestDownloadPercent(t *testing.T) {
	assert.Equal(t, 0, DownloadPercent(0, 100))
	assert.Equal(t, 25, DownloadPercent(50, 100))
	assert.Equal(t, 50, DownloadPercent(100, 100))
	assert.Equal(t, 50, DownloadPercent(200, 100))

	assert.Equal(t, 3, DownloadPercent(3_500_000, 0))
	assert.Equal(t, 50, DownloadPercent(80_000_000, -1))
}

func TestDualPhasePercent(t *testing.T) {
	assert.Equal(t, 50, DualPhasePercent(0, 180, 30))
	assert.Equal(t, 75, DualPhasePercent(90, 180, 30))
	assert.Equal(t, 99, DualPhasePercent(180, 180, 30))
	assert.Equal(t, 99, DualPhasePercent(999, 180, 30))

	unknown := DualPhasePercent(30, 0, 30)
	assert.GreaterOrEqual(t, unknown, 50)
	assert.LessOrEqual(t, unknown, 99)
}

func TestScanStderr(t *testing.T) {
	input := "Input #0\nframe=1 time=00:00:01.00\rframe=2 time=00:00:02.50\r\nError: bad\n"

	var lines []string
	var elapsed []float64
	err := ScanStderr(strings.NewReader(input), func(line string, e float64, ok bool) {
		lines = append(lines, line)
		if ok {
			elapsed = append(elapsed, e)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Input #0", "frame=1 time=00:00:01.00", "frame=2 time=00:00:02.50", "Error: bad"}, lines)
	assert.Equal(t, []float64{1, 2.5}, elapsed)
}

func TestTailBuffer(t *testing.T) {
	tb := NewTailBuffer(32)
	for i := 0; i < 10; i++ {
		tb.WriteLine("line of text")
	}

	assert.LessOrEqual(t, tb.Len(), 32)
	assert.True(t, strings.HasPrefix(tb.String(), "line of text"), "trimmed to a line boundary")
	assert.False(t, strings.HasSuffix(tb.String(), "\n"))
}

func TestTailBuffer_KeepsSmallContent(t *testing.T) {
	tb := NewTailBuffer(1024)
	tb.WriteLine("first")
	tb.WriteLine("second")
	assert.Equal(t, "first\nsecond", tb.String())
}
