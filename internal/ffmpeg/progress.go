package ffmpeg

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"regexp"
	"strconv"
	"sync"
)

// Progress phase bounds.
const (
	maxTranscodePercent = 99
	downloadPhaseMax    = 50
	transcodePhaseSpan  = 49
	bytesPerPercent     = 1_000_000
)

var timeRe = regexp.MustCompile(`time=\s*(\d+):(\d{1,2}):(\d{1,2}(?:\.\d+)?)`)

// ParseElapsed extracts the time=HH:MM:SS.ff position from an ffmpeg status line.
func ParseElapsed(line string) (float64, bool) {
	m := timeRe.FindStringSubmatch(line)
	if len(m) < 4 {
		return 0, false
	}
	hours, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return hours*3600 + mins*60 + secs, true
}

// LineFunc receives each stderr line and, when present, its elapsed position.
type LineFunc func(line string, elapsed float64, hasElapsed bool)

// ScanStderr splits r on carriage returns and newlines and calls fn per
// non-empty line. It always drains r to EOF so the subprocess never blocks
// on a full stderr pipe.
func ScanStderr(r io.Reader, fn LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesCR)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		elapsed, ok := ParseElapsed(line)
		fn(line, elapsed, ok)
	}

	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// scanLinesCR is bufio.ScanLines that also breaks on '\r', which ffmpeg
// uses to redraw its status line.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// TranscodePercent maps an elapsed position to 0-99. With an unknown
// duration it returns the asymptotic estimate floor(99*e/(e+assumed)).
func TranscodePercent(elapsed, duration, assumed float64) int {
	if elapsed <= 0 {
		return 0
	}
	if duration > 0 {
		return min(maxTranscodePercent, int(math.Floor(elapsed/duration*100)))
	}
	if assumed <= 0 {
		return 0
	}
	return min(maxTranscodePercent, int(math.Floor(maxTranscodePercent*elapsed/(elapsed+assumed))))
}

// DownloadPercent maps bytes received to the 0-50 download phase. Without a
// known total every megabyte counts as one percent.
func DownloadPercent(received, total int64) int {
	if received <= 0 {
		return 0
	}
	if total > 0 {
		return min(downloadPhaseMax, int(math.Floor(float64(received)/float64(total)*downloadPhaseMax)))
	}
	return min(downloadPhaseMax, int(received/bytesPerPercent))
}

// DualPhasePercent maps an elapsed position to the 50-99 transcode phase
// used when the input is streamed.
func DualPhasePercent(elapsed, duration, assumed float64) int {
	if elapsed <= 0 {
		return downloadPhaseMax
	}
	if duration > 0 {
		return downloadPhaseMax + min(transcodePhaseSpan, int(math.Floor(elapsed/duration*downloadPhaseMax)))
	}
	if assumed <= 0 {
		return downloadPhaseMax
	}
	return downloadPhaseMax + min(transcodePhaseSpan, int(math.Floor(transcodePhaseSpan*elapsed/(elapsed+assumed))))
}

// TailBuffer keeps the last max bytes written to it, trimmed to whole lines.
type TailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

// NewTailBuffer creates a buffer bounded to max bytes.
func NewTailBuffer(maxBytes int) *TailBuffer {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &TailBuffer{max: maxBytes}
}

// Write implements io.Writer.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		cut := over
		if i := bytes.IndexByte(t.buf[over:], '\n'); i >= 0 && over+i+1 < len(t.buf) {
			cut = over + i + 1
		}
		t.buf = append(t.buf[:0], t.buf[cut:]...)
	}
	return len(p), nil
}

// WriteLine appends line followed by a newline.
func (t *TailBuffer) WriteLine(line string) {
	_, _ = t.Write([]byte(line + "\n"))
}

// String returns the retained text.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimRight(t.buf, "\n"))
}

// Len returns the number of retained bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
