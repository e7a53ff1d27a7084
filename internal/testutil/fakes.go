// Package testutil provides fake binaries and fixtures for pipeline tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// argParsing sets $in to the value after -i and $out to the last argument.
const argParsing = `in=""
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
`

// FFmpegCopyScript reports two progress lines on stderr, then copies its
// input (a file or stdin for pipe:0) to the output path. The copy replaces
// the shell so a kill reaches the process holding stdin.
const FFmpegCopyScript = argParsing + `printf 'Input #0, mov,mp4 from %s\n' "$in" >&2
printf 'frame=   10 fps=0.0 q=-1.0 size=       0kB time=00:00:01.00 bitrate=N/A speed=1x\r' >&2
printf 'frame=   20 fps=0.0 q=-1.0 size=       1kB time=00:00:02.00 bitrate=N/A speed=1x\n' >&2
if [ "$in" = "pipe:0" ]; then exec cat > "$out"; fi
exec cat "$in" > "$out"
`

// FFmpegFailScript writes a partial output, complains on stderr and exits 1.
const FFmpegFailScript = argParsing + `if [ "$in" = "pipe:0" ]; then cat > /dev/null; fi
printf 'partial' > "$out"
printf 'frame=    1 time=00:00:00.50 bitrate=N/A\r' >&2
printf 'Error while decoding stream #0:0: Invalid data found when processing input\n' >&2
exit 1
`

// FFmpegSilentFailScript exits 1 without writing anything to stderr.
const FFmpegSilentFailScript = `exit 1
`

// FFmpegNoOutputScript exits 0 without producing an artifact.
const FFmpegNoOutputScript = argParsing + `if [ "$in" = "pipe:0" ]; then cat > /dev/null; fi
printf 'nothing to do\n' >&2
exit 0
`

// FFmpegEarlyExitScript exits successfully without reading stdin.
const FFmpegEarlyExitScript = argParsing + `printf 'done' > "$out"
exit 0
`

// FFmpegSleepScript blocks until killed.
const FFmpegSleepScript = `printf 'frame=    1 time=00:00:00.10 bitrate=N/A\r' >&2
exec sleep 30
`

// FFprobeScript returns a fake ffprobe that prints duration for any target.
func FFprobeScript(duration string) string {
	return fmt.Sprintf("printf '%%s\\n' '%s'\nexit 0\n", duration)
}

// FFprobeFailScript is a fake ffprobe that always fails.
const FFprobeFailScript = `printf 'No such file or directory\n' >&2
exit 1
`

// FakeBinary writes an executable shell script named name into a temp dir
// and returns its path. The test is skipped when /bin/sh is unavailable.
func FakeBinary(t *testing.T, name, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:gosec // test binary must be executable
		t.Fatalf("writing fake %s: %v", name, err)
	}
	return path
}

// WriteFile writes data to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
