package ffmpeg

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

// skipIfNoFFprobe skips the test if ffprobe is not installed.
func skipIfNoFFprobe(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}
	return path
}

func TestCommandBuilder_FromTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("ffmpeg -i input.mp4 -c copy output.mp4", "ffmpeg")
	require.NoError(t, err)

	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		FromTemplate(tmpl).
		Input("/tmp/in.mp4").
		Output("/tmp/out.mp4").
		Build()

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{"-i", "/tmp/in.mp4", "-c", "copy", "/tmp/out.mp4"}, cmd.Args)
	assert.Equal(t, "ffmpeg -i /tmp/in.mp4 -c copy /tmp/out.mp4", cmd.String())
}

func TestCommandBuilder_FromTemplate_GlobalFlags(t *testing.T) {
	tmpl, err := ParseTemplate("ffmpeg -i input.mp4 output.mp4", "ffmpeg")
	require.NoError(t, err)

	cmd := NewCommandBuilder("ffmpeg").
		HideBanner().
		Overwrite().
		FromTemplate(tmpl).
		Input(StdinInput).
		Output("/out.mp4").
		Build()

	assert.Equal(t, []string{"-hide_banner", "-y", "-i", "pipe:0", "/out.mp4"}, cmd.Args)
}

func simpleTemplate(t *testing.T) *Template {
	t.Helper()
	tmpl, err := ParseTemplate("ffmpeg -i input.mp4 output.mp4", DefaultLeadingToken)
	require.NoError(t, err)
	return tmpl
}

func TestCommandBuilder_WithoutTemplate(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").HideBanner().Input("in.mkv").Output("out.mp4").Build()

	assert.Equal(t, []string{"-hide_banner"}, cmd.Args)
	assert.Equal(t, "ffmpeg -hide_banner", cmd.String())
	assert.Equal(t, "in.mkv", cmd.Input)
	assert.Equal(t, "out.mp4", cmd.Output)
}

func TestParseVersionOutput(t *testing.T) {
	info := &BinaryInfo{}
	err := parseVersionOutput("ffmpeg version n6.1.1 Copyright (c) 2000-2023\nbuilt with gcc 13\n", info)
	require.NoError(t, err)

	assert.Equal(t, "n6.1.1", info.Version)
	assert.Equal(t, 6, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Equal(t, "gcc 13", info.BuildInfo)
	assert.True(t, info.SupportsMinVersion(5, 0))
	assert.False(t, info.SupportsMinVersion(7, 0))

	assert.Error(t, parseVersionOutput("garbage", &BinaryInfo{}))
}

func TestFindBinary_Configured(t *testing.T) {
	fake := testutil.FakeBinary(t, "ffmpeg", "exit 0\n")

	path, err := FindBinary(fake, "ffmpeg", "")
	require.NoError(t, err)
	assert.Equal(t, fake, path)

	_, err = FindBinary(filepath.Join(t.TempDir(), "missing"), "ffmpeg", "")
	assert.Error(t, err)
}

func TestFindBinary_EnvVar(t *testing.T) {
	fake := testutil.FakeBinary(t, "ffprobe", "exit 0\n")
	t.Setenv(FFprobeBinaryEnv, fake)

	path, err := FindBinary("", "ffprobe-does-not-exist", FFprobeBinaryEnv)
	require.NoError(t, err)
	assert.Equal(t, fake, path)
}

func TestBinaryDetector_Detect(t *testing.T) {
	fake := testutil.FakeBinary(t, "ffmpeg", "printf 'ffmpeg version 7.0 Copyright\\n'\n")
	probe := testutil.FakeBinary(t, "ffprobe", "exit 0\n")

	detector := NewBinaryDetector(fake, probe).WithCacheTTL(time.Hour)
	info, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake, info.FFmpegPath)
	assert.Equal(t, probe, info.FFprobePath)
	assert.Equal(t, 7, info.MajorVersion)

	cached, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, cached)

	detector.Clear()
	again, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, info, again)
}

func TestProber_Duration(t *testing.T) {
	probe := testutil.FakeBinary(t, "ffprobe", testutil.FFprobeScript("180.500000"))
	prober := NewProber(probe, nil)

	d, err := prober.Duration(context.Background(), "/some/file.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 180.5, d, 0.0001)
}

func TestProber_ProbeStreamsByType(t *testing.T) {
	script := `cat <<'JSON'
{"format":{"filename":"in.mp4","nb_streams":3,"duration":"12.5"},
 "streams":[{"index":0,"codec_type":"video","codec_name":"h264","width":1280,"height":720},
            {"index":1,"codec_type":"audio","codec_name":"aac","channels":2},
            {"index":2,"codec_type":"audio","codec_name":"opus","channels":6}]}
JSON
`
	prober := NewProber(testutil.FakeBinary(t, "ffprobe", script), nil)

	result, err := prober.Probe(context.Background(), "in.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, result.DurationSeconds(), 0.0001)

	audio := result.GetStreamsByType("audio")
	require.Len(t, audio, 2)
	assert.Equal(t, "aac", audio[0].CodecName)
	assert.Equal(t, 6, audio[1].Channels)
	assert.Len(t, result.GetStreamsByType("video"), 1)
	assert.Empty(t, result.GetStreamsByType("subtitle"))
}

func TestProber_DurationFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"non-zero exit", testutil.FFprobeFailScript},
		{"N/A duration", testutil.FFprobeScript("N/A")},
		{"garbage", testutil.FFprobeScript("abc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := NewProber(testutil.FakeBinary(t, "ffprobe", tt.script), nil)
			_, err := prober.Duration(context.Background(), "x.mp4")
			assert.ErrorIs(t, err, models.ErrProbeFailed)
			assert.Zero(t, prober.DurationOrUnknown(context.Background(), "x.mp4"))
		})
	}
}

func TestProber_Timeout(t *testing.T) {
	probe := testutil.FakeBinary(t, "ffprobe", "exec sleep 10\n")
	prober := NewProber(probe, nil).WithTimeout(100 * time.Millisecond)

	start := time.Now()
	_, err := prober.Duration(context.Background(), "x.mp4")
	assert.ErrorIs(t, err, models.ErrProbeFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProber_Unavailable(t *testing.T) {
	prober := NewProber("", nil)
	assert.False(t, prober.Available())
	_, err := prober.Duration(context.Background(), "x.mp4")
	assert.ErrorIs(t, err, models.ErrProbeFailed)
}

func TestProcess_RunsAndReportsExitCode(t *testing.T) {
	bin := testutil.FakeBinary(t, "ffmpeg", testutil.FFmpegFailScript)
	out := filepath.Join(t.TempDir(), "out.mp4")
	in := testutil.WriteFile(t, t.TempDir(), "in.mp4", []byte("data"))

	cmd := NewCommandBuilder(bin).FromTemplate(simpleTemplate(t)).Input(in).Output(out).Build()
	proc, err := cmd.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	tail := NewTailBuffer(1024)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- ScanStderr(proc.Stderr(), func(line string, _ float64, _ bool) { tail.WriteLine(line) })
	}()

	waitErr := proc.Wait()
	require.NoError(t, <-scanDone)

	assert.Equal(t, 1, ExitCode(waitErr))
	assert.True(t, proc.Exited())
	ran := proc.Runtime()
	assert.Positive(t, ran)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ran, proc.Runtime(), "runtime stops at exit")
	assert.Contains(t, tail.String(), "Invalid data found")
	assert.NoError(t, proc.Kill(), "killing an exited process is a no-op")
}

func TestProcess_StdinPipe(t *testing.T) {
	bin := testutil.FakeBinary(t, "ffmpeg", testutil.FFmpegCopyScript)
	out := filepath.Join(t.TempDir(), "out.mp4")

	cmd := NewCommandBuilder(bin).FromTemplate(simpleTemplate(t)).Input(StdinInput).Output(out).Build()
	proc, err := cmd.Start(context.Background(), StartOptions{Stdin: true})
	require.NoError(t, err)

	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()

	_, err = proc.Stdin().Write([]byte("streamed bytes"))
	require.NoError(t, err)
	require.NoError(t, proc.Stdin().Close())

	require.NoError(t, proc.Wait())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "streamed bytes", string(data))
}

func TestProcess_ContextCancelKills(t *testing.T) {
	bin := testutil.FakeBinary(t, "ffmpeg", testutil.FFmpegSleepScript)
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := NewCommandBuilder(bin).Build().Start(ctx, StartOptions{})
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()

	start := time.Now()
	cancel()
	err = proc.Wait()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, 0, ExitCode(err))
}

func TestIntegration_TranscodeWithRealFFmpeg(t *testing.T) {
	ffmpegPath := skipIfNoFFmpeg(t)
	ffprobePath := skipIfNoFFprobe(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp4")

	gen := exec.Command(ffmpegPath, "-f", "lavfi", "-i", "testsrc=duration=2:size=64x64:rate=10",
		"-pix_fmt", "yuv420p", "-y", in)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate test media: %v: %s", err, out)
	}

	d, err := NewProber(ffprobePath, nil).Duration(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 0.2)

	tmpl, err := ParseTemplate("ffmpeg -i input.mp4 -c copy output.mp4", "ffmpeg")
	require.NoError(t, err)
	out := filepath.Join(dir, "out.mp4")
	proc, err := NewCommandBuilder(ffmpegPath).Overwrite().FromTemplate(tmpl).Input(in).Output(out).Build().
		Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
	require.NoError(t, proc.Wait())

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
