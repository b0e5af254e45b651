package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"

	"example/mixreport-api/app/engine"
)

// TestHelperFFmpeg is not a real test: it is the child process the fake
// ffmpeg command runs.
func TestHelperFFmpeg(t *testing.T) {
	mode := os.Getenv("FAKE_FFMPEG")
	if mode == "" {
		return
	}
	in, _ := io.ReadAll(os.Stdin)
	switch mode {
	case "ok":
		fmt.Fprintf(os.Stdout, "mp3:%d", len(in))
		os.Exit(0)
	default:
		fmt.Fprint(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	}
}

func fakeFFmpeg(mode string, gotArgs *[]string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		*gotArgs = append([]string{name}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^TestHelperFFmpeg$")
		cmd.Env = append(os.Environ(), "FAKE_FFMPEG="+mode)
		return cmd
	}
}

func TestFFmpegCompressor(t *testing.T) {
	var args []string
	c := NewFFmpegCompressor("/usr/bin/ffmpeg", "128k")
	c.command = fakeFFmpeg("ok", &args)

	out, err := c.Compress(context.Background(), engine.Upload{Name: "mix.final.wav", Body: []byte("0123456789")})
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if out.Name != "mix.final.mp3" || out.ContentType != "audio/mpeg" || string(out.Body) != "mp3:10" {
		t.Fatalf("Compress = %+v", out)
	}
	joined := strings.Join(args, " ")
	if !strings.HasPrefix(joined, "/usr/bin/ffmpeg ") || !strings.Contains(joined, "-b:a 128k") {
		t.Fatalf("unexpected ffmpeg args: %q", joined)
	}
}

func TestFFmpegCompressorFailure(t *testing.T) {
	var args []string
	c := NewFFmpegCompressor("", "")
	c.command = fakeFFmpeg("fail", &args)

	in := engine.Upload{Name: "mix.wav", Body: []byte("RIFF")}
	out, err := c.Compress(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "Invalid data") {
		t.Fatalf("Compress error = %v, want ffmpeg stderr", err)
	}
	if out.Name != in.Name || string(out.Body) != "RIFF" {
		t.Fatalf("failed Compress must hand back the original, got %+v", out)
	}
	if args[0] != "ffmpeg" {
		t.Fatalf("default path = %q", args[0])
	}
}
