package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"example/mixreport-api/app/engine"
)

// Compressor shrinks an upload before submission. It has no entitlement
// effect whatever the outcome.
type Compressor interface {
	Compress(ctx context.Context, u engine.Upload) (engine.Upload, error)
}

// FFmpegCompressor transcodes to MP3 by piping the file through the ffmpeg
// binary.
type FFmpegCompressor struct {
	Path    string
	Bitrate string

	command func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

func NewFFmpegCompressor(path, bitrate string) *FFmpegCompressor {
	if path == "" {
		path = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = "192k"
	}
	return &FFmpegCompressor{Path: path, Bitrate: bitrate, command: exec.CommandContext}
}

func (f *FFmpegCompressor) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", f.Bitrate,
		"-f", "mp3",
		"pipe:1",
	}
}

func (f *FFmpegCompressor) Compress(ctx context.Context, u engine.Upload) (engine.Upload, error) {
	cmd := f.command(ctx, f.Path, f.args()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(u.Body)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return u, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return u, fmt.Errorf("ffmpeg: no output")
	}
	name := strings.TrimSuffix(u.Name, path.Ext(u.Name)) + ".mp3"
	return engine.Upload{Name: name, ContentType: "audio/mpeg", Body: stdout.Bytes()}, nil
}
