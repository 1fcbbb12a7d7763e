package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailSize = 4096

// ExecConfig describes the external uploader command
type ExecConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ExecUploader runs the external uploader as a child process. The request is
// written to stdin as JSON; the child reports JSON lines on stdout:
//
//	{"event":"progress","index":0,"progress":42.5}
//	{"event":"success","index":0,"reference":"abc123"}
//	{"event":"failure","index":0,"error":"login challenge"}
type ExecUploader struct {
	cfg    ExecConfig
	logger *slog.Logger
}

// NewExecUploader creates a new ExecUploader
func NewExecUploader(cfg ExecConfig, logger *slog.Logger) *ExecUploader {
	return &ExecUploader{cfg: cfg, logger: logger}
}

type execRequest struct {
	Credentials Credentials `json:"credentials"`
	Videos      []Video     `json:"videos"`
	Options     Options     `json:"options"`
}

type execEvent struct {
	Event     string  `json:"event"`
	Index     int     `json:"index"`
	Progress  float64 `json:"progress"`
	Reference string  `json:"reference"`
	Error     string  `json:"error"`
}

// Upload starts the uploader process and returns once it is running. The
// process is deliberately not bound to ctx: an in-flight upload cannot be
// cancelled safely, so it outlives shutdown.
func (u *ExecUploader) Upload(_ context.Context, creds Credentials, videos []Video, opts Options) error {
	if u.cfg.Command == "" {
		return errors.New("uploader command is not configured")
	}
	if len(videos) == 0 {
		return errors.New("no videos to upload")
	}

	body, err := json.Marshal(execRequest{Credentials: creds, Videos: videos, Options: opts})
	if err != nil {
		return fmt.Errorf("failed to marshal uploader request: %w", err)
	}

	cmd := exec.Command(u.cfg.Command, u.cfg.Args...)
	cmd.Dir = u.cfg.Dir
	if len(u.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), u.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(body)

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open uploader stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start uploader: %w", err)
	}

	u.logger.Info("Uploader process started",
		slog.String("command", u.cfg.Command),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("videos", len(videos)),
	)

	go u.watch(cmd, stdout, stderr, videos)
	return nil
}

func (u *ExecUploader) watch(cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, videos []Video) {
	settled := make([]bool, len(videos))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			u.logger.Debug("Uploader output", slog.String("line", string(line)))
			continue
		}
		if ev.Index < 0 || ev.Index >= len(videos) {
			u.logger.Warn("Uploader event for unknown video",
				slog.Int("index", ev.Index),
				slog.String("event", ev.Event),
			)
			continue
		}

		video := videos[ev.Index]
		switch ev.Event {
		case "progress":
			if video.OnProgress != nil {
				video.OnProgress(ev.Progress)
			}
		case "success":
			settled[ev.Index] = true
			if video.OnSuccess != nil {
				video.OnSuccess(ev.Reference)
			}
		case "failure":
			settled[ev.Index] = true
			if video.OnFailure != nil {
				video.OnFailure(errors.New(ev.Error))
			}
		default:
			u.logger.Debug("Unknown uploader event", slog.String("event", ev.Event))
		}
	}
	if err := scanner.Err(); err != nil {
		u.logger.Warn("Failed to read uploader output", slog.String("error", err.Error()))
		// Drain so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	for i, video := range videos {
		if settled[i] || video.OnFailure == nil {
			continue
		}
		detail := "uploader exited without reporting a result"
		if waitErr != nil {
			detail = fmt.Sprintf("%s: %v", detail, waitErr)
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			detail = fmt.Sprintf("%s: %s", detail, tail)
		}
		video.OnFailure(errors.New(detail))
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
