package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *zap.Logger
}

func (r ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if r.Logger != nil {
		fields := []zap.Field{
			zap.String("cmd", name),
			zap.String("args", strings.Join(args, " ")),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			r.Logger.Error("exec failed", append(fields, zap.Error(err), zap.String("stderr", truncate(errb.String(), 8<<10)))...)
		} else {
			r.Logger.Debug("exec ok", append(fields, zap.Int("stdout_bytes", out.Len()))...)
		}
	}
	return out.Bytes(), errb.Bytes(), err
}

// SubprocessConfig selects the tesseract binary and its recognition modes.
type SubprocessConfig struct {
	Binary string
	Lang   string
	PSM    int
	OEM    int
}

// DefaultSubprocessConfig reads one uniform block of text with the LSTM engine.
var DefaultSubprocessConfig = SubprocessConfig{Binary: "tesseract", Lang: "eng", PSM: 6, OEM: 1}

// SubprocessBackend invokes the tesseract binary once per call. It holds no
// shared state and is safe for concurrent use.
type SubprocessBackend struct {
	cfg    SubprocessConfig
	runner Runner
}

// NewSubprocessBackend uses ExecRunner when runner is nil.
func NewSubprocessBackend(cfg SubprocessConfig, runner Runner) *SubprocessBackend {
	if cfg.Binary == "" {
		cfg.Binary = DefaultSubprocessConfig.Binary
	}
	if cfg.Lang == "" {
		cfg.Lang = DefaultSubprocessConfig.Lang
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &SubprocessBackend{cfg: cfg, runner: runner}
}

func (b *SubprocessBackend) args() []string {
	return []string{
		"stdin", "stdout",
		"-l", b.cfg.Lang,
		"--psm", strconv.Itoa(b.cfg.PSM),
		"--oem", strconv.Itoa(b.cfg.OEM),
	}
}

func (b *SubprocessBackend) ExtractText(ctx context.Context, img image.Image) (string, error) {
	png, err := EncodePNG(img)
	if err != nil {
		return "", fmt.Errorf("%w: encode crop: %w", ErrExecution, err)
	}
	stdout, stderr, err := b.runner.Run(ctx, png, b.cfg.Binary, b.args()...)
	if err != nil {
		msg := strings.TrimSpace(truncate(string(stderr), 512))
		if msg != "" {
			return "", fmt.Errorf("%w: %s: %w: %s", ErrExecution, b.cfg.Binary, err, msg)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrExecution, b.cfg.Binary, err)
	}
	return string(stdout), nil
}

// truncate caps stderr text at max bytes without splitting a rune.
func truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "...(truncated)"
}
