package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const commandLogPrefix = "platform:command"

// Template is an argv with {placeholder} tokens. Placeholders are replaced
// after splitting, so substituted values never change the argument count.
type Template struct {
	Argv []string
}

// ParseTemplate splits s like a POSIX shell word list, honouring single and
// double quotes and backslash escapes. An empty s yields an empty template.
func ParseTemplate(s string) (Template, error) {
	var (
		argv    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				argv = append(argv, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return Template{}, fmt.Errorf("%s - unterminated quote in %q", commandLogPrefix, s)
	}
	if escaped {
		return Template{}, fmt.Errorf("%s - trailing backslash in %q", commandLogPrefix, s)
	}
	if inWord {
		argv = append(argv, cur.String())
	}
	return Template{Argv: argv}, nil
}

// Empty reports whether the template has no command.
func (t Template) Empty() bool { return len(t.Argv) == 0 }

// Expand substitutes {name} tokens from vars.
func (t Template) Expand(vars map[string]string) []string {
	out := make([]string, len(t.Argv))
	for i, arg := range t.Argv {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// run executes the expanded template. A missing binary is ErrUnavailable and
// an expired context is ErrTimeout; the process is killed in both timeout and
// cancellation cases.
func run(ctx context.Context, t Template, vars map[string]string) ([]byte, error) {
	if t.Empty() {
		return nil, ErrUnavailable
	}
	argv := t.Expand(vars)
	bin, err := lookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", argv[0], ErrUnavailable)
	}

	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug(fmt.Sprintf("%s - running %s", commandLogPrefix, strings.Join(argv, " ")))
	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", argv[0], ErrTimeout)
		}
		return nil, ctxErr
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s - %s failed: %s", commandLogPrefix, argv[0], msg)
	}
	return stdout.Bytes(), nil
}

// captureToFile runs t with {output} pointing at a fresh temp file and returns its contents.
func captureToFile(ctx context.Context, t Template, ext string, vars map[string]string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "hostbridge-capture-")
	if err != nil {
		return nil, fmt.Errorf("%s - temp dir: %w", commandLogPrefix, err)
	}
	defer os.RemoveAll(dir)

	output := filepath.Join(dir, "capture"+ext)
	all := map[string]string{"output": output}
	for k, v := range vars {
		all[k] = v
	}
	if _, err := run(ctx, t, all); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%s - command produced no output file: %w", commandLogPrefix, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s - command produced an empty file", commandLogPrefix)
	}
	return data, nil
}

// CommandScreen captures the screen with an external tool.
type CommandScreen struct {
	Template Template
}

// Capture implements ScreenCapturer.
func (c *CommandScreen) Capture(ctx context.Context, req ScreenRequest) (*Media, error) {
	format := imageFormat(req.Format)
	data, err := captureToFile(ctx, c.Template, "."+format, map[string]string{
		"format":  format,
		"display": strconv.Itoa(req.DisplayID),
	})
	if err != nil {
		return nil, err
	}
	return imageMedia(data, format), nil
}

// CommandCamera takes photos with an external tool. It exposes one default device.
type CommandCamera struct {
	Template Template
}

// Devices implements Camera.
func (c *CommandCamera) Devices(ctx context.Context) ([]CameraDevice, error) {
	if c.Template.Empty() {
		return nil, ErrUnavailable
	}
	if _, err := lookPath(c.Template.Argv[0]); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Template.Argv[0], ErrUnavailable)
	}
	return []CameraDevice{{ID: "default", Name: "Default camera"}}, nil
}

// Snap implements Camera.
func (c *CommandCamera) Snap(ctx context.Context, req SnapRequest) (*Media, error) {
	if req.DeviceID != "" && req.DeviceID != "default" {
		return nil, fmt.Errorf("camera %s: %w", req.DeviceID, ErrNotFound)
	}
	format := imageFormat(req.Format)
	data, err := captureToFile(ctx, c.Template, "."+format, map[string]string{
		"format": format,
		"facing": req.Facing,
	})
	if err != nil {
		return nil, err
	}
	return imageMedia(data, format), nil
}

// CommandAudio records audio with an external tool.
type CommandAudio struct {
	Template Template
}

// Record implements AudioRecorder.
func (c *CommandAudio) Record(ctx context.Context, req AudioRequest) (*Media, error) {
	format := req.Format
	if format == "" {
		format = "wav"
	}
	mimeType, ok := audioMimeTypes[format]
	if !ok {
		return nil, fmt.Errorf("%s - unsupported audio format %q", commandLogPrefix, format)
	}
	data, err := captureToFile(ctx, c.Template, "."+format, map[string]string{
		"format":     format,
		"duration":   strconv.FormatFloat(req.Duration.Seconds(), 'f', -1, 64),
		"durationMs": strconv.FormatInt(req.Duration.Milliseconds(), 10),
	})
	if err != nil {
		return nil, err
	}
	return &Media{Data: data, MimeType: mimeType, DurationMs: req.Duration.Milliseconds()}, nil
}

// CommandNotifier posts notifications with an external tool.
type CommandNotifier struct {
	Template Template
}

// Notify implements Notifier.
func (c *CommandNotifier) Notify(ctx context.Context, n Notification) error {
	_, err := run(ctx, c.Template, map[string]string{
		"title": n.Title,
		"body":  n.Body,
		"sound": strconv.FormatBool(n.Sound),
	})
	return err
}

// AppleScriptNotifier posts notifications through osascript.
type AppleScriptNotifier struct{}

// Notify implements Notifier.
func (AppleScriptNotifier) Notify(ctx context.Context, n Notification) error {
	script := fmt.Sprintf("display notification %s with title %s", appleScriptString(n.Body), appleScriptString(n.Title))
	if n.Sound {
		script += ` sound name "default"`
	}
	_, err := run(ctx, Template{Argv: []string{"osascript", "-e", script}}, nil)
	return err
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

var audioMimeTypes = map[string]string{
	"wav": "audio/wav",
	"m4a": "audio/mp4",
	"aac": "audio/aac",
	"mp3": "audio/mpeg",
}

func imageFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "jpeg"
	}
	return "png"
}

func imageMedia(data []byte, format string) *Media {
	m := &Media{Data: data, MimeType: "image/" + format}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		m.Width, m.Height = cfg.Width, cfg.Height
	}
	return m
}
