package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
)

const shellLogPrefix = "capability:shell"

// maxShellTimeout caps caller-supplied timeouts.
const maxShellTimeout = 10 * time.Minute

type shellConfig struct {
	enabled        bool
	maxOutput      int
	defaultTimeout time.Duration
}

func newShellNamespace(gate permission.Gate, cfg shellConfig) (*namespace, error) {
	s := &shellRunner{cfg: cfg}
	return newNamespace("shell", gate, map[string]command{
		"shell.exec": {schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"argv": {"type": "array", "minItems": 1, "items": {"type": "string"}},
				"cwd": {"type": "string"},
				"env": {"type": "object", "additionalProperties": {"type": "string"}},
				"stdin": {"type": "string"},
				"timeoutMs": {"type": "integer", "minimum": 1}
			},
			"oneOf": [{"required": ["command"]}, {"required": ["argv"]}]
		}`, run: s.exec},
		"shell.which": {schema: `{
			"type": "object",
			"required": ["name"],
			"properties": {"name": {"type": "string", "minLength": 1}}
		}`, run: s.which},
	})
}

type shellRunner struct {
	cfg shellConfig
}

// cappedBuffer keeps the first max bytes written and remembers whether more arrived.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// exec runs a command. A timeout kills the process and is reported as a
// successful result with timedOut set, carrying whatever output was produced.
func (s *shellRunner) exec(ctx context.Context, p dispatcher.Params) (interface{}, error) {
	if !s.cfg.enabled {
		return nil, dispatcher.Errorf(dispatcher.CodePermissionDenied, "shell execution is disabled on this host")
	}

	var argv []string
	if list, ok := p.StringSlice("argv"); ok && len(list) > 0 {
		argv = list
	} else {
		line, cerr := p.RequireString("command")
		if cerr != nil {
			return nil, cerr
		}
		argv = shellArgv(line)
	}

	timeout := s.cfg.defaultTimeout
	if ms, ok := p.Int("timeoutMs"); ok {
		// Clamp before converting; large values overflow time.Duration.
		if ms > maxShellTimeout.Milliseconds() {
			ms = maxShellTimeout.Milliseconds()
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	if cwd, ok := p.String("cwd"); ok && cwd != "" {
		dir, err := expandPath(cwd)
		if err != nil {
			return nil, err
		}
		cmd.Dir = dir
	}
	if env, ok := p.Map("env"); ok && len(env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), env)
	}
	if stdin, ok := p.String("stdin"); ok {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := &cappedBuffer{max: s.cfg.maxOutput}
	stderr := &cappedBuffer{max: s.cfg.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case timedOut:
		exitCode = -1
		slog.Warn(fmt.Sprintf("%s - %s killed after %s", shellLogPrefix, argv[0], timeout))
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		return nil, dispatcher.Errorf(dispatcher.CodeNotFound, "command not found: %s", argv[0])
	case err != nil:
		if errors.Is(err, os.ErrNotExist) && cmd.Dir != "" {
			return nil, dispatcher.Errorf(dispatcher.CodeNotFound, "working directory not found: %s", cmd.Dir)
		}
		return nil, err
	}

	return map[string]interface{}{
		"exitCode":   exitCode,
		"stdout":     stdout.buf.String(),
		"stderr":     stderr.buf.String(),
		"timedOut":   timedOut,
		"durationMs": elapsed.Milliseconds(),
		"truncated":  stdout.truncated || stderr.truncated,
	}, nil
}

func (s *shellRunner) which(_ context.Context, p dispatcher.Params) (interface{}, error) {
	name, _ := p.String("name")
	path, err := exec.LookPath(name)
	if err != nil {
		return map[string]interface{}{"found": false, "name": name}, nil
	}
	return map[string]interface{}{"found": true, "name": name, "path": path}, nil
}

func shellArgv(line string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", line}
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", line}
}

// mergeEnv overlays extra onto base, keeping base order and appending new keys sorted.
func mergeEnv(base []string, extra dispatcher.Params) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(extra))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := extra.String(key); ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := extra.String(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}
