package tattoo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
)

const stderrTail = 4 << 10

// ExecRunner runs the model as an external command:
//
//	<Command> <Args...> <task> --model-dir D --prompt P [--model-name M] --type-person G
//
// Every non-empty stdout line is the path of one produced image. On failure
// the tail of stderr becomes the task error.
type ExecRunner struct {
	Command string
	Args    []string
	// Dir is the working directory; relative output paths resolve against it.
	Dir     string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (r *ExecRunner) Train(ctx context.Context, p TrainParams) ([]string, error) {
	return r.run(ctx, broker.TaskTrain,
		"--model-dir", p.ModelDir,
		"--prompt", p.Prompt,
		"--model-name", string(p.ModelName),
		"--type-person", string(p.TypePerson),
	)
}

func (r *ExecRunner) Infer(ctx context.Context, p InferParams) ([]string, error) {
	return r.run(ctx, broker.TaskInfer,
		"--model-dir", p.ModelDir,
		"--prompt", p.Prompt,
		"--type-person", string(p.TypePerson),
	)
}

func (r *ExecRunner) run(ctx context.Context, task broker.TaskKind, flags ...string) ([]string, error) {
	if r.Command == "" {
		return nil, errors.New("exec runner: no command configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := make([]string, 0, len(r.Args)+1+len(flags))
	args = append(args, r.Args...)
	args = append(args, string(task))
	args = append(args, flags...)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	logger.Info("model started", zap.String("task", string(task)), zap.String("command", r.Command))
	err := cmd.Run()
	logger.Info("model finished",
		zap.String("task", string(task)),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", filepath.Base(r.Command), task, err, tail)
		}
		return nil, fmt.Errorf("%s %s: %w", filepath.Base(r.Command), task, err)
	}
	return r.outputPaths(stdout.String()), nil
}

func (r *ExecRunner) outputPaths(out string) []string {
	lines := lo.Map(strings.Split(out, "\n"), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	lines = lo.Filter(lines, func(s string, _ int) bool { return s != "" })
	return lo.Map(lines, func(s string, _ int) string {
		if r.Dir != "" && !filepath.IsAbs(s) {
			return filepath.Join(r.Dir, s)
		}
		return s
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
