package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// NewExecFactory returns a Factory that shells out to an engine binary. The
// binary is invoked as `<cmd> run <config>` or `<cmd> optimize <config>` and
// speaks line-delimited JSON on stdout: plain lines are incremental output,
// objects with a "progress" key are optimizer progress, and the final object
// carries "cost" (and "config" for optimize).
func NewExecFactory(cmd string) Factory {
	return func(configPath string) (Engine, error) {
		if cmd == "" {
			return nil, fmt.Errorf("engine: no engine command configured")
		}
		return &execEngine{cmdName: cmd, configPath: configPath}, nil
	}
}

type execEngine struct {
	cmdName    string
	configPath string

	mu       sync.Mutex
	out      strings.Builder
	progress Progress
	stdin    io.WriteCloser
	cancel   context.CancelFunc

	cancelled atomic.Bool
}

type engineResult struct {
	Cost     *float64         `json:"cost"`
	Config   *OptimizedConfig `json:"config"`
	Progress *Progress        `json:"progress_update"`
}

func (e *execEngine) run(ctx context.Context, mode string) (engineResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmdName, mode, e.configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return engineResult{}, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return engineResult{}, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	e.mu.Lock()
	e.stdin = stdin
	e.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return engineResult{}, fmt.Errorf("engine: start %s: %w", e.cmdName, err)
	}

	var final engineResult
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var msg engineResult
		if err := json.Unmarshal([]byte(line), &msg); err == nil {
			if msg.Progress != nil {
				e.mu.Lock()
				e.progress = *msg.Progress
				e.mu.Unlock()
				continue
			}
			if msg.Cost != nil || msg.Config != nil {
				final = msg
				continue
			}
		}
		e.mu.Lock()
		e.out.WriteString(line)
		e.out.WriteString("\n")
		e.mu.Unlock()
	}

	if err := cmd.Wait(); err != nil {
		if e.cancelled.Load() {
			return engineResult{}, fmt.Errorf("engine: cancelled: %w", err)
		}
		return engineResult{}, fmt.Errorf("engine: %s failed: %w", mode, err)
	}
	if err := scanner.Err(); err != nil {
		return engineResult{}, fmt.Errorf("engine: read output: %w", err)
	}
	return final, nil
}

func (e *execEngine) Run(ctx context.Context) (float64, error) {
	result, err := e.run(ctx, "run")
	if err != nil {
		return 0, err
	}
	if result.Cost == nil {
		return 0, nil
	}
	return *result.Cost, nil
}

func (e *execEngine) Optimize(ctx context.Context) (OptimizedConfig, float64, error) {
	result, err := e.run(ctx, "optimize")
	if err != nil {
		return OptimizedConfig{}, 0, err
	}
	var cfg OptimizedConfig
	if result.Config != nil {
		cfg = *result.Config
	}
	var cost float64
	if result.Cost != nil {
		cost = *result.Cost
	}
	return cfg, cost, nil
}

func (e *execEngine) Cancel() {
	e.cancelled.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *execEngine) Cancelled() bool { return e.cancelled.Load() }

func (e *execEngine) Output() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.out.String()
	e.out.Reset()
	return out
}

func (e *execEngine) OptimizerProgress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func (e *execEngine) PostInput(msg string) {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin != nil {
		_, _ = io.WriteString(stdin, msg+"\n")
	}
}

func (e *execEngine) Release() {
	e.mu.Lock()
	stdin := e.stdin
	e.stdin = nil
	e.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
}

var _ Engine = (*execEngine)(nil)
