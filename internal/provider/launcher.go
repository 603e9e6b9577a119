package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
)

// LaunchSpec describes one provider process.
type LaunchSpec struct {
	ProviderID identity.ID
	LinkName   string
	Path       string
	Args       []string
	Env        []string
	HostData   HostData
}

// Process is a launched provider. Only the Manager holds these.
type Process interface {
	Pid() int
	Interrupt() error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
}

type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs providers as local child processes. Output goes to one
// append-only log file per instance under LogDir, or is discarded when
// LogDir is empty.
type ExecLauncher struct {
	LogDir string
}

func (l ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, fmt.Errorf("provider: launch %s: empty path", spec.ProviderID)
	}
	data, err := spec.HostData.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = strings.NewReader(data + "\n")

	var out io.WriteCloser
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("provider: create log dir: %w", err)
		}
		name := filepath.Join(l.LogDir, fmt.Sprintf("%s.%s.log", spec.ProviderID, spec.LinkName))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("provider: open log file: %w", err)
		}
		out = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, fmt.Errorf("provider: start %s: %w", spec.Path, err)
	}
	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go p.wait()
	logs.Infof("provider.ExecLauncher.Launch provider=%s link=%q pid=%d", spec.ProviderID, spec.LinkName, cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	out  io.WriteCloser
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	if p.out != nil {
		if cerr := p.out.Close(); cerr != nil {
			logs.Warnf("provider.execProcess close log pid=%d err=%v", p.cmd.Process.Pid, cerr)
		}
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
