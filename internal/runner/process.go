package runner

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/telebridge/telebridge/internal/engine"
)

const (
	// Frames can carry whole file diffs; give the scanner room.
	maxLineBytes   = 1 << 20
	stderrTailSize = 2048
)

// process wraps one spawned engine CLI. The child gets its own process
// group so teardown reaches grandchildren the CLI forked.
type process struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *tailBuffer
	pgid    int

	waitOnce sync.Once
	waitRC   int
	done     chan struct{}
	termOnce sync.Once
}

func startProcess(inv engine.Invocation, dir string) (*process, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &process{
		cmd:     cmd,
		scanner: scanner,
		stderr:  stderr,
		pgid:    cmd.Process.Pid,
		done:    make(chan struct{}),
	}, nil
}

func (p *process) scan() bool    { return p.scanner.Scan() }
func (p *process) line() []byte  { return bytes.TrimSpace(p.scanner.Bytes()) }
func (p *process) scanErr() error { return p.scanner.Err() }

// wait reaps the child once and returns its exit code; signal deaths
// report -1.
func (p *process) wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.waitRC = 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.waitRC = exitErr.ExitCode()
		} else if err != nil {
			p.waitRC = -1
		}
		close(p.done)
	})
	<-p.done
	return p.waitRC
}

// terminate asks the whole process group to exit and escalates to
// SIGKILL after the grace window.
func (p *process) terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		_ = syscall.Kill(-p.pgid, syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = syscall.Kill(-p.pgid, syscall.SIGKILL)
		}
	})
}

// cleanup reaps the child on error paths where wait was never reached.
func (p *process) cleanup(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	p.terminate(grace)
	p.wait()
}

func (p *process) stderrTail() string { return p.stderr.String() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
