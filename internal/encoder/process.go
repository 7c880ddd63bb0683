package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	inputDepth   = 8
	stderrTail   = 4 << 10
	killWaitTime = 2 * time.Second
)

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.cap {
		t.buf = append(t.buf[:0], p[len(p)-t.cap:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.cap; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// process is an encoder subprocess fed through a bounded input channel.
// A writer goroutine owns stdin; the caller owns stdout.
type process struct {
	log    *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	in        chan []byte
	closeIn   sync.Once
	writeDone chan struct{}
	writeErr  error

	exited  chan struct{}
	waitErr error
	stop    sync.Once
}

func startProcess(ctx context.Context, bin string, args []string, log *slog.Logger) (*process, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{cap: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	log.Debug("encoder process started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	p := &process{
		log:       log,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		in:        make(chan []byte, inputDepth),
		writeDone: make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go p.writeLoop()
	return p, nil
}

func (p *process) writeLoop() {
	defer close(p.writeDone)
	for b := range p.in {
		if p.writeErr != nil {
			continue
		}
		if _, err := p.stdin.Write(b); err != nil {
			p.writeErr = err
			p.log.Warn("encoder input write failed", "error", err, "stderr", p.stderr.String())
		}
	}
	p.stdin.Close()
}

// write queues b without blocking. A full queue gives ErrRetryLater.
func (p *process) write(b []byte) error {
	select {
	case <-p.writeDone:
		return p.failure("input closed")
	default:
	}
	select {
	case p.in <- b:
		return nil
	default:
		return ErrRetryLater
	}
}

// closeInput ends the input; the writer drains what is queued first.
func (p *process) closeInput() {
	p.closeIn.Do(func() { close(p.in) })
}

// wait reaps the process after stdout has been read to EOF.
func (p *process) wait() error {
	p.stop.Do(func() {
		p.closeInput()
		<-p.writeDone
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
	<-p.exited
	if p.waitErr != nil {
		return p.failure(p.waitErr.Error())
	}
	if p.writeErr != nil && !errors.Is(p.writeErr, io.ErrClosedPipe) {
		return p.failure(p.writeErr.Error())
	}
	return nil
}

// kill terminates the process and reaps it.
func (p *process) kill() {
	p.closeInput()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	done := make(chan struct{})
	go func() {
		// Unblock a writer stuck on a full pipe and a reader waiting on stdout.
		p.stdin.Close()
		p.stdout.Close()
		p.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killWaitTime):
		p.log.Warn("encoder process did not exit after kill", "pid", p.cmd.Process.Pid)
	}
}

func (p *process) failure(msg string) error {
	if tail := p.stderr.String(); tail != "" {
		return fmt.Errorf("%s: %s", msg, tail)
	}
	return errors.New(msg)
}
