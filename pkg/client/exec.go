package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExecClient runs the proxy as a child process in stdio mode and keeps it
// alive across calls. A new child is started when the previous one exited
// or ended its session. Calls are serialized.
type ExecClient struct {
	// Path is the proxy executable.
	Path string
	// Args are passed to the child; they should select stdio mode.
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stderr receives the child's log output. Nil discards it.
	Stderr io.Writer

	mu   sync.Mutex
	proc *process
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	conn   *Conn
	exited chan struct{}
}

func (p *process) done() bool {
	select {
	case <-p.exited:
		return true
	default:
		return p.conn.Closed()
	}
}

// stop ends the child: closing stdin lets it finish cleanly, and it is
// killed if it does not exit within grace.
func (p *process) stop(grace time.Duration) {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	_ = p.stdout.Close()
}

func (c *ExecClient) start() (*process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stderr = c.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain pipe keeps Wait from closing our read end while a final
	// response is still unread.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	_ = pw.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		conn:   NewConn(pr, stdin),
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// Synthe sends one request to the child, starting it first if needed.
func (c *ExecClient) Synthe(ctx context.Context, voice, koe string, speed int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.proc != nil && c.proc.done() {
		c.proc.stop(time.Second)
		c.proc = nil
	}
	if c.proc == nil {
		p, err := c.start()
		if err != nil {
			return nil, err
		}
		c.proc = p
	}

	p := c.proc
	stop := context.AfterFunc(ctx, func() { _ = p.cmd.Process.Kill() })
	wav, err := p.conn.Synthe(voice, koe, speed)
	stop()

	if err != nil {
		var respErr *ResponseError
		if !errors.As(err, &respErr) {
			p.stop(time.Second)
			c.proc = nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return wav, err
}

// Close stops the child process, if one is running.
func (c *ExecClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		return nil
	}
	c.proc.stop(5 * time.Second)
	c.proc = nil
	return nil
}
