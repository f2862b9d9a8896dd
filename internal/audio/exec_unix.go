//go:build unix

package audio

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec plays payloads by piping them into an external player command such
// as ffplay or mpv. Pause and resume suspend the process. Volume and rate
// are substituted into the command line through the {volume}, {volume_pct}
// and {rate} placeholders and take effect when the process next starts.
type Exec struct {
	args   []string
	events chan Event

	mu        sync.Mutex
	data      []byte
	cmd       *exec.Cmd
	suspended bool
	started   time.Time
	offset    time.Duration
	volume    float64
	rate      float64
	closed    bool
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &Exec{
		args:   args,
		events: make(chan Event, 64),
		volume: 1,
		rate:   1,
	}, nil
}

func (e *Exec) Load(_ string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasPlaying := e.cmd != nil && !e.suspended
	e.killLocked()
	e.data = append([]byte(nil), data...)
	e.offset = 0
	if wasPlaying {
		e.emitLocked(EventPause)
	}
	return nil
}

func (e *Exec) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		return ErrNoSource
	}
	if e.cmd != nil {
		if !e.suspended {
			return nil
		}
		if err := e.cmd.Process.Signal(syscall.SIGCONT); err != nil {
			return fmt.Errorf("%w: resume: %v", ErrPlaybackFailed, err)
		}
		e.suspended = false
		e.started = time.Now()
		e.emitLocked(EventPlay)
		return nil
	}

	cmd := exec.Command(e.args[0], e.expandArgs()...)
	cmd.Stdin = bytes.NewReader(e.data)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
	}
	e.cmd = cmd
	e.suspended = false
	e.started = time.Now()
	e.offset = 0
	go e.wait(cmd)
	e.emitLocked(EventPlay)
	return nil
}

func (e *Exec) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != cmd {
		// killed by Load, Seek or Close
		return
	}
	e.cmd = nil
	e.suspended = false
	if err != nil {
		e.emitLocked(EventPause)
		return
	}
	e.emitLocked(EventEnded)
}

func (e *Exec) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.suspended {
		return
	}
	if err := e.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return
	}
	e.offset += time.Since(e.started)
	e.suspended = true
	e.emitLocked(EventPause)
}

func (e *Exec) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd == nil || e.suspended
}

// Seek only supports rewinding to the start: the process is discarded and
// the next Play starts over.
func (e *Exec) Seek(position time.Duration) {
	if position > 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
	e.offset = 0
}

func (e *Exec) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.suspended {
		return e.offset
	}
	return e.offset + time.Since(e.started)
}

func (e *Exec) SetVolume(volume float64) {
	e.mu.Lock()
	e.volume = volume
	e.mu.Unlock()
}

func (e *Exec) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	e.mu.Lock()
	e.rate = rate
	e.mu.Unlock()
}

func (e *Exec) Events() <-chan Event {
	return e.events
}

func (e *Exec) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.killLocked()
	e.closed = true
	close(e.events)
	return nil
}

func (e *Exec) expandArgs() []string {
	replacer := strings.NewReplacer(
		"{volume}", fmt.Sprintf("%.2f", e.volume),
		"{volume_pct}", fmt.Sprintf("%d", int(e.volume*100)),
		"{rate}", fmt.Sprintf("%.2f", e.rate),
	)
	out := make([]string, 0, len(e.args)-1)
	for _, a := range e.args[1:] {
		out = append(out, replacer.Replace(a))
	}
	return out
}

func (e *Exec) killLocked() {
	if e.cmd == nil {
		return
	}
	proc := e.cmd.Process
	e.cmd = nil
	e.suspended = false
	_ = proc.Signal(syscall.SIGCONT)
	_ = proc.Kill()
}

func (e *Exec) emitLocked(kind EventKind) {
	if e.closed {
		return
	}
	select {
	case e.events <- Event{Kind: kind, At: time.Now()}:
	default:
	}
}
