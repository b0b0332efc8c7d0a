// Package process implements the spawn/stop/reap supervisor that manages
// child processes (generic pipes or pseudo-terminals) on top of an
// eventcore.Loop: it wires each child's stdio to readable/writable streams,
// reaps exit status off the loop goroutine via a dedicated waiter, and
// escalates an unresponsive TERM into a KILL after a configurable grace
// period.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"

	"github.com/gridedit/eventcore"
)

// Type selects how a Process's stdio is wired.
type Type int

const (
	// Generic spawns via os/exec with plain OS pipes for stdio.
	Generic Type = iota
	// PTY spawns via github.com/creack/pty, giving the child a controlling
	// pseudo-terminal; stdout and stderr share a single stream (the PTY
	// master has no separate error channel).
	PTY
)

// StdioMode selects how one stdio stream is wired for a Generic spawn.
type StdioMode int

const (
	StdioPipe    StdioMode = iota // wire to a Stream, the common case
	StdioIgnore                   // /dev/null
	StdioInherit                  // share the supervisor's own fd
)

// Spec describes a process to spawn.
type Spec struct {
	Type Type
	Argv []string
	// Env, if non-nil, replaces the inherited environment entirely.
	Env []string
	// Dir, if non-empty, overrides the inherited working directory.
	Dir         string
	Stdin       StdioMode
	Stdout      StdioMode
	Stderr      StdioMode
	WriteMax    int // writable stream pending-bytes cap; 0 = default
	ReadBufSize int // ring buffer capacity for each readable stream; 0 = 64KiB
}

// ExitStatus is the terminal disposition of a reaped child.
type ExitStatus struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
}

// ExitCallback is invoked exactly once per Process, after both the child
// has been reaped and every wired stream has reached EOF (bounded by the
// EOF grace period).
type ExitCallback func(*Process, ExitStatus)

// Process is one supervised child. Stdin/Stdout/Stderr are nil for any
// stdio mode other than StdioPipe (and Stderr is always nil for a PTY
// spawn, whose stdout and stderr share the master).
type Process struct {
	sup  *Supervisor
	Pid  int
	Type Type

	Stdin  *eventcore.WritableStream
	Stdout *eventcore.ReadableStream
	Stderr *eventcore.ReadableStream

	onStdout func(eventcore.ReadResult)
	onStderr func(eventcore.ReadResult)

	cmd *exec.Cmd

	exitCB    ExitCallback
	exitFired bool
	status    ExitStatus
	reaped    bool

	stopped     bool
	stoppedTime time.Time
	killSent    bool

	openStreams int
	refcount    int
	released    bool

	eofTimer eventcore.TimerHandle
}

// Signal sends an arbitrary signal to the process. Exposed as a supplement
// to the TERM/KILL escalation path Stop drives internally.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return &eventcore.ProcessError{Message: "process: signal on unspawned process"}
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return &eventcore.ProcessError{Message: fmt.Sprintf("signal %v failed", sig), Cause: err}
	}
	return nil
}

// ExitStatus returns the reaped exit status; valid only after the exit
// callback has fired.
func (p *Process) ExitStatus() ExitStatus { return p.status }

// SetStdoutCallback installs the callback invoked for every stdout
// read-completion event, in addition to the supervisor's own internal
// EOF bookkeeping. Safe to call at any time, including after Spawn.
func (p *Process) SetStdoutCallback(cb func(eventcore.ReadResult)) { p.onStdout = cb }

// SetStderrCallback installs the callback invoked for every stderr
// read-completion event. For a PTY spawn, Stderr is nil and this is a
// no-op; stdout and stderr share the master.
func (p *Process) SetStderrCallback(cb func(eventcore.ReadResult)) { p.onStderr = cb }

func (p *Process) retain(n int)  { p.refcount += n }
func (p *Process) release(n int) {
	p.refcount -= n
	if p.refcount < 0 {
		panic(&eventcore.FatalError{Message: "process: refcount went negative"})
	}
	p.maybeRelease()
}

func (p *Process) maybeRelease() {
	if p.released || p.refcount != 0 || !p.exitFired {
		return
	}
	p.released = true
	p.sup.forget(p)
}

// streamFinished is called once per readable stream (stdout, stderr) on
// reaching EOF or a read error. Stdin carries no ref: it has no natural
// terminal signal short of the caller freeing it explicitly, so waiting
// on it would block release indefinitely on a long-lived child whose
// stdin the caller never closes.
func (p *Process) streamFinished() {
	p.openStreams--
	if p.openStreams == 0 && p.reaped {
		p.sup.finishExit(p)
	}
	p.release(1)
}

// Supervisor owns the set of processes spawned through it: the reaper
// goroutine that waits for any child to exit, and the repeating timer that
// escalates a stopped-but-not-yet-exited child from TERM to KILL.
type Supervisor struct {
	loop *eventcore.Loop
	cfg  *config

	// children is mutated only on the loop goroutine: Spawn, the reaped
	// and forget callbacks all run there (the reaper goroutine below never
	// touches it directly, only posts a callback through reapQueue).
	children map[int]*Process

	reapQueue  *eventcore.Queue
	waiterOnce sync.Once
	escalation *catrate.Limiter
	killTimer  eventcore.TimerHandle
	killArmed  bool
}

// New constructs a Supervisor bound to loop.
func New(l *eventcore.Loop, opts ...Option) *Supervisor {
	cfg := resolveConfig(opts)
	return &Supervisor{
		loop:       l,
		cfg:        cfg,
		children:   make(map[int]*Process),
		reapQueue:  l.FastQueue(),
		escalation: newEscalationLimiter(cfg.escalationLimit),
	}
}

// Queue is the loop's fast queue: reap completions and exit callbacks are
// posted there (alongside stream completions) so a plain PollEvents call
// always drains them, with no separate wiring required.
func (s *Supervisor) Queue() *eventcore.Queue { return s.reapQueue }

// Spawn starts a process and wires its stdio. argv[0] is the executable;
// Env/Dir default to the supervisor's own when zero-valued.
func (s *Supervisor) Spawn(spec Spec, exitCB ExitCallback) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, &eventcore.ProcessError{Message: "process: spawn with empty argv"}
	}
	readBufSize := spec.ReadBufSize
	if readBufSize <= 0 {
		readBufSize = 64 << 10
	}

	p := &Process{sup: s, Type: spec.Type, exitCB: exitCB}

	switch spec.Type {
	case PTY:
		if err := s.spawnPTY(p, spec, readBufSize); err != nil {
			return nil, err
		}
	default:
		if err := s.spawnGeneric(p, spec, readBufSize); err != nil {
			return nil, err
		}
	}

	p.retain(1) // the pid slot itself, released on reap
	s.children[p.Pid] = p
	s.startReaperOnce()
	return p, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil && f != os.Stdin && f != os.Stdout && f != os.Stderr {
			_ = f.Close()
		}
	}
}

func (s *Supervisor) spawnGeneric(p *Process, spec Spec, readBufSize int) error {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	applyEnvDir(cmd, spec)

	var stdinParent, stdoutParent, stderrParent *os.File
	var stdinChild, stdoutChild, stderrChild *os.File

	switch spec.Stdin {
	case StdioPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return &eventcore.ProcessError{Message: "process: stdin pipe failed", Cause: err}
		}
		stdinChild, stdinParent = r, w
		cmd.Stdin = r
	case StdioIgnore:
		cmd.Stdin = nil
	default:
		cmd.Stdin = os.Stdin
	}

	wirePipe := func(mode StdioMode, inherited *os.File) (child, parent *os.File, err error) {
		switch mode {
		case StdioPipe:
			r, w, err := os.Pipe()
			if err != nil {
				return nil, nil, err
			}
			return w, r, nil
		case StdioIgnore:
			return nil, nil, nil
		default:
			return inherited, nil, nil
		}
	}

	var err error
	stdoutChild, stdoutParent, err = wirePipe(spec.Stdout, os.Stdout)
	if err != nil {
		closeFiles(stdinChild, stdinParent)
		return &eventcore.ProcessError{Message: "process: stdout pipe failed", Cause: err}
	}
	cmd.Stdout = stdoutChild
	stderrChild, stderrParent, err = wirePipe(spec.Stderr, os.Stderr)
	if err != nil {
		closeFiles(stdinChild, stdinParent, stdoutChild, stdoutParent)
		return &eventcore.ProcessError{Message: "process: stderr pipe failed", Cause: err}
	}
	cmd.Stderr = stderrChild

	if err := cmd.Start(); err != nil {
		closeFiles(stdinChild, stdinParent, stdoutChild, stdoutParent, stderrChild, stderrParent)
		return &eventcore.ProcessError{Message: "process: spawn failed", Cause: err}
	}

	// Close the child-side fds in the parent: the child has its own
	// inherited copy, and closing ours is what lets the parent side see
	// EOF/EPIPE instead of holding the pipe open forever.
	closeFiles(stdinChild, stdoutChild, stderrChild)

	p.cmd = cmd
	p.Pid = cmd.Process.Pid

	// The child is already running past this point: a wrapHandle failure
	// can no longer be reported as "nothing happened", so it kills the
	// child, releases whatever streams were already wired (their Handles
	// now own their fds, so they're freed rather than closed directly),
	// and closes the still-unwrapped parent fds before returning.
	fail := func(herr error, unwrapped ...*os.File) error {
		_ = cmd.Process.Kill()
		if p.Stdin != nil {
			p.Stdin.Free()
		}
		if p.Stdout != nil {
			p.Stdout.Free()
		}
		if p.Stderr != nil {
			p.Stderr.Free()
		}
		closeFiles(unwrapped...)
		return herr
	}

	if stdinParent != nil {
		h, herr := wrapHandle(s.loop, stdinParent)
		if herr != nil {
			return fail(herr, stdinParent, stdoutParent, stderrParent)
		}
		p.Stdin = eventcore.NewWritableStream(s.loop, spec.WriteMax)
		p.Stdin.Bind(h)
	}
	if stdoutParent != nil {
		h, herr := wrapHandle(s.loop, stdoutParent)
		if herr != nil {
			return fail(herr, stdoutParent, stderrParent)
		}
		p.Stdout = newFinishingReadableStream(s.loop, p, readBufSize, h, func() func(eventcore.ReadResult) { return p.onStdout })
		p.openStreams++
		p.retain(1)
	}
	if stderrParent != nil {
		h, herr := wrapHandle(s.loop, stderrParent)
		if herr != nil {
			return fail(herr, stderrParent)
		}
		p.Stderr = newFinishingReadableStream(s.loop, p, readBufSize, h, func() func(eventcore.ReadResult) { return p.onStderr })
		p.openStreams++
		p.retain(1)
	}
	return nil
}

func (s *Supervisor) spawnPTY(p *Process, spec Spec, readBufSize int) error {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	applyEnvDir(cmd, spec)

	master, err := pty.Start(cmd)
	if err != nil {
		return &eventcore.ProcessError{Message: "process: pty spawn failed", Cause: err}
	}
	p.cmd = cmd
	p.Pid = cmd.Process.Pid

	h, herr := wrapHandle(s.loop, master)
	if herr != nil {
		// The child is already running: wrapHandle failing here can't be
		// reported as "nothing happened", so the child is killed and the
		// still-unwrapped master fd closed directly before returning.
		_ = cmd.Process.Kill()
		closeFiles(master)
		return herr
	}
	p.Stdin = eventcore.NewWritableStream(s.loop, spec.WriteMax)
	p.Stdin.Bind(h)

	p.Stdout = newFinishingReadableStream(s.loop, p, readBufSize, h, func() func(eventcore.ReadResult) { return p.onStdout })
	p.openStreams++
	p.retain(1)
	return nil
}

// wrapHandle extracts f's raw descriptor, forces non-blocking mode (Fd()
// always restores blocking mode first), and disables f's finalizer: the
// resulting Handle becomes sole owner of the descriptor and is responsible
// for closing it, so the os.File's own close path must never run.
func wrapHandle(l *eventcore.Loop, f *os.File) (eventcore.Handle, error) {
	fd := int(f.Fd())
	if err := eventcore.SetNonblocking(fd); err != nil {
		return nil, &eventcore.ProcessError{Message: "process: set nonblocking failed", Cause: err}
	}
	runtime.SetFinalizer(f, nil)
	return eventcore.NewPipeHandle(l, fd), nil
}

// newFinishingReadableStream wires a readable stream whose completion
// events both forward to whichever user callback getCB currently returns
// (set lazily via SetStdoutCallback/SetStderrCallback, possibly after
// this call) and drive the process's own EOF bookkeeping.
func newFinishingReadableStream(l *eventcore.Loop, p *Process, bufSize int, h eventcore.Handle, getCB func() func(eventcore.ReadResult)) *eventcore.ReadableStream {
	rb := eventcore.NewRingBuffer(bufSize)
	var rs *eventcore.ReadableStream
	rs = eventcore.NewReadableStream(l, rb, func(res eventcore.ReadResult) {
		if cb := getCB(); cb != nil {
			cb(res)
		}
		if res.EOF {
			p.streamFinished()
		}
	})
	rs.Bind(h)
	rs.Start()
	return rs
}

func applyEnvDir(cmd *exec.Cmd, spec Spec) {
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
}

// Stop requests graceful termination: stoppedTime is recorded and TERM is
// sent immediately; the supervisor's kill-check timer escalates to KILL
// once killGrace has elapsed without the child exiting.
func (s *Supervisor) Stop(p *Process) {
	if p.stopped {
		return
	}
	p.stopped = true
	p.stoppedTime = time.Now()
	_ = p.Signal(syscall.SIGTERM)
	s.armKillTimerOnce()
}

func (s *Supervisor) armKillTimerOnce() {
	if s.killArmed {
		return
	}
	s.killArmed = true
	s.killTimer = s.loop.ScheduleRepeating(s.cfg.killCheckPeriod, s.checkEscalation)
}

func (s *Supervisor) checkEscalation() {
	now := time.Now()
	for _, p := range s.children {
		if !p.stopped || p.reaped || p.killSent {
			continue
		}
		if now.Sub(p.stoppedTime) < s.cfg.killGrace {
			continue
		}
		p.killSent = true
		if _, allowed := s.escalation.Allow(p.Pid); allowed {
			s.cfg.logger.Warnf("process: pid %d did not exit within %v of TERM, escalating to KILL", p.Pid, s.cfg.killGrace)
		}
		_ = p.Signal(syscall.SIGKILL)
	}
}

// startReaperOnce lazily starts the dedicated goroutine that blocks in
// wait4 for any child, deferred until the first Spawn so a supervisor
// that never spawns anything never pays for an idle waiter.
func (s *Supervisor) startReaperOnce() {
	s.waiterOnce.Do(func() {
		go s.reapLoop()
	})
}

func (s *Supervisor) reapLoop() {
	for {
		var wstatus unix.WaitStatus
		pid, err := unix.Wait4(-1, &wstatus, 0, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				// No children currently being waited on; back off and
				// retry, since Spawn may add one concurrently.
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return
		}
		status := toExitStatus(wstatus)
		s.reapQueue.PushCallback(func([4]any) {
			s.onReaped(pid, status)
		}, [4]any{})
	}
}

func toExitStatus(ws unix.WaitStatus) ExitStatus {
	switch {
	case ws.Signaled():
		return ExitStatus{Signal: ws.Signal(), Signaled: true}
	default:
		return ExitStatus{Code: ws.ExitStatus()}
	}
}

func (s *Supervisor) onReaped(pid int, status ExitStatus) {
	p, ok := s.children[pid]
	if !ok {
		return
	}
	p.status = status
	p.reaped = true
	p.release(1) // the pid slot

	if p.openStreams == 0 {
		s.finishExit(p)
		return
	}
	p.eofTimer = s.loop.ScheduleOnce(s.cfg.eofGrace, func() { s.finishExit(p) })
}

func (s *Supervisor) finishExit(p *Process) {
	if p.exitFired {
		return
	}
	p.exitFired = true
	p.eofTimer.Cancel()
	if p.Stdin != nil {
		p.Stdin.Free()
	}
	if p.exitCB != nil {
		p.exitCB(p, p.status)
	}
	p.maybeRelease()
}

func (s *Supervisor) forget(p *Process) {
	delete(s.children, p.Pid)
}

// Teardown stops every remaining child (TERM, escalating to KILL per the
// configured grace) and polls the loop until all have exited and been
// released, or the teardown budget is exceeded, in which case the
// remainder is abandoned with an error log.
func (s *Supervisor) Teardown(ctx context.Context) error {
	for _, p := range s.children {
		if !p.stopped {
			s.Stop(p)
		}
	}

	deadline := time.Now().Add(s.cfg.teardownBudget)
	for {
		remaining := len(s.children)
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return s.abandon()
		default:
		}
		if time.Now().After(deadline) {
			return s.abandon()
		}
		if err := s.loop.PollEvents(50); err != nil {
			return err
		}
	}
}

func (s *Supervisor) abandon() error {
	for pid := range s.children {
		s.cfg.logger.Errorf("process: teardown budget exceeded, abandoning pid %d", pid)
	}
	if len(s.children) == 0 {
		return nil
	}
	return &eventcore.ProcessError{Message: "process: teardown budget exceeded with children still alive"}
}
