package sidecar

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

// Supervisor keeps one named process alive. It restarts the process after
// RestartDelay whenever it exits without Stop having been called.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	mu           sync.Mutex
	proc         *process
	shuttingDown bool
	restartTimer *time.Timer
	handlers     []func(protocol.Envelope)
	starts       int

	dedupMu sync.Mutex
	recent  map[string]time.Time
}

type process struct {
	cmd     *exec.Cmd
	out     chan []byte
	done    chan struct{} // closed once the direct child has been reaped
	drained chan struct{} // closed once stdout and stderr hit EOF
}

// NewSupervisor creates a supervisor. Nothing is spawned until Start.
func NewSupervisor(opts Options, log zerolog.Logger) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts:   opts,
		log:    log.With().Str("sidecar", opts.Name).Logger(),
		recent: make(map[string]time.Time),
	}
}

// Name returns the sidecar name.
func (s *Supervisor) Name() string {
	return s.opts.Name
}

// OnMessage registers a handler for decoded envelopes. Handlers run on the
// stdout reader goroutine in stream order and must not block for long.
func (s *Supervisor) OnMessage(fn func(protocol.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Running reports whether a process is attached.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Pid returns the attached process id, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Starts reports how many processes have been spawned.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// SetArgs replaces the script arguments used by the next spawn.
func (s *Supervisor) SetArgs(args ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Args = args
}

// Start spawns the process unless one is already attached. It clears a
// previous shutdown so the restart policy applies again.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = false
	return s.startLocked(false)
}

func (s *Supervisor) startLocked(restart bool) error {
	if s.proc != nil {
		return nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}

	interp, err := ResolveInterpreter(s.opts.Interpreters, s.opts.Root)
	if err != nil {
		return fmt.Errorf("start %s: %w", s.opts.Name, err)
	}

	args := s.opts.Args
	if s.opts.Script != "" {
		args = append([]string{s.opts.Script}, args...)
	}
	cmd := exec.Command(interp, args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	setProcessGroup(cmd)

	// Own pipes instead of StdoutPipe: Wait must not close the read ends
	// while buffered lines are still being decoded.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("start %s: stdout pipe: %w", s.opts.Name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("start %s: stderr pipe: %w", s.opts.Name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdin io.WriteCloser
	if s.opts.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return fmt.Errorf("start %s: stdin pipe: %w", s.opts.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start %s (%s): %w", s.opts.Name, interp, err)
	}
	closeAll(stdoutW, stderrW)

	p := &process{
		cmd:     cmd,
		out:     make(chan []byte, s.opts.QueueSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	s.proc = p
	s.starts++

	s.log.Info().
		Int("pid", cmd.Process.Pid).
		Str("interpreter", interp).
		Str("script", s.opts.Script).
		Bool("restart", restart).
		Msg("Sidecar started")
	if s.opts.Hooks.Started != nil {
		s.opts.Hooks.Started(s.opts.Name, restart)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(stdoutR)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderrR)
	}()
	go func() {
		readers.Wait()
		close(p.drained)
	}()
	if stdin != nil {
		go s.writeLoop(p, stdin)
	}
	go s.wait(p)
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	close(p.done)

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	shutdown := s.shuttingDown
	if !shutdown {
		s.scheduleRestartLocked()
	}
	s.mu.Unlock()

	ev := s.log.Info()
	if !shutdown {
		ev = s.log.Warn()
	}
	ev.Err(err).Int("pid", p.cmd.Process.Pid).Bool("expected", shutdown).Msg("Sidecar exited")
	if s.opts.Hooks.Exited != nil {
		s.opts.Hooks.Exited(s.opts.Name, err)
	}
}

func (s *Supervisor) scheduleRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.log.Info().Dur("delay", s.opts.RestartDelay).Msg("Restarting sidecar after backoff")
	s.restartTimer = time.AfterFunc(s.opts.RestartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restartTimer = nil
		if s.shuttingDown || s.proc != nil {
			return
		}
		if err := s.startLocked(true); err != nil {
			s.log.Error().Err(err).Msg("Sidecar restart failed")
			s.scheduleRestartLocked()
		}
	})
}

// Stop suppresses the restart policy and kills the process tree. It returns
// once the direct child is reaped and its output drained, or after
// StopTimeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.shuttingDown = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	p := s.proc
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	pid := p.cmd.Process.Pid
	s.log.Info().Int("pid", pid).Msg("Stopping sidecar")
	if err := killTree(pid); err != nil {
		s.log.Warn().Err(err).Int("pid", pid).Msg("Kill process tree failed")
	}

	timeout := time.NewTimer(s.opts.StopTimeout)
	defer timeout.Stop()
	for _, ch := range []chan struct{}{p.done, p.drained} {
		select {
		case <-ch:
		case <-timeout.C:
			return fmt.Errorf("stop %s: pid %d did not exit within %s", s.opts.Name, pid, s.opts.StopTimeout)
		}
	}
	return nil
}

// Send queues one envelope for the process's stdin. It never blocks.
func (s *Supervisor) Send(typ string, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || !s.opts.Stdin {
		return ErrNotRunning
	}

	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	select {
	case p.out <- line:
		return nil
	default:
		s.log.Warn().Str("type", typ).Msg("Sidecar input queue full, dropping message")
		return ErrBackpressure
	}
}

func (s *Supervisor) writeLoop(p *process, stdin io.WriteCloser) {
	for {
		select {
		case line := <-p.out:
			if _, err := stdin.Write(line); err != nil {
				s.log.Debug().Err(err).Msg("Sidecar stdin closed")
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Supervisor) readStdout(r *os.File) {
	defer r.Close()
	err := protocol.ReadLines(r, func(l protocol.Line) {
		if !l.IsMessage {
			s.noise("stdout", l.Text)
			return
		}
		s.mu.Lock()
		handlers := make([]func(protocol.Envelope), len(s.handlers))
		copy(handlers, s.handlers)
		s.mu.Unlock()
		for _, h := range handlers {
			h(l.Envelope)
		}
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Sidecar stdout closed")
	}
}

func (s *Supervisor) readStderr(r *os.File) {
	defer r.Close()
	// Stderr is diagnostics only, even when a line happens to be JSON.
	err := protocol.ReadLines(r, func(l protocol.Line) {
		text := l.Text
		if l.IsMessage {
			raw, _ := protocol.Encode(l.Envelope)
			text = string(raw[:len(raw)-1])
		}
		s.noise("stderr", text)
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Sidecar stderr closed")
	}
}

func (s *Supervisor) noise(stream, line string) {
	if s.duplicate(line) {
		return
	}
	level := s.opts.Classify(line)
	s.log.WithLevel(level).Str("stream", stream).Msg(line)
	if s.opts.Hooks.Noise != nil {
		s.opts.Hooks.Noise(s.opts.Name, level)
	}
}

func (s *Supervisor) duplicate(line string) bool {
	if s.opts.DedupWindow <= 0 {
		return false
	}
	now := time.Now()

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if seen, ok := s.recent[line]; ok && now.Sub(seen) < s.opts.DedupWindow {
		return true
	}
	s.recent[line] = now
	if len(s.recent) > 512 {
		for k, t := range s.recent {
			if now.Sub(t) >= s.opts.DedupWindow {
				delete(s.recent, k)
			}
		}
	}
	return false
}
