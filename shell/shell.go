// Package shell implements the one-in-flight command state machine
// described in SPEC_FULL.md 4.2, wrapping a termagent/terminal.Terminal.
// The wait heuristic (deadline + freshness window + streaming detection)
// resolves Open Question (a) from spec.md 9 by exposing both knobs as
// shell.Config fields instead of hardcoding them — see DESIGN.md.
package shell

import (
	"fmt"
	"strings"
	"time"

	"termagent/terminal"
)

// ErrKind names the structured error kinds Shell can produce.
type ErrKind string

const (
	ErrBusy        ErrKind = "Busy"
	ErrShellDead   ErrKind = "ShellDead"
	ErrMultiline   ErrKind = "MultilineCommand"
)

// Error is a structured Shell failure.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// Config tunes the wait heuristic.
type Config struct {
	// FreshnessWindow: when the caller's wait budget runs out without the
	// sentinel appearing, output seen within this window marks the command
	// as still streaming ("still running, output streaming") rather than
	// quiet ("still running").
	FreshnessWindow time.Duration
	// PollQuantum: how often the underlying Terminal is sampled.
	PollQuantum time.Duration
}

// DefaultConfig matches the empirically-tuned values implementers are
// directed to expose (spec.md 9, Open Question a).
var DefaultConfig = Config{
	FreshnessWindow: 2 * time.Second,
	PollQuantum:     100 * time.Millisecond,
}

// pendingCommand mirrors spec.md 3's PendingCommand record.
type pendingCommand struct {
	command    string
	startedAt  time.Time
	lastOutput time.Time
}

// Shell is the command state machine owning at most one PendingCommand.
type Shell struct {
	term    *terminal.Terminal
	cfg     Config
	pending *pendingCommand

	// lastPwd/lastExitCode mirror the most recently observed cwd/exit code,
	// so Snapshot can report "cwd + status as observed after the operation"
	// (spec.md's data model invariant 4) without polling the terminal again.
	lastPwd      string
	lastExitCode int
}

// New creates a Shell bound to term. cfg's zero value falls back to
// DefaultConfig.
func New(term *terminal.Terminal, cfg Config) *Shell {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultConfig.FreshnessWindow
	}
	if cfg.PollQuantum <= 0 {
		cfg.PollQuantum = DefaultConfig.PollQuantum
	}
	return &Shell{term: term, cfg: cfg}
}

// Result is returned by every Shell operation.
type Result struct {
	Output   string
	Status   string // "exited <n>", "still running" or "still running, output streaming"
	ExitCode int
	Pwd      string
	Running  bool
}

// Busy reports whether a command is currently pending.
func (s *Shell) Busy() bool { return s.pending != nil }

// Snapshot reports the cwd/running/exit-code triple as last observed,
// without polling the terminal or otherwise interfering with a pending
// command. Every Engine operation — not only bash ones — appends this to
// its result, per spec.md's data model invariant 4.
func (s *Shell) Snapshot() (pwd string, running bool, exitCode int) {
	return s.lastPwd, s.pending != nil, s.lastExitCode
}

// SeedPwd sets the cwd Snapshot reports before any command has run, e.g.
// right after Terminal.Start/Restart.
func (s *Shell) SeedPwd(pwd string) { s.lastPwd = pwd }

// Run starts command if the shell is idle. Multiline command text is
// rejected — interactive multi-line input must go through SendText instead,
// mirroring the source's refusal to treat a literal newline as "press
// enter mid-way."
func (s *Shell) Run(command string, waitFor time.Duration) (Result, error) {
	if s.pending != nil {
		return Result{}, &Error{Kind: ErrBusy, Msg: "a command is already running"}
	}
	if strings.Contains(command, "\n") {
		return Result{}, &Error{Kind: ErrMultiline, Msg: "command must be single-line; use SendText for multi-line interaction"}
	}

	s.pending = &pendingCommand{command: command, startedAt: time.Now(), lastOutput: time.Now()}
	if err := s.term.SendText(command + "\r"); err != nil {
		s.pending = nil
		return Result{}, translateTerminalErr(err)
	}
	return s.wait(waitFor)
}

// StatusCheck re-polls the terminal for a pending (or just-finished)
// command without sending any new input. With no command pending it
// reports the last observed exit status and cwd without polling.
func (s *Shell) StatusCheck(waitFor time.Duration) (Result, error) {
	if s.pending == nil {
		return Result{Status: fmt.Sprintf("exited %d", s.lastExitCode), ExitCode: s.lastExitCode, Pwd: s.lastPwd}, nil
	}
	return s.wait(waitFor)
}

// SendText forwards literal bytes to the terminal (e.g. answering an
// interactive prompt) and then waits using the same heuristic as Run.
func (s *Shell) SendText(text string, waitFor time.Duration) (Result, error) {
	if err := s.term.SendText(text); err != nil {
		return Result{}, translateTerminalErr(err)
	}
	if s.pending == nil {
		s.pending = &pendingCommand{command: "<send_text>", startedAt: time.Now(), lastOutput: time.Now()}
	}
	return s.wait(waitFor)
}

// SendSpecials forwards symbolic keys (Enter, arrows, Ctrl-c, Ctrl-d).
func (s *Shell) SendSpecials(keys []string, waitFor time.Duration) (Result, error) {
	if err := s.term.SendSpecials(keys); err != nil {
		return Result{}, translateTerminalErr(err)
	}
	if s.pending == nil {
		s.pending = &pendingCommand{command: "<send_specials>", startedAt: time.Now(), lastOutput: time.Now()}
	}
	return s.wait(waitFor)
}

// SendAscii forwards raw byte codes.
func (s *Shell) SendAscii(codes []int, waitFor time.Duration) (Result, error) {
	if err := s.term.SendAscii(codes); err != nil {
		return Result{}, translateTerminalErr(err)
	}
	if s.pending == nil {
		s.pending = &pendingCommand{command: "<send_ascii>", startedAt: time.Now(), lastOutput: time.Now()}
	}
	return s.wait(waitFor)
}

// Interrupt sends Ctrl-c (twice if needed) via the terminal and clears
// pending state on success.
func (s *Shell) Interrupt() error {
	if err := s.term.Interrupt(); err != nil {
		return translateTerminalErr(err)
	}
	s.pending = nil
	return nil
}

// Reset tears down and restarts the underlying terminal (the escape hatch
// for a stuck command) and clears pending state unconditionally.
func (s *Shell) Reset(cwd string, env []string) error {
	s.pending = nil
	return s.term.Restart(cwd, env)
}

// wait implements the deadline + freshness-window + streaming-detection
// heuristic: it samples the terminal every PollQuantum until the sentinel
// appears or maxWait runs out. On the deadline the command is reported as
// "still running", or as "still running, output streaming" when output
// arrived within the last FreshnessWindow.
func (s *Shell) wait(maxWait time.Duration) (Result, error) {
	deadline := time.Now().Add(maxWait)
	var lastOutputAt time.Time
	var output strings.Builder

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res := s.stillRunning(output.String())
			if !lastOutputAt.IsZero() && time.Since(lastOutputAt) <= s.cfg.FreshnessWindow {
				res.Status = "still running, output streaming"
			}
			return res, nil
		}
		step := s.cfg.PollQuantum
		if step > remaining {
			step = remaining
		}

		res, err := s.term.Poll(step)
		if err != nil {
			return Result{}, translateTerminalErr(err)
		}
		if res.Delta != "" {
			output.WriteString(res.Delta)
			lastOutputAt = time.Now()
		}
		if res.Idle {
			s.pending = nil
			s.lastPwd = res.Pwd
			s.lastExitCode = res.ExitCode
			return Result{
				Output:   output.String(),
				Status:   fmt.Sprintf("exited %d", res.ExitCode),
				ExitCode: res.ExitCode,
				Pwd:      res.Pwd,
			}, nil
		}
	}
}

func (s *Shell) stillRunning(output string) Result {
	return Result{Output: output, Status: "still running", Running: true}
}

func translateTerminalErr(err error) error {
	if err == terminal.ErrDead {
		return &Error{Kind: ErrShellDead, Msg: "shell process terminated unexpectedly"}
	}
	if err == terminal.ErrStillRunning {
		return &Error{Kind: ErrBusy, Msg: "interrupt did not settle the shell"}
	}
	return err
}
