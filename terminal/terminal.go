// Package terminal owns a single PTY-backed child shell process and a
// virtual screen, per SPEC_FULL.md 4.1. PTY lifecycle (StartWithSize,
// Setsize, signal-then-wait teardown) is grounded on other_examples/
// musher-dev-mush's startPTY/closePTY pair, generalized from "run Claude
// Code interactively" to "run the user's login shell behind a sentinel
// protocol." google/uuid generates the per-start sentinel nonce, and
// golang.org/x/term reads the host's own terminal size (when attached to
// one) to pick a friendlier default geometry than the spec's fallback.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// Default geometry per spec.md 4.1 ("default 160x500").
const (
	DefaultCols = 160
	DefaultRows = 500
)

// ErrDead is returned by every operation once the child process has exited.
var ErrDead = fmt.Errorf("terminal: shell process is dead")

// ErrStillRunning is returned by Interrupt when the shell does not settle
// within its fixed interrupt budget.
var ErrStillRunning = fmt.Errorf("terminal: still running after interrupt")

const interruptBudget = 2 * time.Second
const pollQuantum = 20 * time.Millisecond

var specialKeys = map[string]string{
	"Enter":      "\r",
	"Key-up":     "\x1b[A",
	"Key-down":   "\x1b[B",
	"Key-left":   "\x1b[D",
	"Key-right":  "\x1b[C",
	"Ctrl-c":     "\x03",
	"Ctrl-d":     "\x04",
}

// Terminal owns a PTY pair, the child shell, and the screen it renders to.
type Terminal struct {
	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd

	screen     *Screen
	rows, cols int

	nonce      string
	sentinelRE *regexp.Regexp

	dead        bool
	lastLines   []string // rendered lines already returned by the last Poll
}

// New creates a Terminal with the given geometry. rows or cols <= 0 uses
// the spec's default, after trying the host's own terminal size once.
func New(rows, cols int) *Terminal {
	if rows <= 0 || cols <= 0 {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
			if cols <= 0 {
				cols = w
			}
			if rows <= 0 {
				rows = h
			}
		}
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	nonce := uuid.NewString()
	return &Terminal{
		screen:     NewScreen(rows, cols),
		rows:       rows,
		cols:       cols,
		nonce:      nonce,
		sentinelRE: regexp.MustCompile(`__WCGW_END__` + regexp.QuoteMeta(nonce) + `__(-?\d+)__(.*)__`),
	}
}

// Start forks the child shell (preferring $SHELL, falling back to sh),
// cwd and env are applied, and a PROMPT_COMMAND is installed so every
// subsequent prompt ends with this Terminal's unique sentinel line.
// PROMPT_COMMAND is a bash feature: a shell that ignores it (dash, for
// one) never prints the sentinel, so Poll never reports Idle under it.
func (t *Terminal) Start(cwd string, env []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	shellBin := os.Getenv("SHELL")
	if shellBin == "" {
		shellBin = "/bin/sh"
	}
	cmd := exec.Command(shellBin)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(t.rows), //nolint:gosec // geometry is caller-bounded
		Cols: uint16(t.cols), //nolint:gosec
	})
	if err != nil {
		return fmt.Errorf("terminal: start pty: %w", err)
	}

	t.ptmx = ptmx
	t.cmd = cmd
	t.dead = false
	t.screen = NewScreen(t.rows, t.cols)
	t.lastLines = nil

	go t.readLoop(ptmx)

	promptCmd := fmt.Sprintf("export PROMPT_COMMAND='echo \"__WCGW_END__%s__$?__$(pwd)__\"'\r", t.nonce)
	if _, err := ptmx.WriteString(promptCmd); err != nil {
		return fmt.Errorf("terminal: install sentinel: %w", err)
	}
	return nil
}

// readLoop drains the PTY master into the screen. This is the one
// dedicated background reader the concurrency model (SPEC_FULL.md 5)
// permits; it never competes with a tool-call handler because Poll only
// reads screen state under the same mutex, never writes it.
func (t *Terminal) readLoop(ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.screen.Feed(buf[:n])
			t.mu.Unlock()
		}
		if err != nil {
			t.mu.Lock()
			if t.ptmx == ptmx { // ignore stale readers from a prior Start
				t.dead = true
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *Terminal) checkAlive() error {
	if t.dead || t.ptmx == nil {
		return ErrDead
	}
	return nil
}

// SendText writes literal bytes to the PTY master verbatim; no newline is
// appended.
func (t *Terminal) SendText(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAlive(); err != nil {
		return err
	}
	_, err := t.ptmx.WriteString(s)
	return err
}

// SendSpecials maps symbolic key names to their byte sequences and writes
// them in order.
func (t *Terminal) SendSpecials(keys []string) error {
	var sb strings.Builder
	for _, k := range keys {
		seq, ok := specialKeys[k]
		if !ok {
			return fmt.Errorf("terminal: unknown special key %q", k)
		}
		sb.WriteString(seq)
	}
	return t.SendText(sb.String())
}

// SendAscii writes raw byte codes.
func (t *Terminal) SendAscii(codes []int) error {
	b := make([]byte, len(codes))
	for i, c := range codes {
		b[i] = byte(c)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAlive(); err != nil {
		return err
	}
	_, err := t.ptmx.Write(b)
	return err
}

// PollResult is the outcome of one Poll call.
type PollResult struct {
	Delta    string // newly rendered text since the last poll, sentinel lines stripped
	Idle     bool   // the sentinel line was observed (command complete)
	ExitCode int    // valid only when Idle
	Pwd      string // valid only when Idle
}

// Poll waits up to maxWait for the sentinel to appear, sampling the screen
// every pollQuantum, and returns whatever new text has rendered regardless
// of whether idle was reached.
func (t *Terminal) Poll(maxWait time.Duration) (PollResult, error) {
	deadline := time.Now().Add(maxWait)
	var deltas []string
	for {
		res, err := t.sample()
		if err != nil {
			return PollResult{}, err
		}
		if res.Delta != "" {
			deltas = append(deltas, res.Delta)
		}
		if res.Idle || time.Now().After(deadline) {
			res.Delta = strings.Join(deltas, "\n")
			return res, nil
		}
		time.Sleep(pollQuantum)
	}
}

func (t *Terminal) sample() (PollResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAlive(); err != nil {
		return PollResult{}, err
	}

	rendered := t.screen.Render()
	lines := strings.Split(rendered, "\n")

	diffFrom := 0
	for diffFrom < len(t.lastLines) && diffFrom < len(lines) && t.lastLines[diffFrom] == lines[diffFrom] {
		diffFrom++
	}
	newLines := lines[diffFrom:]
	t.lastLines = lines

	idle := false
	exitCode := 0
	pwd := ""
	var kept []string
	for _, l := range newLines {
		if m := t.sentinelRE.FindStringSubmatch(l); m != nil {
			idle = true
			exitCode, _ = strconv.Atoi(m[1])
			pwd = m[2]
			continue // strip sentinel line from returned text
		}
		kept = append(kept, l)
	}

	return PollResult{Delta: strings.Join(kept, "\n"), Idle: idle, ExitCode: exitCode, Pwd: pwd}, nil
}

// Interrupt sends Ctrl-c and waits up to interruptBudget for idle,
// retrying once before giving up.
func (t *Terminal) Interrupt() error {
	if err := t.SendAscii([]int{0x03}); err != nil {
		return err
	}
	res, err := t.Poll(interruptBudget)
	if err != nil {
		return err
	}
	if res.Idle {
		return nil
	}
	if err := t.SendAscii([]int{0x03}); err != nil {
		return err
	}
	res, err = t.Poll(interruptBudget)
	if err != nil {
		return err
	}
	if !res.Idle {
		return ErrStillRunning
	}
	return nil
}

// Geometry resizes the PTY and the virtual screen atomically.
func (t *Terminal) Geometry(rows, cols int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAlive(); err != nil {
		return err
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil { //nolint:gosec
		return fmt.Errorf("terminal: resize: %w", err)
	}
	t.screen.Resize(rows, cols)
	t.rows, t.cols = rows, cols
	return nil
}

// Dead reports whether the child process has terminated.
func (t *Terminal) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Stop sends SIGTERM, waits briefly, then SIGKILL — mirroring
// musher-dev-mush's closePTY escalation — and idempotently marks the
// Terminal dead.
func (t *Terminal) Stop() {
	t.mu.Lock()
	ptmx := t.ptmx
	cmd := t.cmd
	t.ptmx = nil
	t.dead = true
	t.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(500 * time.Millisecond):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		<-waitCh
	}
}

// Restart tears down the current child (if any) and starts a fresh one
// with the same geometry and sentinel nonce, used by Shell's reset_shell.
func (t *Terminal) Restart(cwd string, env []string) error {
	t.Stop()
	return t.Start(cwd, env)
}
