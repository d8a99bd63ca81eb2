package terminal

import (
	"os"
	"strings"
	"testing"
	"time"
)

func startTestTerminal(t *testing.T) *Terminal {
	t.Helper()
	os.Setenv("SHELL", "/bin/sh")
	term := New(24, 80)
	if err := term.Start(t.TempDir(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(term.Stop)
	// Drain the initial PROMPT_COMMAND install prompt before issuing commands.
	if _, err := term.Poll(2 * time.Second); err != nil {
		t.Fatalf("initial poll: %v", err)
	}
	return term
}

func TestTerminal_RunsCommandAndReportsIdle(t *testing.T) {
	term := startTestTerminal(t)

	if err := term.SendText("echo hello-from-test\r"); err != nil {
		t.Fatalf("send: %v", err)
	}

	res, err := term.Poll(5 * time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Idle {
		t.Fatal("expected idle after a fast command")
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Delta, "hello-from-test") {
		t.Fatalf("expected command output in delta, got %q", res.Delta)
	}
}

func TestTerminal_SentinelLineIsStripped(t *testing.T) {
	term := startTestTerminal(t)

	if err := term.SendText("echo marker\r"); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := term.Poll(5 * time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if strings.Contains(res.Delta, "__WCGW_END__") {
		t.Fatalf("sentinel line leaked into delta: %q", res.Delta)
	}
}

func TestTerminal_ExitCodeNonZero(t *testing.T) {
	term := startTestTerminal(t)

	if err := term.SendText("false\r"); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := term.Poll(5 * time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected a non-zero exit code from `false`")
	}
}

func TestTerminal_StillRunningWithinShortWait(t *testing.T) {
	term := startTestTerminal(t)

	if err := term.SendText("sleep 2; echo done\r"); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := term.Poll(200 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Idle {
		t.Fatal("expected still-running within a short poll window")
	}

	res, err = term.Poll(5 * time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Idle {
		t.Fatal("expected idle eventually")
	}
}

func TestTerminal_InterruptStopsRunningCommand(t *testing.T) {
	term := startTestTerminal(t)

	if err := term.SendText("sleep 30\r"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := term.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
}

func TestTerminal_DeadAfterStop(t *testing.T) {
	term := startTestTerminal(t)
	term.Stop()

	if !term.Dead() {
		t.Fatal("expected Dead() true after Stop")
	}
	if err := term.SendText("echo x\r"); err != ErrDead {
		t.Fatalf("expected ErrDead, got %v", err)
	}
}

func TestTerminal_Geometry(t *testing.T) {
	term := startTestTerminal(t)
	if err := term.Geometry(30, 100); err != nil {
		t.Fatalf("geometry: %v", err)
	}
	if term.rows != 30 || term.cols != 100 {
		t.Fatalf("expected geometry applied, got rows=%d cols=%d", term.rows, term.cols)
	}
}

func TestTerminal_RestartRecoversFromDead(t *testing.T) {
	term := startTestTerminal(t)
	term.Stop()
	if err := term.Restart(t.TempDir(), nil); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if term.Dead() {
		t.Fatal("expected restart to clear dead state")
	}
	if err := term.SendText("echo alive\r"); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
}
