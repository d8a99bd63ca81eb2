package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"termagent/fileedit"
	"termagent/fileio"
	"termagent/mode"
)

func newTestEngine(t *testing.T, workspace string, modeName mode.Name, cfg *CodeWriterConfig) *Engine {
	t.Helper()
	os.Setenv("SHELL", "/bin/sh")
	e := New(
		WithWorkspaceRoot(workspace),
		WithGeometry(24, 80),
		WithFreshnessWindow(300*time.Millisecond),
		WithTaskStoreDir(filepath.Join(workspace, ".tasks")),
	)
	t.Cleanup(func() {
		if e.term != nil {
			e.term.Stop()
		}
	})
	_, err := e.Initialize(InitializeArgs{
		Type:             FirstCall,
		AnyWorkspacePath: workspace,
		ModeName:         modeName,
		CodeWriterConfig: cfg,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return e
}

// S1/S2: a file written this session may be edited without an extra read
// (WriteIfEmpty itself records the ledger entry); a file never read or
// written is refused with NotRead.
func TestEngine_GatedEditAllowedAfterWrite(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "main.go")
	if _, _, err := e.WriteIfEmpty(path, "package main\n\nfunc main() {}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	blocks := "<<<<<<< SEARCH\nfunc main() {}\n=======\nfunc main() { println(\"hi\") }\n>>>>>>> REPLACE\n"
	res, _, err := e.FileEdit(path, blocks)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(res.AppliedBlocks) != 1 {
		t.Fatalf("expected one applied block, got %+v", res.AppliedBlocks)
	}
}

func TestEngine_UnreadFileRefusesEdit(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "other.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	blocks := "<<<<<<< SEARCH\npackage main\n=======\npackage other\n>>>>>>> REPLACE\n"
	_, _, err := e.FileEdit(path, blocks)
	fe, ok := err.(*fileedit.Error)
	if !ok || fe.Kind != fileedit.ErrNotRead {
		t.Fatalf("expected fileedit.ErrNotRead, got %v", err)
	}

	// Once read, the same edit succeeds.
	e.ReadFiles([]string{path}, "")
	if _, _, err := e.FileEdit(path, blocks); err != nil {
		t.Fatalf("expected edit to succeed after read, got %v", err)
	}
}

func TestEngine_ArchitectDeniesWrite(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Architect, nil)

	_, _, err := e.WriteIfEmpty(filepath.Join(ws, "new.go"), "package main\n")
	ee, ok := err.(*Error)
	if !ok || ee.Kind != ErrForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestEngine_ArchitectDeniesMutatingCommand(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Architect, nil)

	_, err := e.BashCommand(BashAction{Command: "touch foo.txt"}, time.Second)
	ee, ok := err.(*Error)
	if !ok || ee.Kind != ErrForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}

	// Read-only inspection commands are still allowed.
	res, err := e.BashCommand(BashAction{Command: "pwd"}, 5*time.Second)
	if err != nil {
		t.Fatalf("expected pwd to be allowed, got %v", err)
	}
	if res.Running {
		t.Fatal("expected pwd to complete quickly")
	}
}

func TestEngine_CodeWriterDeniesOutsideGlob(t *testing.T) {
	ws := t.TempDir()
	cfg := &CodeWriterConfig{AllowedGlobs: []string{"*.go"}}
	e := newTestEngine(t, ws, mode.CodeWriter, cfg)

	_, _, err := e.WriteIfEmpty(filepath.Join(ws, "notes.txt"), "hello\n")
	ee, ok := err.(*Error)
	if !ok || ee.Kind != ErrForbidden {
		t.Fatalf("expected Forbidden for non-matching glob, got %v", err)
	}

	if _, _, err := e.WriteIfEmpty(filepath.Join(ws, "main.go"), "package main\n"); err != nil {
		t.Fatalf("expected .go write to be allowed, got %v", err)
	}
}

// Fuzzy match: a SEARCH block with different indentation still matches
// uniquely and reports an indentation warning.
func TestEngine_FuzzyMatchReportsIndentWarning(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "indented.go")
	content := "package main\n\nfunc run() {\n\t\tif true {\n\t\t\tdoStuff()\n\t\t}\n}\n"
	if _, _, err := e.WriteIfEmpty(path, content); err != nil {
		t.Fatalf("write: %v", err)
	}

	blocks := "<<<<<<< SEARCH\nif true {\ndoStuff()\n}\n=======\nif true {\ndoOtherStuff()\n}\n>>>>>>> REPLACE\n"
	res, _, err := e.FileEdit(path, blocks)
	if err != nil {
		t.Fatalf("expected fuzzy match to succeed, got %v", err)
	}
	if len(res.IndentWarning) == 0 {
		t.Fatal("expected an indentation warning for the reindented match")
	}
}

func TestEngine_StreamingCommandReportsRunning(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	res, err := e.BashCommand(BashAction{Command: "sleep 2; echo finished"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Running {
		t.Fatal("expected still running within a short wait")
	}

	res, err = e.BashCommand(BashAction{StatusCheck: true}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Running {
		t.Fatal("expected command to have completed")
	}
	if !strings.Contains(res.Output, "finished") {
		t.Fatalf("expected streamed output to surface, got %q", res.Output)
	}
}

// Interrupt via reset_shell: a stuck command is abandoned by reinitializing
// with ResetShell, after which the shell accepts new commands.
func TestEngine_ResetShellRecoversStuckCommand(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	if _, err := e.BashCommand(BashAction{Command: "sleep 30"}, 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := e.Initialize(InitializeArgs{
		Type:             ResetShell,
		AnyWorkspacePath: ws,
		ModeName:         mode.Unrestricted,
	}); err != nil {
		t.Fatalf("reset_shell initialize: %v", err)
	}

	res, err := e.BashCommand(BashAction{Command: "echo back"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if !strings.Contains(res.Output, "back") {
		t.Fatalf("expected shell to be responsive after reset, got %q", res.Output)
	}
}

func TestEngine_ContextSaveAndResume(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "keep.go")
	if _, _, err := e.WriteIfEmpty(path, "package main\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, _, err := e.ContextSave(ContextSaveArgs{
		ID:              "resume-1",
		ProjectRootPath: ws,
		Description:     "checkpoint",
	})
	if err != nil {
		t.Fatalf("context save: %v", err)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != path {
		t.Fatalf("expected one tracked file in snapshot, got %+v", snap.Files)
	}

	// A fresh engine resuming the task should be able to edit the file
	// without reading it again, since resume seeds the ledger.
	e2 := New(
		WithWorkspaceRoot(ws),
		WithGeometry(24, 80),
		WithFreshnessWindow(300*time.Millisecond),
		WithTaskStoreDir(filepath.Join(ws, ".tasks")),
	)
	t.Cleanup(func() {
		if e2.term != nil {
			e2.term.Stop()
		}
	})
	res, err := e2.Initialize(InitializeArgs{
		Type:             FirstCall,
		AnyWorkspacePath: ws,
		TaskIDToResume:   "resume-1",
		ModeName:         mode.Unrestricted,
	})
	if err != nil {
		t.Fatalf("resume initialize: %v", err)
	}
	if res.ResumedDescription != "checkpoint" {
		t.Fatalf("expected resumed description, got %q", res.ResumedDescription)
	}

	blocks := "<<<<<<< SEARCH\npackage main\n=======\npackage main2\n>>>>>>> REPLACE\n"
	if _, _, err := e2.FileEdit(path, blocks); err != nil {
		t.Fatalf("expected resumed ledger to permit edit without re-read, got %v", err)
	}
}

func TestEngine_ReadFilesRecordsSeenPaths(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "a.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	results, _ := e.ReadFiles([]string{path}, "")
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected read result: %+v", results)
	}
	if _, ok := e.seenPaths[path]; !ok {
		t.Fatal("expected seenPaths to record the read file")
	}
}

func TestEngine_InitializeBuildsRepoMapAndReadsInitialFiles(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "README.md"), []byte("# Title\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	extra := filepath.Join(ws, "extra.txt")
	if err := os.WriteFile(extra, []byte("extra content\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	os.Setenv("SHELL", "/bin/sh")
	e := New(
		WithWorkspaceRoot(ws),
		WithGeometry(24, 80),
		WithTaskStoreDir(filepath.Join(ws, ".tasks")),
	)
	t.Cleanup(func() {
		if e.term != nil {
			e.term.Stop()
		}
	})
	res, err := e.Initialize(InitializeArgs{
		Type:               FirstCall,
		AnyWorkspacePath:    ws,
		InitialFilesToRead:  []string{extra},
		ModeName:            mode.Unrestricted,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !strings.Contains(res.RepoMapText, "README.md") {
		t.Fatalf("expected repo map to mention README.md, got %q", res.RepoMapText)
	}
	if len(res.InitialFiles) != 1 || !strings.Contains(res.InitialFiles[0].Content, "extra content") {
		t.Fatalf("expected initial file to be read, got %+v", res.InitialFiles)
	}
}

func TestEngine_WriteIfEmptyRefusesNonEmptyFile(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "occupied.txt")
	if err := os.WriteFile(path, []byte("already here\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, _, err := e.WriteIfEmpty(path, "new content\n")
	fe, ok := err.(*fileio.Error)
	if !ok || fe.Kind != fileio.ErrFileExists {
		t.Fatalf("expected fileio.ErrFileExists, got %v", err)
	}
}

// Invariant 4: every tool result ends with the current cwd and shell
// status as observed after the operation, not just bash ones.
func TestEngine_NonBashResultsCarryStatus(t *testing.T) {
	ws := t.TempDir()
	e := newTestEngine(t, ws, mode.Unrestricted, nil)

	path := filepath.Join(ws, "status.go")
	_, writeStatus, err := e.WriteIfEmpty(path, "package main\n")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if writeStatus.Pwd != ws {
		t.Fatalf("expected WriteIfEmpty status to report workspace cwd %q, got %q", ws, writeStatus.Pwd)
	}
	if writeStatus.Running {
		t.Fatal("expected idle shell status on a fresh engine")
	}

	_, readStatus := e.ReadFiles([]string{path}, "")
	if readStatus.Pwd != ws {
		t.Fatalf("expected ReadFiles status to report workspace cwd %q, got %q", ws, readStatus.Pwd)
	}

	blocks := "<<<<<<< SEARCH\npackage main\n=======\npackage main2\n>>>>>>> REPLACE\n"
	_, editStatus, err := e.FileEdit(path, blocks)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if editStatus.Pwd != ws {
		t.Fatalf("expected FileEdit status to report workspace cwd %q, got %q", ws, editStatus.Pwd)
	}

	_, saveStatus, err := e.ContextSave(ContextSaveArgs{ID: "status-check", ProjectRootPath: ws, Description: "d"})
	if err != nil {
		t.Fatalf("context save: %v", err)
	}
	if saveStatus.Pwd != ws {
		t.Fatalf("expected ContextSave status to report workspace cwd %q, got %q", ws, saveStatus.Pwd)
	}
}

func TestEngine_StatusSuffixFormatsRunningAndExited(t *testing.T) {
	running := StatusSuffix("/w", true, 0)
	if !strings.Contains(running, "status: running") {
		t.Fatalf("expected running suffix, got %q", running)
	}
	exited := StatusSuffix("/w", false, 1)
	if !strings.Contains(exited, "status: exited 1") {
		t.Fatalf("expected exited suffix, got %q", exited)
	}
}
