package fileio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"termagent/tracker"
)

func TestRead_Simple(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("line1\nline2\nline3"), 0o644)

	ledger := tracker.New()
	fio := New(ledger, DefaultBudget, dir, false)
	results := fio.Read([]string{path}, "")
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected result: %+v", results)
	}
	if results[0].Content != "line1\nline2\nline3" {
		t.Fatalf("unexpected content: %q", results[0].Content)
	}
	if !ledger.WriteEligible(path, []byte("line1\nline2\nline3")) {
		t.Fatal("expected read to register write-eligibility")
	}
}

func TestRead_LineRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("a\nb\nc\nd\ne"), 0o644)

	fio := New(tracker.New(), DefaultBudget, dir, false)
	results := fio.Read([]string{path + ":2-3"}, "")
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if results[0].Content != "b\nc" {
		t.Fatalf("unexpected content: %q", results[0].Content)
	}
}

func TestRead_BadRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("a\nb\nc"), 0o644)

	fio := New(tracker.New(), DefaultBudget, dir, false)
	results := fio.Read([]string{path + ":10-20"}, "")
	if results[0].Err == nil {
		t.Fatal("expected BadRange error")
	}
}

func TestRead_LineNumbers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("a\nb"), 0o644)

	fio := New(tracker.New(), DefaultBudget, dir, false)
	results := fio.Read([]string{path}, "debugging reference")
	if !strings.Contains(results[0].Content, "1| a") {
		t.Fatalf("expected line-numbered output, got %q", results[0].Content)
	}
}

func TestRead_BudgetChunking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	var sb strings.Builder
	for i := 0; i < 1000; i++ {
		sb.WriteString("this is a reasonably long line of filler text\n")
	}
	os.WriteFile(path, []byte(sb.String()), 0o644)

	fio := New(tracker.New(), 50, dir, false) // tiny budget forces chunking
	results := fio.Read([]string{path}, "")
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if len(results[0].AdvertisedMore) == 0 {
		t.Fatal("expected remaining chunks to be advertised under a tight budget")
	}
}

func TestWriteIfEmpty_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.go")
	fio := New(tracker.New(), DefaultBudget, dir, false)
	res, err := fio.WriteIfEmpty(path, "package main\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "package main\n" {
		t.Fatalf("unexpected content: %q", data)
	}
	_ = res
}

func TestWriteIfEmpty_RefusesNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.txt")
	os.WriteFile(path, []byte("already here"), 0o644)

	fio := New(tracker.New(), DefaultBudget, dir, false)
	_, err := fio.WriteIfEmpty(path, "new content")
	se, ok := err.(*Error)
	if !ok || se.Kind != ErrFileExists {
		t.Fatalf("expected FileExists, got %v", err)
	}
}

func TestWriteIfEmpty_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sub", "file.txt")
	fio := New(tracker.New(), DefaultBudget, dir, false)
	if _, err := fio.WriteIfEmpty(path, "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestResolveWorkspacePath_EscapeDeniedWhenRestricted(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveWorkspacePath(root, "../../etc/passwd", true)
	if err == nil {
		t.Fatal("expected escape to be denied when restricted")
	}
}

func TestResolveWorkspacePath_EscapeAllowedWhenUnrestricted(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveWorkspacePath(root, "../outside.txt", false)
	if err != nil {
		t.Fatalf("expected escape to be allowed when unrestricted, got %v", err)
	}
}

func TestRead_RefusesEscapeWhenRestricted(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside-read.txt")
	os.WriteFile(outside, []byte("secret"), 0o644)
	defer os.Remove(outside)

	fio := New(tracker.New(), DefaultBudget, root, true)
	results := fio.Read([]string{"../outside-read.txt"}, "")
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected escape to be refused under restrict, got %+v", results)
	}
	se, ok := results[0].Err.(*Error)
	if !ok || se.Kind != ErrEscapesWorkspace {
		t.Fatalf("expected EscapesWorkspace, got %v", results[0].Err)
	}
}

func TestWriteIfEmpty_RefusesEscapeWhenRestricted(t *testing.T) {
	root := t.TempDir()
	fio := New(tracker.New(), DefaultBudget, root, true)
	_, err := fio.WriteIfEmpty("../escaped.txt", "x")
	se, ok := err.(*Error)
	if !ok || se.Kind != ErrEscapesWorkspace {
		t.Fatalf("expected EscapesWorkspace, got %v", err)
	}
}
