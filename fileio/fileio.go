// Package fileio implements token-budgeted chunked reads and gated
// write-if-empty, grounded on the teacher's wickfs.LocalFS (atomic
// temp-file-then-rename writes, parent directory creation) generalized to
// SPEC_FULL.md 4.3's contract: range syntax, per-batch token budgeting, and
// ReadLedger bookkeeping that LocalFS never needed because wickfs has no
// read-before-write barrier.
package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"termagent/syntaxcheck"
	"termagent/tokenizer"
	"termagent/tracker"
)

// ErrKind names the structured error kinds FileIO can produce.
type ErrKind string

const (
	ErrBadRange         ErrKind = "BadRange"
	ErrFileExists       ErrKind = "FileExists"
	ErrEscapesWorkspace ErrKind = "EscapesWorkspace"
)

// Error is a structured FileIO failure.
type Error struct {
	Kind ErrKind
	Path string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Msg) }

// DefaultBudget is the default per-batch token budget for ReadFiles.
const DefaultBudget = 8000

// FileIO reads and writes workspace files under a shared ReadLedger.
type FileIO struct {
	ledger        *tracker.Ledger
	tok           *tokenizer.Counter
	syntax        *syntaxcheck.Checker
	Budget        int
	workspaceRoot string
	restrict      bool // true only when code_writer mode with restricted globs is active
}

// New creates a FileIO bound to ledger. budget <= 0 uses DefaultBudget.
// workspaceRoot anchors relative paths and is the boundary ResolveWorkspacePath
// enforces when restrict is true (per spec.md 4.3: code_writer mode with
// restricted globs refuses paths that escape the workspace; every other mode
// allows them).
func New(ledger *tracker.Ledger, budget int, workspaceRoot string, restrict bool) *FileIO {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &FileIO{
		ledger:        ledger,
		tok:           tokenizer.New(),
		syntax:        syntaxcheck.New(),
		Budget:        budget,
		workspaceRoot: workspaceRoot,
		restrict:      restrict,
	}
}

// FileResult is the outcome of reading a single path.
type FileResult struct {
	Path            string
	Content         string // the returned (possibly chunked) text, with line numbers if requested
	ShownRange      tracker.Range
	AdvertisedMore  []tracker.Range // remaining chunks not returned, advertised by range only
	Err             error
}

// Read resolves and reads each of paths, respecting a line range suffix of
// the form ":start-end", ":start-", or ":-end" if present, chunking to fit
// within fio.Budget tokens across the whole batch.
func (fio *FileIO) Read(paths []string, showLineNumbersReason string) []FileResult {
	specs := make([]readSpec, 0, len(paths))
	for _, p := range paths {
		specs = append(specs, parseReadSpec(p))
	}

	// First pass: read full file bodies, split into lines, and compute how
	// many tokens the whole batch would cost if returned in full.
	type loaded struct {
		spec  readSpec
		lines []string
		err   error
	}
	all := make([]loaded, len(specs))
	totalTokens := 0
	for i, spec := range specs {
		resolved, err := ResolveWorkspacePath(fio.workspaceRoot, spec.path, fio.restrict)
		if err != nil {
			all[i] = loaded{spec: spec, err: &Error{Kind: ErrEscapesWorkspace, Path: spec.path, Msg: err.Error()}}
			continue
		}
		spec.path = resolved

		data, err := os.ReadFile(spec.path)
		if err != nil {
			all[i] = loaded{spec: spec, err: err}
			continue
		}
		lines := splitLines(string(data))
		all[i] = loaded{spec: spec, lines: lines}
		totalTokens += fio.tok.Count(string(data))
	}

	results := make([]FileResult, len(specs))
	overBudget := totalTokens > fio.Budget
	for i, l := range all {
		if l.err != nil {
			results[i] = FileResult{Path: l.spec.path, Err: l.err}
			continue
		}
		results[i] = fio.readOne(l.spec, l.lines, overBudget, len(specs), showLineNumbersReason)
	}
	return results
}

func (fio *FileIO) readOne(spec readSpec, lines []string, overBudget bool, batchSize int, lineNumReason string) FileResult {
	start, end := spec.start, spec.end
	if start == 0 {
		start = 1
	}
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines)+1 || start < 1 || (spec.hasRange && start > end) {
		return FileResult{Path: spec.path, Err: &Error{Kind: ErrBadRange, Path: spec.path, Msg: "invalid line range"}}
	}

	selected := lines[start-1 : end]
	var advertised []tracker.Range

	if overBudget {
		// Chunk per-file so the first chunk of each file fits a fair share
		// of the batch budget; later chunks are advertised, not returned.
		perFile := fio.Budget / maxInt(batchSize, 1)
		fitted := selected
		for fio.tok.Count(strings.Join(fitted, "\n")) > perFile && len(fitted) > 1 {
			fitted = fitted[:len(fitted)/2]
		}
		if len(fitted) < len(selected) {
			advertised = append(advertised, tracker.Range{Start: start + len(fitted), End: end})
			selected = fitted
			end = start + len(fitted) - 1
		}
	}

	content := selected
	if lineNumReason != "" {
		content = addLineNumbers(selected, start)
	}
	text := strings.Join(content, "\n")

	full := strings.Join(lines, "\n")
	fio.ledger.Record(spec.path, []byte(full), tracker.Range{Start: start, End: end})

	return FileResult{
		Path:           spec.path,
		Content:        text,
		ShownRange:     tracker.Range{Start: start, End: end},
		AdvertisedMore: advertised,
	}
}

func addLineNumbers(lines []string, startLine int) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%d| %s", startLine+i, l)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func splitLines(s string) []string {
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

// readSpec is a parsed "path[:range]" argument.
type readSpec struct {
	path     string
	start    int
	end      int
	hasRange bool
}

// parseReadSpec splits "path:start-end" / "path:start-" / "path:-end" forms.
func parseReadSpec(raw string) readSpec {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return readSpec{path: raw}
	}
	path := raw[:idx]
	rangePart := raw[idx+1:]
	if rangePart == "" {
		return readSpec{path: raw}
	}
	dash := strings.Index(rangePart, "-")
	if dash < 0 {
		n, err := strconv.Atoi(rangePart)
		if err != nil {
			return readSpec{path: raw}
		}
		return readSpec{path: path, start: n, end: n, hasRange: true}
	}
	startStr, endStr := rangePart[:dash], rangePart[dash+1:]
	start, _ := strconv.Atoi(startStr)
	end, _ := strconv.Atoi(endStr)
	return readSpec{path: path, start: start, end: end, hasRange: true}
}

// WriteResult is the outcome of WriteIfEmpty.
type WriteResult struct {
	Path        string
	Diagnostics []syntaxcheck.Diagnostic
}

// WriteIfEmpty creates path with content if it does not already exist, or
// exists but is empty. Parent directories are created as needed. The new
// content is always recorded into the ledger (so a follow-up FileEdit on
// the freshly written file succeeds without a separate read), and a syntax
// check is run against it.
func (fio *FileIO) WriteIfEmpty(path, content string) (*WriteResult, error) {
	resolved, err := ResolveWorkspacePath(fio.workspaceRoot, path, fio.restrict)
	if err != nil {
		return nil, &Error{Kind: ErrEscapesWorkspace, Path: path, Msg: err.Error()}
	}
	path = resolved

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil, &Error{Kind: ErrFileExists, Path: path, Msg: "file exists and is non-empty"}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := AtomicWrite(path, []byte(content)); err != nil {
		return nil, err
	}

	fio.ledger.Record(path, []byte(content), tracker.Range{Start: 1, End: 0})
	diags := fio.syntax.Check(path, []byte(content))
	return &WriteResult{Path: path, Diagnostics: diags}, nil
}

// AtomicWrite writes data to path via a temp file in the same directory
// followed by rename, mirroring wickfs.LocalFS.WriteFile's crash-safety.
// Exported so fileedit can reuse the same write path after applying blocks.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".termagent-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o666); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// ResolveWorkspacePath resolves path to an absolute, symlink-resolved form
// and — when restrict is true (active code_writer mode with restricted
// globs, per SPEC_FULL.md 4.3) — refuses paths that escape workspaceRoot.
func ResolveWorkspacePath(workspaceRoot, path string, restrict bool) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if restrict {
		rel, err := filepath.Rel(workspaceRoot, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %q escapes workspace %q", path, workspaceRoot)
		}
	}
	return abs, nil
}
