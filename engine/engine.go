// Package engine binds Terminal/Shell/Mode/FileIO/FileEdit/TaskStore/
// RepoMap/Tracker into the six tool operations from spec.md 6, per
// SPEC_FULL.md 4.9. engine.New mirrors wickserver.New's functional-options
// construction exactly (KumarDeepankar-wick_agent/wick_deep_agent/server/app.go):
// a struct of configuration fields defaulted in New, then overridden one
// Option at a time before anything starts.
package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"termagent/fileedit"
	"termagent/fileio"
	"termagent/mode"
	"termagent/repomap"
	"termagent/shell"
	"termagent/syntaxcheck"
	"termagent/taskstore"
	"termagent/terminal"
	"termagent/tracker"
)

// ErrKind names the structured error kinds Engine itself originates
// (component-specific kinds are returned as their own *component.Error).
type ErrKind string

const ErrForbidden ErrKind = "Forbidden"

// Error is a structured Engine-level failure.
type Error struct {
	Kind ErrKind
	Rule string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s: %s", e.Kind, e.Rule, e.Msg) }

// CodeWriterConfig mirrors spec.md 6's optional code_writer_config payload.
type CodeWriterConfig struct {
	AllowedGlobs    []string // ignored when AllowAllGlobs; nil/empty then allows no path
	AllowAllGlobs   bool
	AllowedCommands []string
	AllowAllCmds    bool
}

// Engine owns every component and dispatches the six tool operations.
type Engine struct {
	workspaceRoot string
	modeState     mode.Mode

	rows, cols      int
	freshnessWindow time.Duration
	pollQuantum     time.Duration
	readBudget      int
	taskStoreDir    string

	logger *log.Logger

	term      *terminal.Terminal
	sh        *shell.Shell
	ledger    *tracker.Ledger
	fio       *fileio.FileIO
	fed       *fileedit.Editor
	syn       *syntaxcheck.Checker
	tasks     *taskstore.Store
	repoBuild *repomap.Builder

	// seenPaths shadows every absolute path ReadFiles/WriteIfEmpty/FileEdit
	// has touched this session, so ContextSave can enumerate candidates
	// without Tracker needing to expose its internal map.
	seenPaths map[string]struct{}
}

// Option configures an Engine before construction completes.
type Option func(*Engine)

// WithWorkspaceRoot sets the initial workspace directory.
func WithWorkspaceRoot(path string) Option { return func(e *Engine) { e.workspaceRoot = path } }

// WithMode sets the initial policy mode.
func WithMode(m mode.Mode) Option { return func(e *Engine) { e.modeState = m } }

// WithGeometry sets the PTY/screen geometry.
func WithGeometry(rows, cols int) Option {
	return func(e *Engine) { e.rows, e.cols = rows, cols }
}

// WithFreshnessWindow overrides Shell's wait-heuristic freshness window.
func WithFreshnessWindow(d time.Duration) Option {
	return func(e *Engine) { e.freshnessWindow = d }
}

// WithPollQuantum overrides how often Shell samples the underlying Terminal.
func WithPollQuantum(d time.Duration) Option {
	return func(e *Engine) { e.pollQuantum = d }
}

// WithReadBudget overrides FileIO's default token budget.
func WithReadBudget(tokens int) Option { return func(e *Engine) { e.readBudget = tokens } }

// WithTaskStoreDir sets where TaskStore bundles/manifest live.
func WithTaskStoreDir(dir string) Option { return func(e *Engine) { e.taskStoreDir = dir } }

// WithLogger sets the structured startup/operation logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// New constructs an Engine. Components that need a live filesystem/PTY
// (Terminal, TaskStore) are created lazily by Initialize, matching the
// spec's data model where Workspace is "created by Initialize."
func New(opts ...Option) *Engine {
	e := &Engine{
		workspaceRoot:   ".",
		modeState:       mode.NewUnrestricted(),
		rows:            terminal.DefaultRows,
		cols:            terminal.DefaultCols,
		freshnessWindow: shell.DefaultConfig.FreshnessWindow,
		pollQuantum:     shell.DefaultConfig.PollQuantum,
		readBudget:      fileio.DefaultBudget,
		taskStoreDir:    ".termagent/tasks",
		logger:          log.New(os.Stderr, "termagent: ", log.LstdFlags),
		ledger:          tracker.New(),
		repoBuild:       repomap.New(),
		seenPaths:       make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// InitType mirrors spec.md 6's Initialize `type` enum.
type InitType string

const (
	FirstCall             InitType = "first_call"
	UserAskedModeChange    InitType = "user_asked_mode_change"
	ResetShell             InitType = "reset_shell"
	UserAskedChangeWorkspace InitType = "user_asked_change_workspace"
)

// InitializeArgs is the full Initialize argument bundle.
type InitializeArgs struct {
	Type               InitType
	AnyWorkspacePath   string
	InitialFilesToRead []string
	TaskIDToResume     string
	ModeName           mode.Name
	CodeWriterConfig   *CodeWriterConfig
}

// InitializeResult is returned to the caller.
type InitializeResult struct {
	WorkspacePath       string
	ModeSummary         string
	RepoMapText         string
	InitialFiles        []fileio.FileResult
	ResumedDescription  string
	Status              StatusInfo
}

// Initialize resolves the workspace, (re)builds RepoMap, seeds the
// ReadLedger, optionally resumes a task snapshot, and (for first_call /
// reset_shell, or when no Terminal exists yet) (re)starts the Terminal.
// user_asked_change_workspace keeps a running Terminal as it is.
func (e *Engine) Initialize(args InitializeArgs) (*InitializeResult, error) {
	workspace := args.AnyWorkspacePath
	extraFiles := append([]string{}, args.InitialFilesToRead...)
	if info, err := os.Stat(workspace); err == nil && !info.IsDir() {
		extraFiles = append(extraFiles, workspace)
		workspace = filepath.Dir(workspace)
	}
	if workspace == "" {
		workspace = e.workspaceRoot
	}

	e.workspaceRoot = workspace
	e.modeState = e.resolveMode(args.ModeName, args.CodeWriterConfig)
	e.ledger.Clear()
	e.seenPaths = make(map[string]struct{})

	needsTerminalRestart := args.Type == FirstCall || args.Type == ResetShell || e.term == nil
	if args.Type == ResetShell && e.term != nil {
		if err := e.term.Interrupt(); err != nil {
			e.logger.Printf("reset_shell: interrupt before restart failed: %v", err)
		}
	}
	if needsTerminalRestart {
		if e.term != nil {
			e.term.Stop()
		}
		e.term = terminal.New(e.rows, e.cols)
		if err := e.term.Start(workspace, nil); err != nil {
			return nil, fmt.Errorf("engine: start terminal: %w", err)
		}
		// Drain the sentinel printed after the PROMPT_COMMAND install so the
		// first command's poll does not mistake it for its own completion.
		if _, err := e.term.Poll(2 * time.Second); err != nil {
			return nil, fmt.Errorf("engine: start terminal: %w", err)
		}
		e.sh = shell.New(e.term, shell.Config{FreshnessWindow: e.freshnessWindow, PollQuantum: e.pollQuantum})
		e.sh.SeedPwd(workspace)
	}

	restrictToWorkspace := e.modeState.Name == mode.CodeWriter && !e.modeState.AllowedGlobs.All
	e.fio = fileio.New(e.ledger, e.readBudget, e.workspaceRoot, restrictToWorkspace)
	e.fed = fileedit.New(e.ledger)
	e.syn = syntaxcheck.New()

	if e.tasks == nil {
		store, err := taskstore.Open(e.taskStoreDir)
		if err != nil {
			return nil, fmt.Errorf("engine: open task store: %w", err)
		}
		e.tasks = store
	}

	var resumedDesc string
	if args.TaskIDToResume != "" {
		snap, err := e.tasks.Load(args.TaskIDToResume)
		if err != nil {
			return nil, err
		}
		e.workspaceRoot = snap.WorkspacePath
		resumedDesc = snap.Description
		for _, f := range snap.Files {
			e.ledger.Record(f.Path, []byte(f.Content), tracker.Range{Start: 1, End: 0})
			e.seenPaths[f.Path] = struct{}{}
		}
	}

	repoText, err := e.repoBuild.Build(e.workspaceRoot, e.readBudget)
	if err != nil {
		e.logger.Printf("repomap build failed: %v", err)
		repoText = ""
	}

	var initialResults []fileio.FileResult
	if len(extraFiles) > 0 {
		initialResults = e.fio.Read(extraFiles, "")
	}

	return &InitializeResult{
		WorkspacePath:      e.workspaceRoot,
		ModeSummary:        string(e.modeState.Name),
		RepoMapText:        repoText,
		InitialFiles:       initialResults,
		ResumedDescription: resumedDesc,
		Status:             e.currentStatus(),
	}, nil
}

func (e *Engine) resolveMode(name mode.Name, cfg *CodeWriterConfig) mode.Mode {
	switch name {
	case mode.Architect:
		return mode.NewArchitect()
	case mode.CodeWriter:
		globs := mode.AllowAll
		cmds := mode.AllowAllCommands
		if cfg != nil {
			if !cfg.AllowAllGlobs {
				globs = mode.Globs{Entries: cfg.AllowedGlobs}
			}
			if !cfg.AllowAllCmds {
				cmds = mode.Commands{Entries: cfg.AllowedCommands}
			}
		}
		return mode.NewCodeWriter(globs, cmds)
	default:
		return mode.NewUnrestricted()
	}
}

// BashAction is the tagged union from spec.md 6: exactly one field set.
type BashAction struct {
	Command      string
	StatusCheck  bool
	SendText     string
	SendSpecials []string
	SendAscii    []int
}

// BashCommand dispatches one BashAction through Mode then Shell.
func (e *Engine) BashCommand(action BashAction, waitFor time.Duration) (shell.Result, error) {
	if action.Command != "" {
		if d := e.modeState.CheckCommand(action.Command); !d.Allowed {
			return shell.Result{}, &Error{Kind: ErrForbidden, Rule: d.Rule, Msg: "command rejected by mode policy"}
		}
		return e.sh.Run(action.Command, waitFor)
	}
	if action.StatusCheck {
		return e.sh.StatusCheck(waitFor)
	}
	if action.SendText != "" {
		return e.sh.SendText(action.SendText, waitFor)
	}
	if len(action.SendSpecials) > 0 {
		return e.sh.SendSpecials(action.SendSpecials, waitFor)
	}
	if len(action.SendAscii) > 0 {
		return e.sh.SendAscii(action.SendAscii, waitFor)
	}
	return shell.Result{}, fmt.Errorf("engine: BashCommand requires exactly one action")
}

// ReadFiles performs a gated FileIO read (ReadFiles never mutates, so no
// Mode check is required — only mutating operations go through Mode).
func (e *Engine) ReadFiles(paths []string, showLineNumbersReason string) ([]fileio.FileResult, StatusInfo) {
	results := e.fio.Read(paths, showLineNumbersReason)
	for _, r := range results {
		if r.Err == nil {
			e.seenPaths[r.Path] = struct{}{}
		}
	}
	return results, e.currentStatus()
}

// WriteIfEmpty dispatches a WriteIfEmpty call through Mode then FileIO.
func (e *Engine) WriteIfEmpty(path, content string) (*fileio.WriteResult, StatusInfo, error) {
	if d := e.modeState.CheckWrite(path); !d.Allowed {
		return nil, e.currentStatus(), &Error{Kind: ErrForbidden, Rule: d.Rule, Msg: "write rejected by mode policy"}
	}
	res, err := e.fio.WriteIfEmpty(path, content)
	if err == nil {
		e.seenPaths[path] = struct{}{}
	}
	return res, e.currentStatus(), err
}

// FileEdit dispatches a FileEdit call through Mode then the Editor.
func (e *Engine) FileEdit(path, searchReplaceBlocks string) (*fileedit.Result, StatusInfo, error) {
	if d := e.modeState.CheckWrite(path); !d.Allowed {
		return nil, e.currentStatus(), &Error{Kind: ErrForbidden, Rule: d.Rule, Msg: "edit rejected by mode policy"}
	}
	res, err := e.fed.Apply(path, searchReplaceBlocks)
	if err == nil {
		e.seenPaths[path] = struct{}{}
	}
	return res, e.currentStatus(), err
}

// ContextSaveArgs is the ContextSave argument bundle.
type ContextSaveArgs struct {
	ID                string
	ProjectRootPath   string
	Description       string
	RelevantFileGlobs []string
}

// ContextSave gathers every ledger-tracked file matching the given globs
// (or every tracked file, if globs is empty) and persists a TaskSnapshot.
func (e *Engine) ContextSave(args ContextSaveArgs) (*taskstore.Snapshot, StatusInfo, error) {
	var files []taskstore.File
	for path := range e.trackedPaths() {
		if len(args.RelevantFileGlobs) > 0 && !matchesAny(args.RelevantFileGlobs, path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		files = append(files, taskstore.File{Path: path, Content: string(data)})
	}

	snap := taskstore.Snapshot{
		ID:            args.ID,
		WorkspacePath: args.ProjectRootPath,
		Description:   args.Description,
		Files:         files,
	}
	if err := e.tasks.Save(snap); err != nil {
		return nil, e.currentStatus(), err
	}
	return &snap, e.currentStatus(), nil
}

// ListTasks enumerates the task snapshots available to resume, letting a
// caller discover a valid task_id_to_resume without inspecting the task
// store directory directly.
func (e *Engine) ListTasks() ([]taskstore.SnapshotMeta, error) {
	if e.tasks == nil {
		return nil, fmt.Errorf("engine: ListTasks requires a prior Initialize")
	}
	return e.tasks.List()
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// trackedPaths enumerates every path ContextSave may consider bundling.
// Tracker itself exposes no iteration over its map (kept narrow per
// SPEC_FULL.md), so Engine keeps this shadow set in step with every
// ReadFiles/WriteIfEmpty/FileEdit call instead.
func (e *Engine) trackedPaths() map[string]struct{} {
	return e.seenPaths
}

// StatusInfo is the "cwd + shell status" trailer every tool result carries,
// per the data model's invariant 4 — not only bash results. Engine attaches
// one to every operation's result from e.currentStatus(), reporting the
// shell's state as last observed, independent of what the operation itself
// touched.
type StatusInfo struct {
	Pwd      string
	Running  bool
	ExitCode int
}

// currentStatus reads the shell's last-observed cwd/running/exit-code
// without polling the terminal, so attaching it to a ReadFiles/WriteIfEmpty/
// FileEdit/ContextSave/Initialize result never interferes with a pending
// bash command.
func (e *Engine) currentStatus() StatusInfo {
	if e.sh == nil {
		return StatusInfo{}
	}
	pwd, running, exitCode := e.sh.Snapshot()
	return StatusInfo{Pwd: pwd, Running: running, ExitCode: exitCode}
}

// StatusSuffix renders a StatusInfo as the trailing text form every tool
// result's rendered output ends with, per the data model's invariant 4.
func StatusSuffix(cwd string, running bool, exitCode int) string {
	if running {
		return fmt.Sprintf("\n[cwd: %s] [status: running]", cwd)
	}
	return fmt.Sprintf("\n[cwd: %s] [status: exited %d]", cwd, exitCode)
}
