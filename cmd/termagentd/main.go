// Command termagentd is a debug REPL for exercising an Engine by hand,
// grounded on cutoken-cando's internal/agent.Agent.Run prompt loop (go-prompt
// executor + key bindings, glamour rendering gated on an interactive
// terminal) and jaivial-cli-agent's cobra root command for flag parsing.
// It is a development harness, not the production wiring for SPEC_FULL.md's
// six tool operations — those live in package engine.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"termagent/engine"
	"termagent/mode"
	"termagent/shell"
)

var replCommands = []prompt.Suggest{
	{Text: "init", Description: "(re)initialize the engine against a workspace"},
	{Text: "bash", Description: "run a shell command: bash <command...>"},
	{Text: "status", Description: "check on a running command without sending input"},
	{Text: "read", Description: "read one or more files: read <path[:start-end]>..."},
	{Text: "write", Description: "write a new file: write <path>, then paste content, end with a lone '.'"},
	{Text: "edit", Description: "apply SEARCH/REPLACE blocks: edit <path>, then paste blocks, end with a lone '.'"},
	{Text: "save", Description: "save a task snapshot: save <id> <description...>"},
	{Text: "tasks", Description: "list saved task snapshots available to resume"},
	{Text: "help", Description: "show this text"},
	{Text: "exit", Description: "quit"},
	{Text: "quit", Description: "quit"},
}

type repl struct {
	eng       *engine.Engine
	workspace string
	render    *glamour.TermRenderer
	stdin     *bufio.Reader
}

func main() {
	var (
		configPath string
		workspace  string
		modeName   string
	)

	root := &cobra.Command{
		Use:   "termagentd",
		Short: "debug REPL for the termagent Engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := buildOptions(configPath, workspace, modeName)
			if err != nil {
				return err
			}
			eng := engine.New(opts...)

			if workspace == "" {
				workspace, _ = os.Getwd()
			}
			if _, err := eng.Initialize(engine.InitializeArgs{
				Type:             engine.FirstCall,
				AnyWorkspacePath: workspace,
				ModeName:         mode.Name(modeName),
			}); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}

			r := &repl{eng: eng, workspace: workspace, stdin: bufio.NewReader(os.Stdin)}
			if term.IsTerminal(int(os.Stdout.Fd())) {
				if rnd, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0)); err == nil {
					r.render = rnd
				}
			}
			r.run()
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a termagent.yaml config file")
	root.Flags().StringVar(&workspace, "workspace", "", "workspace directory (defaults to the current directory)")
	root.Flags().StringVar(&modeName, "mode", string(mode.Unrestricted), "starting mode: unrestricted|architect|code_writer")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termagentd:", err)
		os.Exit(1)
	}
}

func buildOptions(configPath, workspace, modeName string) ([]engine.Option, error) {
	if configPath != "" {
		cfg, err := engine.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		opts := cfg.Options()
		if workspace != "" {
			opts = append(opts, engine.WithWorkspaceRoot(workspace))
		}
		return opts, nil
	}
	var opts []engine.Option
	if workspace != "" {
		opts = append(opts, engine.WithWorkspaceRoot(workspace))
	}
	opts = append(opts, engine.WithMode(modeForName(modeName)))
	return opts, nil
}

func modeForName(name string) mode.Mode {
	switch mode.Name(name) {
	case mode.Architect:
		return mode.NewArchitect()
	case mode.CodeWriter:
		return mode.NewCodeWriter(mode.AllowAll, mode.AllowAllCommands)
	default:
		return mode.NewUnrestricted()
	}
}

func (r *repl) run() {
	executor := func(in string) {
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		if r.dispatch(line) {
			os.Exit(0)
		}
	}

	p := prompt.New(
		executor,
		r.completer,
		prompt.OptionTitle("termagentd"),
		prompt.OptionPrefix("termagentd> "),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlD,
			Fn: func(buf *prompt.Buffer) {
				if buf.Text() == "" {
					os.Exit(0)
				}
			},
		}),
	)
	p.Run()
}

func (r *repl) completer(doc prompt.Document) []prompt.Suggest {
	word := doc.GetWordBeforeCursor()
	return prompt.FilterHasPrefix(replCommands, word, true)
}

// dispatch runs one REPL line and reports whether the REPL should exit.
func (r *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		r.printHelp()
	case "init":
		r.handleInit(rest)
	case "bash":
		r.handleBash(strings.TrimSpace(strings.TrimPrefix(line, cmd)))
	case "status":
		r.handleStatus()
	case "read":
		r.handleRead(rest)
	case "write":
		r.handleWrite(rest)
	case "edit":
		r.handleEdit(rest)
	case "save":
		r.handleSave(rest)
	case "tasks":
		r.handleTasks()
	default:
		fmt.Printf("unknown command %q; type 'help' for a list\n", cmd)
	}
	return false
}

func (r *repl) printHelp() {
	for _, s := range replCommands {
		fmt.Printf("  %-8s %s\n", s.Text, s.Description)
	}
}

func (r *repl) handleInit(args []string) {
	workspace := r.workspace
	if len(args) > 0 {
		workspace = args[0]
	}
	res, err := r.eng.Initialize(engine.InitializeArgs{
		Type:             engine.UserAskedChangeWorkspace,
		AnyWorkspacePath: workspace,
		ModeName:         mode.Unrestricted,
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	r.workspace = res.WorkspacePath
	fmt.Printf("workspace: %s\nmode: %s\n", res.WorkspacePath, res.ModeSummary)
	r.renderText(res.RepoMapText)
	r.printStatus(res.Status)
}

func (r *repl) handleBash(command string) {
	if command == "" {
		fmt.Println("usage: bash <command...>")
		return
	}
	res, err := r.eng.BashCommand(engine.BashAction{Command: command}, 10*time.Second)
	r.printBashResult(res, err)
}

func (r *repl) handleStatus() {
	res, err := r.eng.BashCommand(engine.BashAction{StatusCheck: true}, 5*time.Second)
	r.printBashResult(res, err)
}

func (r *repl) printBashResult(res shell.Result, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	r.renderText(res.Output)
	fmt.Println(engine.StatusSuffix(res.Pwd, res.Running, res.ExitCode))
}

// printStatus renders the trailing "cwd + shell status" every tool result
// carries, per spec.md's data model invariant 4 — including the
// non-bash operations, whose Status field Engine attaches independently
// of whatever the operation itself touched.
func (r *repl) printStatus(s engine.StatusInfo) {
	fmt.Println(engine.StatusSuffix(s.Pwd, s.Running, s.ExitCode))
}

func (r *repl) handleRead(paths []string) {
	if len(paths) == 0 {
		fmt.Println("usage: read <path[:start-end]>...")
		return
	}
	results, status := r.eng.ReadFiles(paths, "")
	for _, fr := range results {
		if fr.Err != nil {
			fmt.Printf("--- %s: error: %v\n", fr.Path, fr.Err)
			continue
		}
		fmt.Printf("--- %s (lines %d-%d) ---\n", fr.Path, fr.ShownRange.Start, fr.ShownRange.End)
		r.renderText(fr.Content)
	}
	r.printStatus(status)
}

func (r *repl) handleWrite(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: write <path>, then paste content, end with a lone '.'")
		return
	}
	content := r.readUntilDot()
	res, status, err := r.eng.WriteIfEmpty(args[0], content)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("wrote %s (%d diagnostics)\n", res.Path, len(res.Diagnostics))
	for _, d := range res.Diagnostics {
		fmt.Printf("  line %d: %s\n", d.Line, d.Message)
	}
	r.printStatus(status)
}

func (r *repl) handleEdit(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: edit <path>, then paste SEARCH/REPLACE blocks, end with a lone '.'")
		return
	}
	blocks := r.readUntilDot()
	res, status, err := r.eng.FileEdit(args[0], blocks)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("applied %d block(s)\n", len(res.AppliedBlocks))
	for _, w := range res.IndentWarning {
		fmt.Println("warning:", w)
	}
	for _, d := range res.Diagnostics {
		fmt.Printf("  line %d: %s\n", d.Line, d.Message)
	}
	r.printStatus(status)
}

func (r *repl) handleSave(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: save <id> <description...>")
		return
	}
	id := args[0]
	description := strings.Join(args[1:], " ")
	snap, status, err := r.eng.ContextSave(engine.ContextSaveArgs{
		ID:              id,
		ProjectRootPath: r.workspace,
		Description:     description,
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("saved task %q with %d file(s)\n", snap.ID, len(snap.Files))
	r.printStatus(status)
}

func (r *repl) handleTasks() {
	metas, err := r.eng.ListTasks()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if len(metas) == 0 {
		fmt.Println("no saved task snapshots")
		return
	}
	for _, m := range metas {
		fmt.Printf("  %-20s %s  %s  (%s)\n", m.ID, m.SavedAt.Format(time.RFC3339), m.WorkspacePath, m.Description)
	}
}

// readUntilDot reads raw stdin lines (bypassing the prompt's line editor,
// since go-prompt's executor only hands back one line at a time) until a
// line containing only "." is seen.
func (r *repl) readUntilDot() string {
	var sb strings.Builder
	for {
		line, err := r.stdin.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		sb.WriteString(trimmed)
		sb.WriteString("\n")
		if err != nil {
			break
		}
	}
	return sb.String()
}

func (r *repl) renderText(text string) {
	if text == "" {
		return
	}
	if r.render != nil {
		if out, err := r.render.Render("```\n" + text + "\n```"); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Println(text)
}
