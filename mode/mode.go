// Package mode implements the policy gate described in SPEC_FULL.md 4.7: a
// pure function from (mode, operation, path|command) to allow/deny. It never
// touches the filesystem or the shell itself — every other component calls
// it before mutating anything, per the data model's invariant 3.
package mode

import (
	"path/filepath"
	"strings"
)

// Name identifies one of the three mode families.
type Name string

const (
	Unrestricted Name = "unrestricted" // wcgw
	Architect    Name = "architect"
	CodeWriter   Name = "code_writer"
)

// Globs is either the "all" sentinel or an explicit allowlist.
type Globs struct {
	All     bool
	Entries []string
}

// AllowAll is the "all" sentinel glob set.
var AllowAll = Globs{All: true}

// Commands is either the "all" sentinel or an explicit allowlist of
// first-token command names.
type Commands struct {
	All     bool
	Entries []string
}

// AllowAllCommands is the "all" sentinel command set.
var AllowAllCommands = Commands{All: true}

// Mode is the resolved policy for a workspace.
type Mode struct {
	Name          Name
	AllowedGlobs  Globs // code_writer only
	AllowedCmds   Commands
}

// NewUnrestricted returns the wcgw-style mode: everything allowed.
func NewUnrestricted() Mode {
	return Mode{Name: Unrestricted, AllowedGlobs: AllowAll, AllowedCmds: AllowAllCommands}
}

// NewArchitect returns the read-only mode.
func NewArchitect() Mode {
	return Mode{Name: Architect}
}

// NewCodeWriter returns a code_writer mode scoped to globs/commands.
func NewCodeWriter(globs Globs, cmds Commands) Mode {
	return Mode{Name: CodeWriter, AllowedGlobs: globs, AllowedCmds: cmds}
}

// readOnlyAllowlist is the fixed set of first tokens considered read-only
// inspection commands in architect mode: common inspection tools. Any
// other first token is denied.
var readOnlyAllowlist = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true,
	"more": true, "pwd": true, "echo": true, "find": true, "grep": true,
	"rg": true, "ag": true, "wc": true, "diff": true, "file": true,
	"stat": true, "tree": true, "which": true, "whereis": true,
	"env": true, "printenv": true, "date": true, "whoami": true,
	"id": true, "ps": true, "top": true, "df": true, "du": true,
	"git": true, // further restricted below: only read-only git subcommands
	"man": true, "history": true, "type": true, "basename": true,
	"dirname": true, "realpath": true, "md5sum": true, "sha256sum": true,
}

// gitReadOnlySubcommands restricts `git` to inspection subcommands when a
// blanket "git" allow would otherwise let `git push --force` through.
var gitReadOnlySubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "blame": true,
	"branch": true, "remote": true, "describe": true, "rev-parse": true,
	"ls-files": true, "grep": true,
}

// Decision is the result of a Check call.
type Decision struct {
	Allowed bool
	Rule    string // populated on deny, names the rule that triggered
}

func allow() Decision { return Decision{Allowed: true} }

func deny(rule string) Decision { return Decision{Allowed: false, Rule: rule} }

// CheckCommand decides whether command may run as a shell command under m.
func (m Mode) CheckCommand(command string) Decision {
	switch m.Name {
	case Unrestricted:
		return allow()
	case Architect:
		return checkReadOnlyCommand(command)
	case CodeWriter:
		if m.AllowedCmds.All {
			return allow()
		}
		first := firstToken(command)
		for _, c := range m.AllowedCmds.Entries {
			if c == first {
				return allow()
			}
		}
		return deny("code_writer.allowed_commands")
	default:
		return deny("unknown_mode")
	}
}

func checkReadOnlyCommand(command string) Decision {
	first := firstToken(command)
	if first == "" {
		return deny("architect.read_only_allowlist")
	}
	if first == "git" {
		second := secondToken(command)
		if gitReadOnlySubcommands[second] {
			return allow()
		}
		return deny("architect.git_read_only_subcommands")
	}
	if readOnlyAllowlist[first] {
		return allow()
	}
	return deny("architect.read_only_allowlist")
}

// CheckWrite decides whether a WriteIfEmpty/FileEdit on path is allowed
// under m. Architect mode forbids all file mutation outright.
func (m Mode) CheckWrite(path string) Decision {
	switch m.Name {
	case Unrestricted:
		return allow()
	case Architect:
		return deny("architect.no_file_mutation")
	case CodeWriter:
		if m.AllowedGlobs.All {
			return allow()
		}
		for _, g := range m.AllowedGlobs.Entries {
			if matchGlob(g, path) {
				return allow()
			}
		}
		return deny("code_writer.allowed_globs")
	default:
		return deny("unknown_mode")
	}
}

// matchGlob matches a glob pattern against either the full path or its
// basename, so both "*.go" and "/w/sub/*.go" style patterns work.
func matchGlob(pattern, path string) bool {
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	return false
}

func firstToken(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func secondToken(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
