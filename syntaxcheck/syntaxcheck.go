// Package syntaxcheck gives FileIO/FileEdit structured, agent-readable
// diagnostics after a write or edit, per SPEC_FULL.md 4.5. Grammar
// detection is delegated to chroma's lexer table (the same dependency
// cutoken-cando already pulls in for rendering) instead of a hand-rolled
// extension switch; chroma only tokenizes, so the actual error-node
// collection here is a small structural checker (balanced brackets, with
// quotes masking brackets inside string literals; bash heredoc closure;
// tab-free YAML indentation; Python gets the bracket check only) layered on top —
// no package in this module's dependency family does lightweight
// structural-only linting across this many grammars, so that part is
// necessarily hand-written.
package syntaxcheck

import (
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

// Diagnostic is one structural error found in a file.
type Diagnostic struct {
	Line    int
	Column  int
	Snippet string
	Message string
}

// Checker detects a language from a path and runs its structural check.
type Checker struct{}

// New creates a Checker.
func New() *Checker { return &Checker{} }

// Check returns diagnostics for content at path. An unrecognized extension
// yields no diagnostics — never an error, per SPEC_FULL.md 4.5.
func (c *Checker) Check(path string, content []byte) []Diagnostic {
	lexer := lexers.Match(path)
	if lexer == nil {
		return nil
	}
	lang := strings.ToLower(lexer.Config().Name)
	text := string(content)

	switch {
	case lang == "python":
		return checkBracketsAndQuotes(text, pythonPairs, pythonQuotes)
	case lang == "bash" || lang == "shell" || lang == "sh":
		return append(checkBracketsAndQuotes(text, cLikePairs, shellQuotes), checkHeredocs(text)...)
	case lang == "json":
		return checkBracketsAndQuotes(text, jsonPairs, jsonQuotes)
	case lang == "yaml":
		return checkTabsInIndent(text)
	case lang == "toml":
		return checkBracketsAndQuotes(text, tomlPairs, jsonQuotes)
	case lang == "go":
		return checkBracketsAndQuotes(text, cLikePairs, cLikeQuotes)
	case lang == "typescript" || lang == "javascript" || lang == "tsx" || lang == "jsx":
		return checkBracketsAndQuotes(text, cLikePairs, cLikeQuotes)
	case lang == "rust":
		return checkBracketsAndQuotes(text, cLikePairs, cLikeQuotes)
	case lang == "c" || lang == "c++":
		return checkBracketsAndQuotes(text, cLikePairs, cLikeQuotes)
	case lang == "java":
		return checkBracketsAndQuotes(text, cLikePairs, cLikeQuotes)
	case lang == "markdown":
		return nil // prose; no structural check
	default:
		return nil
	}
}

type pairSet map[rune]rune // open -> close

var (
	cLikePairs    = pairSet{'{': '}', '(': ')', '[': ']'}
	pythonPairs   = pairSet{'(': ')', '[': ']', '{': '}'}
	jsonPairs     = pairSet{'{': '}', '[': ']'}
	tomlPairs     = pairSet{'[': ']', '{': '}'}
)

var (
	cLikeQuotes  = []rune{'"', '\''}
	pythonQuotes = []rune{'"', '\''}
	jsonQuotes   = []rune{'"'}
	shellQuotes  = []rune{'"', '\''}
)

// checkBracketsAndQuotes walks text line by line tracking a bracket stack
// and quote state, reporting every unmatched closer and every bracket still
// open at EOF. Quote state only masks brackets inside string literals; it
// resets at the end of each line, and an unterminated quote is not reported.
func checkBracketsAndQuotes(text string, pairs pairSet, quotes []rune) []Diagnostic {
	closers := make(map[rune]rune, len(pairs))
	for o, cl := range pairs {
		closers[cl] = o
	}

	type frame struct {
		r    rune
		line int
		col  int
	}
	var stack []frame
	var diags []Diagnostic

	lines := strings.Split(text, "\n")
	for li, line := range lines {
		inQuote := rune(0)
		escaped := false
		for ci, ch := range []rune(line) {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if inQuote != 0 {
				if ch == inQuote {
					inQuote = 0
				}
				continue
			}
			if isQuote(ch, quotes) {
				inQuote = ch
				continue
			}
			if _, isOpen := pairs[ch]; isOpen {
				stack = append(stack, frame{r: ch, line: li + 1, col: ci + 1})
				continue
			}
			if open, isClose := closers[ch]; isClose {
				if len(stack) == 0 || stack[len(stack)-1].r != open {
					diags = append(diags, Diagnostic{
						Line: li + 1, Column: ci + 1,
						Snippet: snippetAround(line, ci),
						Message: "unmatched closing " + string(ch),
					})
					continue
				}
				stack = stack[:len(stack)-1]
			}
		}
	}

	for _, f := range stack {
		diags = append(diags, Diagnostic{
			Line: f.line, Column: f.col,
			Snippet: snippetAround(lines[f.line-1], f.col-1),
			Message: "unclosed " + string(f.r),
		})
	}
	return diags
}

func isQuote(ch rune, quotes []rune) bool {
	for _, q := range quotes {
		if ch == q {
			return true
		}
	}
	return false
}

func snippetAround(line string, col int) string {
	const radius = 20
	start := col - radius
	if start < 0 {
		start = 0
	}
	end := col + radius
	if end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[start:end])
}

// checkHeredocs flags a bash heredoc (`<<TAG` / `<<'TAG'`) whose closing
// TAG line never appears — a common source of "command not found" chains
// after a bad edit.
func checkHeredocs(text string) []Diagnostic {
	var diags []Diagnostic
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		idx := strings.Index(line, "<<")
		if idx < 0 {
			continue
		}
		tag := strings.TrimSpace(strings.Trim(line[idx+2:], "-"))
		tag = strings.Trim(tag, `'"`)
		if tag == "" {
			continue
		}
		found := false
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == tag {
				found = true
				break
			}
		}
		if !found {
			diags = append(diags, Diagnostic{
				Line: i + 1, Column: idx + 1,
				Snippet: snippetAround(line, idx),
				Message: "heredoc <<" + tag + " is never closed",
			})
		}
	}
	return diags
}

// checkTabsInIndent flags YAML lines indented with tabs, which YAML
// forbids and which silently breaks nesting.
func checkTabsInIndent(text string) []Diagnostic {
	var diags []Diagnostic
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(trimmed)]
		if strings.Contains(indent, "\t") {
			diags = append(diags, Diagnostic{
				Line: i + 1, Column: 1,
				Snippet: snippetAround(line, 0),
				Message: "YAML indentation must not contain tabs",
			})
		}
	}
	return diags
}
