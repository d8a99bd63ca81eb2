// Package repomap builds a deterministic, token-budgeted textual summary of
// a workspace, per SPEC_FULL.md 4.6. No .gitignore matcher exists anywhere
// in the example pack, so that walk is hand-written; the scoring/shaping
// helpers around it lean on github.com/samber/lo (already pulled in by
// reusee-tai) for the same kind of slice plumbing that repo uses it for.
package repomap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"termagent/tokenizer"
)

// conventionalRootFiles/conventionalRootDirs get a score boost: manifest/build files recognized
// across ecosystems, plus directory names conventionally holding source.
var conventionalRootFiles = map[string]bool{
	"go.mod": true, "go.sum": true, "package.json": true, "Makefile": true,
	"Dockerfile": true, "README.md": true, "README": true, "Cargo.toml": true,
	"pyproject.toml": true, "requirements.txt": true, "setup.py": true,
	"main.go": true, "main.py": true, "index.js": true, "index.ts": true,
}

var conventionalRootDirs = map[string]bool{
	"cmd": true, "internal": true, "pkg": true, "src": true, "lib": true,
}

// identRE extracts identifier-like tokens for the cheap lexical reference
// scan — no language-specific import resolver, just name co-occurrence.
var identRE = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_\-]{2,}`)

const maxLexicalScanBytes = 32 * 1024 // only scan "short" files

// Entry is one file considered for inclusion in the map.
type Entry struct {
	AbsPath string
	RelPath string
	Score   int
}

// Builder produces RepoMap text for a workspace root.
type Builder struct {
	tok *tokenizer.Counter
}

// New creates a Builder.
func New() *Builder {
	return &Builder{tok: tokenizer.New()}
}

// Build walks root, scores files, and renders a token-budgeted tree. The
// returned string, truncation marker included, never exceeds budget tokens
// as long as the header line and the marker fit in it.
func (b *Builder) Build(root string, budget int) (string, error) {
	entries, err := b.collect(root)
	if err != nil {
		return "", err
	}
	b.boostConventionalRoots(entries)
	b.boostLexicalReferences(entries)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].RelPath < entries[j].RelPath
	})

	return b.render(root, entries, budget), nil
}

// collect walks root honoring nested .gitignore semantics (plus an
// implicit always-ignored ".git").
func (b *Builder) collect(root string) ([]*Entry, error) {
	ig := newIgnoreSet(root)
	var out []*Entry

	var walk func(dir string) error
	walk = func(dir string) error {
		ig.loadDir(dir)
		infos, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, info := range infos {
			abs := filepath.Join(dir, info.Name())
			rel, _ := filepath.Rel(root, abs)
			if info.Name() == ".git" {
				continue
			}
			if ig.matches(rel, info.IsDir()) {
				continue
			}
			if info.IsDir() {
				if err := walk(abs); err != nil {
					return err
				}
				continue
			}
			out = append(out, &Entry{AbsPath: abs, RelPath: rel})
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) boostConventionalRoots(entries []*Entry) {
	for _, e := range entries {
		base := filepath.Base(e.RelPath)
		if conventionalRootFiles[base] {
			e.Score += 5
		}
		parts := strings.Split(e.RelPath, string(filepath.Separator))
		if len(parts) > 0 && conventionalRootDirs[parts[0]] {
			e.Score += 2
		}
		if !strings.Contains(e.RelPath, string(filepath.Separator)) {
			e.Score += 1 // top-level files are more likely entry points
		}
	}
}

// boostLexicalReferences gives a +1 boost to file F for every other short
// file whose body contains F's base name (sans extension) as a token —
// a cheap stand-in for import/reference resolution.
func (b *Builder) boostLexicalReferences(entries []*Entry) {
	stems := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		stem := strings.TrimSuffix(filepath.Base(e.RelPath), filepath.Ext(e.RelPath))
		if stem == "" {
			continue
		}
		stems[stem] = e
	}

	shortFiles := lo.Filter(entries, func(e *Entry, _ int) bool {
		info, err := os.Stat(e.AbsPath)
		return err == nil && info.Size() > 0 && info.Size() <= maxLexicalScanBytes
	})

	for _, e := range shortFiles {
		data, err := os.ReadFile(e.AbsPath)
		if err != nil {
			continue
		}
		seen := make(map[string]bool)
		for _, tok := range identRE.FindAllString(string(data), -1) {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			if target, ok := stems[tok]; ok && target.AbsPath != e.AbsPath {
				target.Score++
			}
		}
	}
}

// render produces the compact annotated tree, stopping before any line
// that would leave no room in budget for the truncation marker.
func (b *Builder) render(root string, entries []*Entry, budget int) string {
	var sb strings.Builder
	header := fmt.Sprintf("Repository map for %s\n", root)
	sb.WriteString(header)
	used := b.tok.Count(header)
	const marker = "... (truncated, token budget reached)\n"
	markerCost := b.tok.Count(marker)

	paths := lo.Map(entries, func(e *Entry, _ int) string { return e.RelPath })
	for i, rel := range paths {
		line := rel + "\n"
		cost := b.tok.Count(line)
		reserve := markerCost
		if i == len(paths)-1 {
			reserve = 0 // nothing follows the last line, so no marker is needed
		}
		if used+cost+reserve > budget {
			sb.WriteString(marker)
			break
		}
		sb.WriteString(line)
		used += cost
	}
	return sb.String()
}

// ignoreSet accumulates .gitignore patterns scoped to the directories they
// were found in, checked root-to-leaf (closer rules win, mirroring git).
type ignoreSet struct {
	root     string
	byDir    map[string][]pattern
	loaded   map[string]bool
}

type pattern struct {
	raw     string
	dirOnly bool
	negate  bool
}

func newIgnoreSet(root string) *ignoreSet {
	return &ignoreSet{root: root, byDir: map[string][]pattern{}, loaded: map[string]bool{}}
}

func (ig *ignoreSet) loadDir(dir string) {
	if ig.loaded[dir] {
		return
	}
	ig.loaded[dir] = true
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	defer f.Close()

	var pats []pattern
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := pattern{raw: line}
		if strings.HasPrefix(p.raw, "!") {
			p.negate = true
			p.raw = p.raw[1:]
		}
		if strings.HasSuffix(p.raw, "/") {
			p.dirOnly = true
			p.raw = strings.TrimSuffix(p.raw, "/")
		}
		pats = append(pats, p)
	}
	ig.byDir[dir] = pats
}

// matches reports whether rel (relative to ig.root) should be excluded,
// consulting every .gitignore from the root down to rel's own directory.
func (ig *ignoreSet) matches(rel string, isDir bool) bool {
	name := filepath.Base(rel)
	dirPath := filepath.Dir(rel)

	excluded := false
	cur := ig.root
	segs := strings.Split(dirPath, string(filepath.Separator))
	dirs := []string{ig.root}
	if dirPath != "." {
		for _, s := range segs {
			cur = filepath.Join(cur, s)
			dirs = append(dirs, cur)
		}
	}
	for _, d := range dirs {
		for _, p := range ig.byDir[d] {
			if p.dirOnly && !isDir {
				continue
			}
			matched, _ := filepath.Match(p.raw, name)
			if !matched {
				matched, _ = filepath.Match(p.raw, rel)
			}
			if matched {
				excluded = !p.negate
			}
		}
	}
	return excluded
}
