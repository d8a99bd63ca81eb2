package engine

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"termagent/mode"
)

// Config is the YAML-driven engine configuration loaded from a file such as
// termagent.yaml, grounded on the teacher's agents.yaml / config_loader.go
// shape (KumarDeepankar-wick_agent/wick_deep_agent/server/config_loader.go):
// a typed top-level struct unmarshalled with gopkg.in/yaml.v3, defaults
// merged in, and relative paths resolved against the config file's directory.
type Config struct {
	WorkspaceRoot string           `yaml:"workspace_root"`
	Mode          string           `yaml:"mode"`
	CodeWriter    *codeWriterYAML  `yaml:"code_writer"`
	Geometry      *geometryYAML    `yaml:"geometry"`
	Shell         *shellYAML       `yaml:"shell"`
	ReadBudget    int              `yaml:"read_budget_tokens"`
	TaskStoreDir  string           `yaml:"task_store_dir"`
	Logging       *loggingYAML     `yaml:"logging"`
}

type codeWriterYAML struct {
	AllowedGlobs    []string `yaml:"allowed_globs"`
	AllowAllGlobs   bool     `yaml:"allow_all_globs"`
	AllowedCommands []string `yaml:"allowed_commands"`
	AllowAllCmds    bool     `yaml:"allow_all_commands"`
}

type geometryYAML struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`
}

type shellYAML struct {
	FreshnessWindowMS int `yaml:"freshness_window_ms"`
	PollQuantumMS     int `yaml:"poll_quantum_ms"`
}

type loggingYAML struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfigFile reads and parses a termagent.yaml-style config file,
// resolving task_store_dir relative to the config file's own directory the
// same way config_loader.go resolves skills/memory paths against configDir.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("engine: parse config: %w", err)
	}

	configDir, _ := filepath.Abs(filepath.Dir(path))
	if cfg.TaskStoreDir != "" && !filepath.IsAbs(cfg.TaskStoreDir) {
		cfg.TaskStoreDir = filepath.Join(configDir, cfg.TaskStoreDir)
	}
	if cfg.WorkspaceRoot != "" && !filepath.IsAbs(cfg.WorkspaceRoot) {
		cfg.WorkspaceRoot = filepath.Join(configDir, cfg.WorkspaceRoot)
	}
	return &cfg, nil
}

// Options expands cfg into the Option slice New expects.
func (cfg *Config) Options() []Option {
	var opts []Option
	if cfg.WorkspaceRoot != "" {
		opts = append(opts, WithWorkspaceRoot(cfg.WorkspaceRoot))
	}
	if cfg.Geometry != nil && cfg.Geometry.Rows > 0 && cfg.Geometry.Cols > 0 {
		opts = append(opts, WithGeometry(cfg.Geometry.Rows, cfg.Geometry.Cols))
	}
	if cfg.Shell != nil && cfg.Shell.FreshnessWindowMS > 0 {
		opts = append(opts, WithFreshnessWindow(time.Duration(cfg.Shell.FreshnessWindowMS)*time.Millisecond))
	}
	if cfg.Shell != nil && cfg.Shell.PollQuantumMS > 0 {
		opts = append(opts, WithPollQuantum(time.Duration(cfg.Shell.PollQuantumMS)*time.Millisecond))
	}
	if cfg.ReadBudget > 0 {
		opts = append(opts, WithReadBudget(cfg.ReadBudget))
	}
	if cfg.TaskStoreDir != "" {
		opts = append(opts, WithTaskStoreDir(cfg.TaskStoreDir))
	}

	m := mode.NewUnrestricted()
	switch cfg.Mode {
	case string(mode.Architect):
		m = mode.NewArchitect()
	case string(mode.CodeWriter):
		globs := mode.AllowAll
		cmds := mode.AllowAllCommands
		if cfg.CodeWriter != nil {
			if !cfg.CodeWriter.AllowAllGlobs {
				globs = mode.Globs{Entries: cfg.CodeWriter.AllowedGlobs}
			}
			if !cfg.CodeWriter.AllowAllCmds {
				cmds = mode.Commands{Entries: cfg.CodeWriter.AllowedCommands}
			}
		}
		m = mode.NewCodeWriter(globs, cmds)
	}
	opts = append(opts, WithMode(m))

	if cfg.Logging != nil && cfg.Logging.File != "" {
		opts = append(opts, WithLogger(newRotatingLogger(cfg.Logging)))
	}
	return opts
}

// newRotatingLogger wires gopkg.in/natefinch/lumberjack.v2 as the engine's
// log sink: size/age/backup-count rotation, same drop-in io.Writer pattern
// teacher-adjacent configs declare it for (cutoken-cando/go.mod lists it as
// a direct dependency for exactly this purpose).
func newRotatingLogger(cfg *loggingYAML) *log.Logger {
	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 50),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		Compress:   cfg.Compress,
	}
	return log.New(w, "termagent: ", log.LstdFlags)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
