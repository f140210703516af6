// Package sandbox runs room code in per-language commands, optionally inside a
// docker container with no network and capped memory and CPU.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnsupportedLanguage = errors.New("sandbox: unsupported language")

// Language says how to run one language. Command and DebugCommand may use the
// {file} and {dir} placeholders. Debugger names the protocol DebugCommand
// speaks; "pdb" is the only one understood, and without it debug sessions
// run Command with no way to pause or step.
type Language struct {
	Image        string   `mapstructure:"image"`
	Command      []string `mapstructure:"command"`
	File         string   `mapstructure:"file"`
	Memory       string   `mapstructure:"memory"`
	Debugger     string   `mapstructure:"debugger"`
	DebugCommand []string `mapstructure:"debug_command"`
}

const DebuggerPDB = "pdb"

type Config struct {
	Docker    bool                `mapstructure:"docker"`
	Timeout   time.Duration       `mapstructure:"timeout"`
	CPUs      string              `mapstructure:"cpus"`
	Languages map[string]Language `mapstructure:"languages"`
	// TempDir is where per-run working directories are created; empty means
	// the system default.
	TempDir string `mapstructure:"temp_dir"`
}

// DefaultLanguages are the languages the editor offers.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Image:        "python:3.9-slim",
			Command:      []string{"python3", "{file}"},
			File:         "main.py",
			Memory:       "100m",
			Debugger:     DebuggerPDB,
			DebugCommand: []string{"python3", "-u", "-m", "pdb", "{file}"},
		},
		"javascript": {
			Image:   "node:14-alpine",
			Command: []string{"node", "{file}"},
			File:    "main.js",
			Memory:  "100m",
		},
		"java": {
			Image:   "openjdk:11-slim",
			Command: []string{"java", "{file}"},
			File:    "Main.java",
			Memory:  "200m",
		},
		"cpp": {
			Image:   "gcc:latest",
			Command: []string{"sh", "-c", "g++ -o {dir}/program {file} && {dir}/program"},
			File:    "main.cpp",
			Memory:  "100m",
		},
	}
}

func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		CPUs:      "0.25",
		Languages: DefaultLanguages(),
	}
}

// Executor runs code for rooms. It serves both one-shot runs and debug
// sessions.
type Executor struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CPUs == "" {
		cfg.CPUs = "0.25"
	}
	if cfg.Languages == nil {
		cfg.Languages = DefaultLanguages()
	}
	return &Executor{cfg: cfg, log: logger.With().Str("component", "sandbox").Logger()}
}

// Languages lists the configured language names.
func (e *Executor) Languages() []string {
	names := make([]string, 0, len(e.cfg.Languages))
	for name := range e.cfg.Languages {
		names = append(names, name)
	}
	return names
}

// workspace is a temporary directory holding one run's source file.
type workspace struct {
	dir  string
	file string
}

func (e *Executor) prepare(code, language string) (Language, workspace, error) {
	lang, ok := e.cfg.Languages[strings.ToLower(language)]
	if !ok || len(lang.Command) == 0 {
		return Language{}, workspace{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	name := lang.File
	if name == "" {
		name = "main"
	}
	dir, err := os.MkdirTemp(e.cfg.TempDir, "collabd-run-")
	if err != nil {
		return Language{}, workspace{}, fmt.Errorf("sandbox: create workdir: %w", err)
	}
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return Language{}, workspace{}, fmt.Errorf("sandbox: write source: %w", err)
	}
	return lang, workspace{dir: dir, file: file}, nil
}

func (w workspace) remove() { os.RemoveAll(w.dir) }

// runFile is the source path as the command sees it.
func (e *Executor) runFile(ws workspace) string {
	if e.cfg.Docker {
		return "/code/" + filepath.Base(ws.file)
	}
	return ws.file
}

// argv builds the command line that runs command for lang.
func (e *Executor) argv(command []string, lang Language, ws workspace) []string {
	dir, file := ws.dir, e.runFile(ws)
	if e.cfg.Docker {
		dir = "/code"
	}
	args := make([]string, 0, len(command))
	for _, a := range command {
		a = strings.ReplaceAll(a, "{file}", file)
		a = strings.ReplaceAll(a, "{dir}", dir)
		args = append(args, a)
	}
	if !e.cfg.Docker {
		return args
	}

	docker := []string{"docker", "run", "--rm", "-i",
		"--network", "none",
		"--cpus", e.cfg.CPUs,
		"-v", ws.dir + ":/code",
		"-w", "/code",
	}
	if lang.Memory != "" {
		docker = append(docker, "--memory", lang.Memory)
	}
	docker = append(docker, lang.Image)
	return append(docker, args...)
}
