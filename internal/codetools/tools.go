// Package codetools runs external formatters and linters against a file's
// current content.
package codetools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"collabtext/collabd/internal/protocol"
)

var (
	ErrNoTool     = errors.New("codetools: no tool configured for language")
	ErrToolFailed = errors.New("codetools: tool failed")
)

type Config struct {
	Format  map[string][]string `mapstructure:"format"`
	Lint    map[string][]string `mapstructure:"lint"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// DefaultConfig maps the editor's languages to common tools. Commands take
// the {file} placeholder.
func DefaultConfig() Config {
	return Config{
		Format: map[string][]string{
			"python":     {"black", "-q", "{file}"},
			"javascript": {"npx", "prettier", "--write", "{file}"},
			"cpp":        {"clang-format", "-i", "{file}"},
		},
		Lint: map[string][]string{
			"python":     {"pylint", "--msg-template={path}:{line}:{column}: {category}: {msg}", "{file}"},
			"javascript": {"npx", "eslint", "-f", "unix", "{file}"},
		},
		Timeout: 20 * time.Second,
	}
}

type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Format returns code as rewritten by the language's formatter.
func (r *Runner) Format(ctx context.Context, fileID, code, language string) (string, error) {
	command, ok := r.cfg.Format[strings.ToLower(language)]
	if !ok || len(command) == 0 {
		return "", fmt.Errorf("%w: format %q", ErrNoTool, language)
	}
	var formatted string
	err := r.withFile(fileID, code, func(path string) error {
		if _, _, err := r.run(ctx, command, path); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		formatted = string(data)
		return nil
	})
	return formatted, err
}

// Lint returns the issues the language's linter reports. Linters exit non-zero
// when they find issues, so only failures to run are errors.
func (r *Runner) Lint(ctx context.Context, fileID, code, language string) ([]protocol.Issue, error) {
	command, ok := r.cfg.Lint[strings.ToLower(language)]
	if !ok || len(command) == 0 {
		return nil, fmt.Errorf("%w: lint %q", ErrNoTool, language)
	}
	var issues []protocol.Issue
	err := r.withFile(fileID, code, func(path string) error {
		stdout, exited, err := r.run(ctx, command, path)
		if err != nil && !exited {
			return err
		}
		issues = ParseIssues(stdout)
		return nil
	})
	return issues, err
}

func (r *Runner) withFile(fileID, code string, fn func(path string) error) error {
	dir, err := os.MkdirTemp("", "collabd-tool-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(filepath.Clean("/" + fileID))
	if name == "/" || name == "." {
		name = "main"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return err
	}
	return fn(path)
}

// run executes command with {file} replaced. exited reports whether the tool
// ran and returned a non-zero status, as opposed to failing to start.
func (r *Runner) run(ctx context.Context, command []string, path string) (stdout string, exited bool, err error) {
	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = strings.ReplaceAll(arg, "{file}", path)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = filepath.Dir(path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		var exitErr *exec.ExitError
		return out.String(), errors.As(err, &exitErr), fmt.Errorf("%w: %s: %s", ErrToolFailed, args[0], msg)
	}
	return out.String(), false, nil
}

var issueLine = regexp.MustCompile(`^[^:]*:(\d+):(?:(\d+):)?\s*(.+)$`)

// ParseIssues reads "path:line[:column]: message" lines. A message mentioning
// "error" is an error, anything else a warning.
func ParseIssues(output string) []protocol.Issue {
	issues := []protocol.Issue{}
	for _, line := range strings.Split(output, "\n") {
		m := issueLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		issue := protocol.Issue{Line: n, Message: strings.TrimSpace(m[3]), Severity: "warning"}
		if m[2] != "" {
			issue.Column, _ = strconv.Atoi(m[2])
		}
		if strings.Contains(strings.ToLower(line), "error") {
			issue.Severity = "error"
		}
		issues = append(issues, issue)
	}
	return issues
}
