// Package analyzer works out how to install and run a project from a listing
// of its files and the contents of its primary manifest.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// ErrAnalysisFailed is matched by every error an Analyzer returns.
var ErrAnalysisFailed = errors.New("project analysis failed")

// Ports are the ports a project listens on by default. Zero means none.
type Ports struct {
	Frontend int `json:"frontend,omitempty" yaml:"frontend,omitempty"`
	Backend  int `json:"backend,omitempty" yaml:"backend,omitempty"`
}

// Analysis describes how to install and run a project.
type Analysis struct {
	// ProjectType is the language family: node, python, go, java, rust, ruby, html
	ProjectType     string   `json:"project_type"`
	Framework       string   `json:"framework,omitempty"`
	InstallCommands []string `json:"install_commands"`
	// RunCommands are run in order; the last one is the long-running server.
	RunCommands  []string `json:"run_commands"`
	Dependencies []string `json:"dependencies,omitempty"`
	Ports        Ports    `json:"ports"`
}

// StartCommand is the long-running command of the analysis.
func (a Analysis) StartCommand() string {
	if len(a.RunCommands) == 0 {
		return ""
	}
	return a.RunCommands[len(a.RunCommands)-1]
}

// Validate rejects analyses that cannot start anything.
func (a Analysis) Validate() error {
	if strings.TrimSpace(a.StartCommand()) == "" {
		return fmt.Errorf("%w: no run command", ErrAnalysisFailed)
	}
	return nil
}

// Analyzer inspects a project. fileTree is a newline-separated listing of
// paths relative to the project root; manifest is the content of the first
// manifest found, prefixed by a "# <filename>" line.
type Analyzer interface {
	Analyze(ctx context.Context, fileTree, manifest string) (Analysis, error)
}

// Manifest files in detection priority order.
var ManifestFiles = []string{
	"package.json",
	"requirements.txt",
	"pyproject.toml",
	"go.mod",
	"Cargo.toml",
	"pom.xml",
	"build.gradle",
	"Gemfile",
}

// FormatManifest renders a manifest the way Analyze expects it.
func FormatManifest(name, content string) string {
	return "# " + name + "\n" + content
}

// SplitManifest reverses FormatManifest. A manifest without a header yields an
// empty name.
func SplitManifest(manifest string) (name, content string) {
	first, rest, _ := strings.Cut(manifest, "\n")
	if n, ok := strings.CutPrefix(first, "# "); ok {
		n = strings.TrimSpace(n)
		for _, m := range ManifestFiles {
			if n == m {
				return n, rest
			}
		}
	}
	return "", manifest
}

// Tree is a parsed file listing.
type Tree struct {
	paths map[string]bool
	dirs  map[string]bool
	list  []string
}

// ParseTree reads one path per line. Leading "./" is dropped, directories may
// end in "/".
func ParseTree(listing string) Tree {
	t := Tree{paths: make(map[string]bool), dirs: make(map[string]bool)}
	for _, line := range strings.Split(listing, "\n") {
		p := strings.TrimSpace(line)
		p = strings.TrimPrefix(p, "./")
		if p == "" || p == "." {
			continue
		}
		if strings.HasSuffix(p, "/") {
			p = strings.TrimSuffix(p, "/")
			t.dirs[p] = true
		}
		if !t.paths[p] {
			t.list = append(t.list, p)
		}
		t.paths[p] = true
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			t.dirs[dir] = true
		}
	}
	return t
}

// Has reports whether rel appears in the listing.
func (t Tree) Has(rel string) bool { return t.paths[rel] || t.dirs[rel] }

// HasDir reports whether rel is a directory in the listing.
func (t Tree) HasDir(rel string) bool { return t.dirs[rel] }

// TopLevel returns the root entries in listing order.
func (t Tree) TopLevel() []string {
	var out []string
	for _, p := range t.list {
		if !strings.Contains(p, "/") {
			out = append(out, p)
		}
	}
	return out
}

// Len is the number of listed paths.
func (t Tree) Len() int { return len(t.list) }

// Fallback tries Primary and, when it fails, Secondary.
type Fallback struct {
	Primary   Analyzer
	Secondary Analyzer
	Logger    *slog.Logger
}

func (f Fallback) Analyze(ctx context.Context, fileTree, manifest string) (Analysis, error) {
	a, err := f.Primary.Analyze(ctx, fileTree, manifest)
	if err == nil {
		if err = a.Validate(); err == nil {
			return a, nil
		}
	}
	if ctx.Err() != nil || f.Secondary == nil {
		return Analysis{}, wrapFailure(err)
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("primary analyzer failed, falling back", "error", err)
	return f.Secondary.Analyze(ctx, fileTree, manifest)
}

func wrapFailure(err error) error {
	if errors.Is(err, ErrAnalysisFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
}

// Provider names accepted by New.
const (
	ProviderStatic = "static"
	ProviderClaude = "claude"
	ProviderAuto   = "auto"
)

// New builds the analyzer for provider. auto prefers Claude when an API key
// is configured and falls back to the static heuristics.
func New(provider string, cfg ClaudeConfig, logger *slog.Logger) (Analyzer, error) {
	switch provider {
	case ProviderStatic:
		return Static{}, nil
	case ProviderClaude:
		return NewClaude(cfg, logger)
	case ProviderAuto, "":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return Static{}, nil
		}
		c, err := NewClaude(cfg, logger)
		if err != nil {
			return nil, err
		}
		return Fallback{Primary: c, Secondary: Static{}, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", provider)
	}
}
