// Package runscript produces the genie-run.sh startup script of a project on
// the remote host. A script that already exists is reused as is; deleting it
// is how a user asks for a fresh analysis.
package runscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gitgenie/genie/internal/analyzer"
	"github.com/gitgenie/genie/internal/blueprint"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
)

const (
	defaultTreeDepth  = 3
	defaultTreeLimit  = 400
	maxManifestBytes  = 20000
	scriptMode        = 0o755
	planMode          = 0o644
	fallbackFrontPort = 8000
)

// Directories left out of the file listing sent to the analyzer.
var ignoredDirs = []string{
	"node_modules", "venv", "__pycache__", ".git", "dist", "build",
	"env", ".venv", ".next", ".vite",
}

// GenerationError is returned when no run script could be produced.
type GenerationError struct {
	Project string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate run script for %s: %v", e.Project, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Script describes the run script of a project.
type Script struct {
	Path   string
	Reused bool
	// Plan is empty when a reused script has no readable plan next to it.
	Plan blueprint.RunPlan
	// Analysis is set only when the script was generated by this call.
	Analysis *analyzer.Analysis
}

// Generator produces run scripts with an Analyzer.
type Generator struct {
	analyzer  analyzer.Analyzer
	logger    *slog.Logger
	treeDepth int
	treeLimit int
	now       func() time.Time
}

// NewGenerator creates a generator. A nil logger uses slog.Default().
func NewGenerator(a analyzer.Analyzer, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		analyzer:  a,
		logger:    logger,
		treeDepth: defaultTreeDepth,
		treeLimit: defaultTreeLimit,
		now:       time.Now,
	}
}

// Generate returns the run script of the project at projectPath, writing it
// first when it does not exist. A non-zero lease provides the default ports
// baked into a new script; launches override them through the environment.
func (g *Generator) Generate(ctx context.Context, s remote.Session, projectPath string, lease ports.Lease) (Script, error) {
	paths := project.PathsIn(projectPath)
	name := path.Base(projectPath)
	fail := func(err error) (Script, error) {
		return Script{}, &GenerationError{Project: name, Err: err}
	}

	res, err := s.Exec(ctx, "test -f "+remote.Quote(paths.Script))
	if err != nil {
		return fail(fmt.Errorf("check existing script: %w", err))
	}
	if res.OK() {
		g.logger.Info("reusing existing run script", "path", paths.Script)
		return Script{Path: paths.Script, Reused: true, Plan: g.readPlan(ctx, s, paths.Plan)}, nil
	}

	tree, err := g.fileTree(ctx, s, projectPath)
	if err != nil {
		return fail(err)
	}
	manifest, err := g.manifest(ctx, s, projectPath)
	if err != nil {
		return fail(err)
	}

	a, err := g.analyzer.Analyze(ctx, tree, manifest)
	if err == nil {
		err = a.Validate()
	}
	if err != nil {
		return fail(asAnalysisFailure(err))
	}
	g.logger.Info("project analyzed",
		"project", name, "type", a.ProjectType, "framework", a.Framework, "start", a.StartCommand())

	start := ports.BindToPortVariable(a.StartCommand(), a.ProjectType)
	plan := blueprint.FromAnalysis(name, a, start)
	plan.GeneratedAt = g.now().UTC()

	body, err := BuildScript(plan, lease)
	if err != nil {
		return fail(err)
	}
	if err := s.WriteFile(ctx, paths.Script, []byte(body), scriptMode); err != nil {
		return fail(fmt.Errorf("write %s: %w", paths.Script, err))
	}

	data, err := blueprint.Marshal(plan)
	if err != nil {
		return fail(err)
	}
	if err := s.WriteFile(ctx, paths.Plan, data, planMode); err != nil {
		return fail(fmt.Errorf("write %s: %w", paths.Plan, err))
	}

	g.logger.Info("run script written", "path", paths.Script)
	return Script{Path: paths.Script, Plan: plan, Analysis: &a}, nil
}

// BuildScript renders the run script for plan. Default ports come from the
// lease, else from the analysis, else 8000.
func BuildScript(plan blueprint.RunPlan, lease ports.Lease) (string, error) {
	front := firstNonZero(lease.Port, plan.Ports.Frontend, fallbackFrontPort)
	back := firstNonZero(lease.Backend, plan.Ports.Backend, front)

	b := NewBuilder(project.RunLogName, project.PIDFileName).
		Comment("Generated by genie. Delete this file to analyze the project again.").
		Source(project.EnvFileName).
		Set("HOST", "0.0.0.0").
		Set("HOSTNAME", "0.0.0.0").
		Default("PORT", strconv.Itoa(front)).
		Default("FRONTEND_PORT", strconv.Itoa(front)).
		Default("BACKEND_PORT", strconv.Itoa(back)).
		Install(plan.InstallCommands...)
	if len(plan.RunCommands) > 1 {
		b.Step(plan.RunCommands[:len(plan.RunCommands)-1]...)
	}
	return b.Start(plan.StartCommand).Build()
}

func (g *Generator) readPlan(ctx context.Context, s remote.Session, p string) blueprint.RunPlan {
	data, err := s.ReadFile(ctx, p)
	if err != nil {
		g.logger.Debug("no run plan next to script", "path", p, "error", err)
		return blueprint.RunPlan{}
	}
	plan, err := blueprint.Unmarshal(data)
	if err != nil {
		g.logger.Warn("ignoring unreadable run plan", "path", p, "error", err)
		return blueprint.RunPlan{}
	}
	return plan
}

// fileTreeCommand lists the project up to depth levels, directories suffixed
// with "/", dependency and build output directories pruned.
func fileTreeCommand(depth, limit int) string {
	names := make([]string, 0, len(ignoredDirs))
	for _, d := range ignoredDirs {
		names = append(names, "-name "+remote.Quote(d))
	}
	return fmt.Sprintf(
		`find . -mindepth 1 -maxdepth %d \( %s \) -prune -o \( -type d -printf '%%p/\n' \) -o -print | head -n %d`,
		depth, strings.Join(names, " -o "), limit)
}

func (g *Generator) fileTree(ctx context.Context, s remote.Session, dir string) (string, error) {
	res, err := s.Exec(ctx, fileTreeCommand(g.treeDepth, g.treeLimit), remote.WithWorkDir(dir))
	if err != nil {
		return "", fmt.Errorf("list project files: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("list project files: exit %d: %s", res.ExitCode, res.Output())
	}
	return res.Stdout, nil
}

// manifestCommand prints "# <name>" and the head of the first manifest found.
func manifestCommand() string {
	names := make([]string, 0, len(analyzer.ManifestFiles))
	for _, m := range analyzer.ManifestFiles {
		names = append(names, remote.Quote(m))
	}
	return fmt.Sprintf(
		`for f in %s; do if [ -f "$f" ]; then echo "# $f"; head -c %d "$f"; exit 0; fi; done`,
		strings.Join(names, " "), maxManifestBytes)
}

func (g *Generator) manifest(ctx context.Context, s remote.Session, dir string) (string, error) {
	res, err := s.Exec(ctx, manifestCommand(), remote.WithWorkDir(dir))
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	return res.Stdout, nil
}

func asAnalysisFailure(err error) error {
	if errors.Is(err, analyzer.ErrAnalysisFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", analyzer.ErrAnalysisFailed, err)
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
