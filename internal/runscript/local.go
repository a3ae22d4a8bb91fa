package runscript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitgenie/genie/internal/analyzer"
	"github.com/gitgenie/genie/internal/blueprint"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
)

// ErrScriptExists is returned by GenerateLocal when the directory already
// has a run script and overwrite was not requested.
var ErrScriptExists = errors.New("run script already exists")

// GenerateLocal analyzes the project in dir and writes its run script and
// plan there. The script is uploaded with the source and reused on the
// remote host, so it can be reviewed and edited before the first run.
func (g *Generator) GenerateLocal(ctx context.Context, dir string, overwrite bool) (Script, error) {
	paths := project.PathsIn(dir)
	name := filepath.Base(dir)
	fail := func(err error) (Script, error) {
		return Script{}, &GenerationError{Project: name, Err: err}
	}

	if _, err := os.Stat(paths.Script); err == nil && !overwrite {
		return fail(fmt.Errorf("%w: %s", ErrScriptExists, paths.Script))
	}

	tree, err := localTree(dir, g.treeDepth, g.treeLimit)
	if err != nil {
		return fail(fmt.Errorf("list project files: %w", err))
	}
	manifest, err := localManifest(dir)
	if err != nil {
		return fail(fmt.Errorf("read manifest: %w", err))
	}

	a, err := g.analyzer.Analyze(ctx, tree, manifest)
	if err == nil {
		err = a.Validate()
	}
	if err != nil {
		return fail(asAnalysisFailure(err))
	}

	start := ports.BindToPortVariable(a.StartCommand(), a.ProjectType)
	plan := blueprint.FromAnalysis(name, a, start)
	plan.GeneratedAt = g.now().UTC()

	body, err := BuildScript(plan, ports.Lease{})
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(paths.Script, []byte(body), scriptMode); err != nil {
		return fail(err)
	}
	data, err := blueprint.Marshal(plan)
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(paths.Plan, data, planMode); err != nil {
		return fail(err)
	}

	g.logger.Info("run script written", "path", paths.Script)
	return Script{Path: paths.Script, Plan: plan, Analysis: &a}, nil
}

// localTree lists dir in the format of fileTreeCommand.
func localTree(dir string, depth, limit int) (string, error) {
	ignored := make(map[string]bool, len(ignoredDirs))
	for _, d := range ignoredDirs {
		ignored[d] = true
	}

	var lines []string
	errLimit := errors.New("limit reached")
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() && ignored[d.Name()] {
			return filepath.SkipDir
		}
		if len(lines) >= limit {
			return errLimit
		}
		entry := "./" + rel
		if d.IsDir() {
			entry += "/"
		}
		lines = append(lines, entry)
		if d.IsDir() && strings.Count(rel, "/")+1 >= depth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// localManifest returns the first manifest of dir in the format of
// manifestCommand, or "" when there is none.
func localManifest(dir string) (string, error) {
	for _, m := range analyzer.ManifestFiles {
		f, err := os.Open(filepath.Join(dir, m))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		content, err := io.ReadAll(io.LimitReader(f, maxManifestBytes))
		f.Close()
		if err != nil {
			return "", err
		}
		return analyzer.FormatManifest(m, string(content)), nil
	}
	return "", nil
}
