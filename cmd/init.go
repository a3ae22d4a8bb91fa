package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/secrets"
	"github.com/gitgenie/genie/internal/ui"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Analyze a project and write its run script locally",
	Long: `The init command analyzes the project at path (default: the current
directory) to detect:
- The project type and framework
- Install and run commands
- The ports it listens on
- Environment variables the code reads

It then writes genie-run.sh and .genie.yaml next to the source. The script
is uploaded by 'genie run' and used as is on the remote host, so it can be
reviewed and edited first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing genie-run.sh")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}
	force, _ := cmd.Flags().GetBool("force")

	a, err := newAnalyzer(cfg, log)
	if err != nil {
		return err
	}
	gen := runscript.NewGenerator(a, log)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var script runscript.Script
	err = ui.RunWithSpinner(ctx, "Analyzing codebase...", interactive(), func(ctx context.Context) error {
		var err error
		script, err = gen.GenerateLocal(ctx, dir, force)
		return err
	})
	if errors.Is(err, runscript.ErrScriptExists) {
		return fmt.Errorf("%s already has a run script. Use --force to overwrite", dir)
	}
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if an := script.Analysis; an != nil {
		ui.PrintHighlight("Type", an.ProjectType)
		if an.Framework != "" {
			ui.PrintHighlight("Framework", an.Framework)
		}
	}
	ui.PrintBox("Commands", strings.Join(script.Plan.Commands(), "\n"))

	language := ""
	if script.Analysis != nil {
		language = script.Analysis.ProjectType
	}
	vars, err := secrets.Scan(dir, language)
	if err != nil {
		ui.PrintWarning(fmt.Sprintf("Failed to scan environment variables: %v", err))
	} else {
		defined, err := secrets.Load(dir)
		if err != nil {
			ui.PrintWarning(fmt.Sprintf("Failed to read .env files: %v", err))
		}
		for _, v := range secrets.Missing(vars, defined) {
			ui.PrintWarning(fmt.Sprintf("%s is read by %s but not set in .env", v.Name, v.File))
		}
	}

	ui.PrintSuccess(fmt.Sprintf("Run script written to %s", script.Path))
	ui.PrintInfo("Run 'genie run' to deploy the project")
	return nil
}
