package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/ui"
)

var (
	userID      string
	plainOutput bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [path]",
	Short: "Upload a project to the remote host and start it",
	Long: `The run command uploads the project at path (default: the current
directory) to the remote host and starts it.

It will:
- Upload the source, skipping hidden files and dependency caches
- Copy .env and .env.local when sync_env is enabled
- Reuse genie-run.sh when the project has one, otherwise analyze the
  project and generate it
- Pick a free port and start the project in the background`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show whether a project is running",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Stop a project and start it again from its run script",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running project",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, statusCmd, restartCmd, stopCmd} {
		c.Flags().StringVarP(&userID, "user", "u", os.Getenv("GENIE_USER"), "User the project belongs to (empty: legacy layout)")
		c.Flags().BoolVar(&plainOutput, "plain", false, "Disable the spinner and prompts")
	}
	runCmd.Flags().StringP("name", "n", "", "Project name (default: the directory name)")
	runCmd.Flags().BoolP("interactive", "i", false, "Prompt for the project name")
	stopCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

func interactive() bool {
	return !plainOutput && ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout)
}

// commandContext is cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func runRun(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	name, _ := cmd.Flags().GetString("name")
	ask, _ := cmd.Flags().GetBool("interactive")
	if name == "" {
		name = filepath.Base(dir)
		if ask && interactive() {
			answer, err := ui.RunTextInputPrompt("Project name", "Used as the directory name on the remote host", name, name)
			if err != nil {
				return fmt.Errorf("interactive prompt failed: %w", err)
			}
			if answer == "" {
				return fmt.Errorf("aborted")
			}
			name = answer
		}
	}

	orch, err := newOrchestrator(cfg, nil, log)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var res orchestrator.Result
	err = ui.RunWithSpinner(ctx, fmt.Sprintf("Deploying %s to %s...", name, orch.Host()), interactive(),
		func(ctx context.Context) error {
			var err error
			res, err = orch.RunNewProject(ctx, orchestrator.RunRequest{UserID: userID, Name: name, LocalPath: dir})
			return err
		})
	ui.RenderResult(res, err, verbose)
	return exitError(err)
}

func runStatus(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator(cfg, nil, log)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var st orchestrator.Status
	err = ui.RunWithSpinner(ctx, "Checking "+args[0]+"...", interactive(), func(ctx context.Context) error {
		var err error
		st, err = orch.CheckStatus(ctx, userID, args[0])
		return err
	})
	if err != nil {
		ui.PrintError(err.Error())
		return exitError(err)
	}
	ui.RenderStatus(args[0], st)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator(cfg, nil, log)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var res orchestrator.Result
	err = ui.RunWithSpinner(ctx, "Restarting "+args[0]+"...", interactive(), func(ctx context.Context) error {
		var err error
		res, err = orch.RestartInPlace(ctx, userID, args[0])
		return err
	})
	ui.RenderResult(res, err, verbose)
	return exitError(err)
}

func runStop(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && interactive() {
		ok, err := ui.RunYesNoPrompt("Stop "+args[0]+"?", "Every process started from the project directory is killed", true)
		if err != nil {
			return fmt.Errorf("interactive prompt failed: %w", err)
		}
		if !ok {
			ui.PrintInfo("Nothing stopped")
			return nil
		}
	}

	orch, err := newOrchestrator(cfg, nil, log)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var res orchestrator.Result
	err = ui.RunWithSpinner(ctx, "Stopping "+args[0]+"...", interactive(), func(ctx context.Context) error {
		var err error
		res, err = orch.StopProject(ctx, userID, args[0])
		return err
	})
	ui.RenderResult(res, err, verbose)
	return exitError(err)
}

// exitError keeps the error for the exit status without printing it twice.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	rootCmd.SilenceErrors = true
	return fmt.Errorf("%s failed", orchestrator.Kind(err))
}
