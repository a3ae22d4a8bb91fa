package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitgenie/genie/internal/doctor"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the remote host can run projects",
	Long: `The doctor command connects to the remote host and checks for the
tools every launch needs (bash, setsid, nohup, ss or netstat), for the
project runtimes, and that the projects directory is writable.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	host, err := remoteHost(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var d doctor.Diagnosis
	err = ui.RunWithSpinner(ctx, "Checking "+host.Address+"...", interactive(), func(ctx context.Context) error {
		sess, err := remote.NewSSHDialer(log).Dial(ctx, host)
		if err != nil {
			return err
		}
		defer sess.Close()
		d, err = doctor.Diagnose(ctx, sess, host.Address, host.User, nil)
		return err
	})
	if err != nil {
		ui.PrintError(err.Error())
		return exitError(err)
	}

	ui.PrintHeader("Remote host " + d.Host)
	for _, t := range d.Tools {
		switch {
		case t.Installed:
			ui.PrintSuccess(fmt.Sprintf("%s %s (%s)", t.Name, t.Version, t.Path))
		case t.Required:
			ui.PrintError(t.Name + " not found")
		default:
			ui.PrintInfo(t.Name + " not installed")
		}
	}
	if d.Healthy {
		ui.PrintSuccess(d.ProjectsRoot + " is writable; the host is ready")
		return nil
	}
	for _, issue := range d.Issues {
		ui.PrintWarning(issue)
	}
	return fmt.Errorf("remote host is not ready")
}
