package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gitgenie/genie/internal/api"
	"github.com/gitgenie/genie/internal/config"
	"github.com/gitgenie/genie/internal/logger"
)

// Version information (can be set at build time)
var (
	version = "0.1.0"
)

var (
	cfgFile string
	verbose bool

	cfg *config.Config
	log *slog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "genie",
	Short: "Deploy, supervise and proxy projects on a remote VM",
	Long: `Genie uploads a local project to a remote Linux VM, works out how to run
it, starts it on a free port and keeps track of it.

Usage:
  genie serve              Serve the HTTP API and the project proxy
  genie init [path]        Analyze a project and write its run script locally
  genie run [path]         Upload and start a project
  genie status <name>      Show whether a project is running
  genie restart <name>     Restart a project in place
  genie stop <name>        Stop a project
  genie doctor             Check the remote host`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: genie.yaml in ., ./configs, $HOME/.genie, /etc/genie)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show operation logs and debug output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(doctorCmd)
}

// setup loads .env files, the configuration and the logger.
func setup(cmd *cobra.Command, args []string) error {
	// a missing .env is normal
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	// CLI output goes through internal/ui; keep the log to warnings there.
	level := cfg.Logging.Level
	switch {
	case verbose:
		level = "debug"
	case cmd.Name() != "serve":
		level = "warn"
	}
	log = logger.New("genie", level, cfg.Logging.Format)
	slog.SetDefault(log)
	api.Version = version
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
