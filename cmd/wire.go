package main

import (
	"fmt"
	"log/slog"

	"github.com/gitgenie/genie/internal/analyzer"
	"github.com/gitgenie/genie/internal/config"
	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/supervisor"
)

// remoteHost describes the configured VM.
func remoteHost(c *config.Config) (remote.Host, error) {
	if err := c.ValidateRemote(); err != nil {
		return remote.Host{}, err
	}
	h := remote.Host{
		Address:        c.Remote.Host,
		Port:           c.Remote.Port,
		User:           c.Remote.User,
		KeyPath:        c.Remote.KeyPath,
		KnownHostsPath: c.Remote.KnownHosts,
		ConnectTimeout: c.Remote.ConnectTimeout,
	}
	if c.Remote.PrivateKey != "" {
		h.PrivateKey = []byte(c.Remote.PrivateKey)
	}
	return h, nil
}

func newAnalyzer(c *config.Config, logger *slog.Logger) (analyzer.Analyzer, error) {
	return analyzer.New(c.Analyzer.Provider, analyzer.ClaudeConfig{
		APIKey:    c.Analyzer.APIKey,
		Model:     c.Analyzer.Model,
		MaxTokens: c.Analyzer.MaxTokens,
		BaseURL:   c.Analyzer.BaseURL,
	}, logger)
}

// ownerResolver pins configured owners and derives keys for everyone else.
func ownerResolver(c *config.Config) (project.OwnerKeyResolver, error) {
	derived, err := project.NewUUIDResolver(c.Identity.Namespace)
	if err != nil {
		return nil, err
	}
	return project.Chain{project.StaticResolver(c.Identity.Owners), derived}, nil
}

// newOrchestrator wires the lifecycle components. observer may be nil.
func newOrchestrator(c *config.Config, observer orchestrator.Observer, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	host, err := remoteHost(c)
	if err != nil {
		return nil, err
	}
	a, err := newAnalyzer(c, logger)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	owners, err := ownerResolver(c)
	if err != nil {
		return nil, err
	}

	allocator := ports.NewAllocator(c.Ports.RangeStart, c.Ports.RangeEnd, logger)
	sup := supervisor.New(allocator, supervisor.Options{
		StartupWait:  c.Orchestrator.StartupWait,
		PollInterval: c.Orchestrator.PollInterval,
		StopGrace:    c.Orchestrator.StopGrace,
	}, logger)

	opts := orchestrator.Options{
		Owners:               owners,
		RestartTimeout:       c.Orchestrator.RestartTimeout,
		SkipInstallOnRestart: c.Orchestrator.SkipInstallOnRestart,
		SyncEnv:              c.Orchestrator.SyncEnv,
		MaxLogLines:          c.Orchestrator.MaxLogLines,
	}
	if observer != nil {
		opts.Observer = observer
	}

	return orchestrator.New(host, remote.NewSSHDialer(logger), allocator,
		runscript.NewGenerator(a, logger), sup, opts, logger), nil
}
