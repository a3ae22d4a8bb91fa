// Package blueprint is the RunPlan record stored next to a project's run
// script, so later operations can report how the project is started without
// analyzing it again.
package blueprint

import (
	"errors"
	"fmt"
	"time"

	"github.com/gitgenie/genie/internal/analyzer"
	"gopkg.in/yaml.v3"
)

// RunPlan is the configuration derived from project analysis.
type RunPlan struct {
	Name            string         `yaml:"name"`
	ProjectType     string         `yaml:"project_type,omitempty"`
	Framework       string         `yaml:"framework,omitempty"`
	InstallCommands []string       `yaml:"install,omitempty"`
	RunCommands     []string       `yaml:"run,omitempty"`
	StartCommand    string         `yaml:"start"`
	Dependencies    []string       `yaml:"dependencies,omitempty"`
	Ports           analyzer.Ports `yaml:"ports,omitempty"`
	GeneratedAt     time.Time      `yaml:"generated_at,omitempty"`
}

// FromAnalysis converts an analysis result into a plan. startCommand is the
// final, port-bound form of the analysis' start command.
func FromAnalysis(name string, a analyzer.Analysis, startCommand string) RunPlan {
	return RunPlan{
		Name:            name,
		ProjectType:     a.ProjectType,
		Framework:       a.Framework,
		InstallCommands: a.InstallCommands,
		RunCommands:     a.RunCommands,
		StartCommand:    startCommand,
		Dependencies:    a.Dependencies,
		Ports:           a.Ports,
	}
}

// Commands lists install then run commands, the order they execute in.
func (p RunPlan) Commands() []string {
	out := make([]string, 0, len(p.InstallCommands)+len(p.RunCommands))
	out = append(out, p.InstallCommands...)
	if len(p.RunCommands) > 1 {
		out = append(out, p.RunCommands[:len(p.RunCommands)-1]...)
	}
	if p.StartCommand != "" {
		out = append(out, p.StartCommand)
	}
	return out
}

// Marshal encodes the plan as YAML.
func Marshal(p RunPlan) ([]byte, error) {
	data, err := yaml.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode run plan: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a plan and checks it names a start command.
func Unmarshal(data []byte) (RunPlan, error) {
	var p RunPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return RunPlan{}, fmt.Errorf("decode run plan: %w", err)
	}
	if p.StartCommand == "" {
		return RunPlan{}, errors.New("invalid run plan: missing start command")
	}
	return p, nil
}
