// Package doctor checks that the remote host has the tools project launches
// depend on.
package doctor

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
)

// Tool is a command looked up on the remote host.
type Tool struct {
	Name string
	// Commands are tried in order; the first one found wins.
	Commands []string
	// VersionArgs prints the version of the found command.
	VersionArgs string
	// Required tools are needed by every launch; the others only by some
	// project types.
	Required bool
}

// RuntimeStatus represents the status of a tool check
type RuntimeStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Required  bool   `json:"required"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Diagnosis contains the full health check results
type Diagnosis struct {
	Host         string          `json:"host"`
	ProjectsRoot string          `json:"projects_root"`
	RootWritable bool            `json:"root_writable"`
	Tools        []RuntimeStatus `json:"tools"`
	Healthy      bool            `json:"healthy"`
	Issues       []string        `json:"issues"`
}

// DefaultTools are the launch prerequisites and the runtimes of the
// supported project types.
var DefaultTools = []Tool{
	{Name: "bash", Commands: []string{"bash"}, VersionArgs: "--version", Required: true},
	{Name: "setsid", Commands: []string{"setsid"}, Required: true},
	{Name: "nohup", Commands: []string{"nohup"}, Required: true},
	{Name: "socket listing", Commands: []string{"ss", "netstat"}, Required: true},
	{Name: "Node.js", Commands: []string{"node"}, VersionArgs: "--version"},
	{Name: "npm", Commands: []string{"npm"}, VersionArgs: "--version"},
	{Name: "Python", Commands: []string{"python3", "python"}, VersionArgs: "--version"},
	{Name: "Java", Commands: []string{"java"}, VersionArgs: "-version"},
	{Name: "Go", Commands: []string{"go"}, VersionArgs: "version"},
	{Name: "Ruby", Commands: []string{"ruby"}, VersionArgs: "--version"},
	{Name: "Rust", Commands: []string{"cargo"}, VersionArgs: "--version"},
}

const writableMarker = "root=writable"

// checkCommand prints one "name|path|version" line per tool.
func checkCommand(tools []Tool, root string) string {
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "p=''; for c in %s; do p=$(command -v \"$c\" 2>/dev/null) && break; done; ",
			strings.Join(quoteAll(t.Commands), " "))
		version := "''"
		if t.VersionArgs != "" {
			version = fmt.Sprintf("\"$(\"$p\" %s 2>&1 | head -n 1)\"", t.VersionArgs)
		}
		fmt.Fprintf(&b, "if [ -n \"$p\" ]; then printf '%%s|%%s|%%s\\n' %s \"$p\" %s; else printf '%%s||\\n' %s; fi; ",
			remote.Quote(t.Name), version, remote.Quote(t.Name))
	}
	fmt.Fprintf(&b, "mkdir -p %s 2>/dev/null && [ -w %s ] && echo %s; true",
		remote.Quote(root), remote.Quote(root), writableMarker)
	return b.String()
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = remote.Quote(s)
	}
	return out
}

// Diagnose runs every check in one remote command.
func Diagnose(ctx context.Context, exec remote.Executor, host, remoteUser string, tools []Tool) (Diagnosis, error) {
	if tools == nil {
		tools = DefaultTools
	}
	root := project.Root(remoteUser)
	d := Diagnosis{Host: host, ProjectsRoot: root, Healthy: true, Issues: []string{}}

	res, err := exec.Exec(ctx, checkCommand(tools, root))
	if err != nil {
		return d, fmt.Errorf("run remote checks: %w", err)
	}

	found := map[string]RuntimeStatus{}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == writableMarker {
			d.RootWritable = true
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		found[parts[0]] = RuntimeStatus{
			Name:      parts[0],
			Path:      parts[1],
			Version:   strings.TrimSpace(parts[2]),
			Installed: parts[1] != "",
		}
	}

	var runtimes int
	for _, t := range tools {
		st := found[t.Name]
		st.Name, st.Required = t.Name, t.Required
		d.Tools = append(d.Tools, st)
		switch {
		case st.Installed && !t.Required:
			runtimes++
		case !st.Installed && t.Required:
			d.Healthy = false
			d.Issues = append(d.Issues, t.Name+" is not installed")
		}
	}
	if runtimes == 0 {
		d.Healthy = false
		d.Issues = append(d.Issues, "no project runtime is installed")
	}
	if !d.RootWritable {
		d.Healthy = false
		d.Issues = append(d.Issues, root+" is not writable")
	}
	return d, nil
}
