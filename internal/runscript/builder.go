package runscript

import (
	"fmt"
	"strings"

	"github.com/gitgenie/genie/internal/remote"
)

// SkipInstallVar disables the install section when set to any non-empty value.
const SkipInstallVar = "GENIE_SKIP_INSTALL"

type envVar struct {
	name  string
	value string
	// overridable values are emitted as ${NAME:-value}
	overridable bool
}

// Builder assembles a run script from structured parts. Every command is
// embedded as a single-quoted sh -c argument, so no command text can change
// the structure of the script around it.
type Builder struct {
	header  []string
	sources []string
	env     []envVar
	install []string
	steps   []string
	start   string
	logFile string
	pidFile string
}

// NewBuilder starts a script that backgrounds its start command into logFile
// and records the pid in pidFile, both relative to the script directory.
func NewBuilder(logFile, pidFile string) *Builder {
	return &Builder{logFile: logFile, pidFile: pidFile}
}

// Comment adds a header comment line.
func (b *Builder) Comment(line string) *Builder {
	b.header = append(b.header, strings.ReplaceAll(line, "\n", " "))
	return b
}

// Source loads file, relative to the script directory, with every
// assignment exported. A missing file is ignored.
func (b *Builder) Source(file string) *Builder {
	b.sources = append(b.sources, file)
	return b
}

// Set exports name with a fixed value.
func (b *Builder) Set(name, value string) *Builder {
	b.env = append(b.env, envVar{name: name, value: value})
	return b
}

// Default exports name, keeping a value the caller already provided.
func (b *Builder) Default(name, value string) *Builder {
	b.env = append(b.env, envVar{name: name, value: value, overridable: true})
	return b
}

// Install adds dependency installation commands, skipped when
// GENIE_SKIP_INSTALL is set.
func (b *Builder) Install(cmds ...string) *Builder {
	b.install = append(b.install, nonEmpty(cmds)...)
	return b
}

// Step adds a foreground command run after installs and before the start
// command, such as a build.
func (b *Builder) Step(cmds ...string) *Builder {
	b.steps = append(b.steps, nonEmpty(cmds)...)
	return b
}

// Start sets the long-running command.
func (b *Builder) Start(cmd string) *Builder {
	b.start = strings.TrimSpace(cmd)
	return b
}

// Build renders the script.
func (b *Builder) Build() (string, error) {
	if b.start == "" {
		return "", fmt.Errorf("run script has no start command")
	}
	for _, e := range b.env {
		if !validEnvName(e.name) {
			return "", fmt.Errorf("invalid environment variable name %q", e.name)
		}
	}

	var sb strings.Builder
	sb.WriteString("#!/usr/bin/env bash\n")
	for _, h := range b.header {
		sb.WriteString("# " + h + "\n")
	}
	sb.WriteString("set -e\n")
	sb.WriteString("cd \"$(dirname \"$0\")\"\n\n")

	for _, f := range b.sources {
		q := remote.Quote("./" + f)
		fmt.Fprintf(&sb, "if [ -f %s ]; then set -a; . %s; set +a; fi\n", q, q)
	}
	if len(b.sources) > 0 {
		sb.WriteString("\n")
	}

	for _, e := range b.env {
		if e.overridable {
			fmt.Fprintf(&sb, "export %s=\"${%s:-%s}\"\n", e.name, e.name, escapeDouble(e.value))
		} else {
			fmt.Fprintf(&sb, "export %s=%s\n", e.name, remote.Quote(e.value))
		}
	}
	if len(b.env) > 0 {
		sb.WriteString("\n")
	}

	if len(b.install) > 0 {
		fmt.Fprintf(&sb, "if [ -z \"${%s:-}\" ]; then\n", SkipInstallVar)
		for _, c := range b.install {
			sb.WriteString("  sh -c " + remote.Quote(c) + "\n")
		}
		sb.WriteString("fi\n\n")
	}

	for _, c := range b.steps {
		sb.WriteString("sh -c " + remote.Quote(c) + "\n")
	}

	fmt.Fprintf(&sb, "nohup sh -c %s > %s 2>&1 < /dev/null &\n",
		remote.Quote(b.start), remote.Quote(b.logFile))
	fmt.Fprintf(&sb, "echo $! > %s\n", remote.Quote(b.pidFile))
	return sb.String(), nil
}

func nonEmpty(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// escapeDouble makes s safe inside a double-quoted parameter expansion default.
func escapeDouble(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`", "}", `\}`)
	return r.Replace(s)
}
