package provisioner

import (
	"strings"
)

// PackageManager represents a detected package manager
type PackageManager string

const (
	NPM  PackageManager = "npm"
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	Bun  PackageManager = "bun"
)

// FileExists reports whether a path relative to the project root exists.
type FileExists func(rel string) bool

// PackageManagerInfo contains details about the detected package manager
type PackageManagerInfo struct {
	Manager        PackageManager
	LockFile       string
	InstallCommand []string
	IsMonorepo     bool
}

// DetectPackageManager checks for lock files in the project root and returns
// the appropriate package manager. Priority: pnpm > bun > yarn > npm
func DetectPackageManager(has FileExists, packageJSON string) PackageManagerInfo {
	info := PackageManagerInfo{
		Manager:        NPM, // Default fallback
		InstallCommand: []string{"npm", "install"},
	}

	// Check for pnpm-lock.yaml first (highest priority)
	if has("pnpm-lock.yaml") {
		info.Manager = PNPM
		info.LockFile = "pnpm-lock.yaml"
		info.IsMonorepo = has("pnpm-workspace.yaml") || usesWorkspaceProtocol(packageJSON)

		// Use recursive flag for monorepos
		if info.IsMonorepo {
			info.InstallCommand = []string{"pnpm", "install", "-r"}
		} else {
			info.InstallCommand = []string{"pnpm", "install"}
		}
		return info
	}

	// pnpm monorepo without lock file yet, or workspace: protocol which only
	// pnpm understands
	if has("pnpm-workspace.yaml") || usesWorkspaceProtocol(packageJSON) {
		info.Manager = PNPM
		info.LockFile = "pnpm-lock.yaml"
		info.IsMonorepo = true
		info.InstallCommand = []string{"pnpm", "install", "-r"}
		return info
	}

	for _, lock := range []string{"bun.lockb", "bun.lock"} {
		if has(lock) {
			info.Manager = Bun
			info.LockFile = lock
			info.IsMonorepo = declaresWorkspaces(packageJSON)
			info.InstallCommand = []string{"bun", "install"}
			return info
		}
	}

	if has("yarn.lock") {
		info.Manager = Yarn
		info.LockFile = "yarn.lock"
		info.IsMonorepo = declaresWorkspaces(packageJSON)
		info.InstallCommand = []string{"yarn", "install"}
		return info
	}

	// Fallback to npm
	info.LockFile = "package-lock.json"
	if has("package-lock.json") {
		// reproducible install when the lock file shipped with the project
		info.InstallCommand = []string{"npm", "ci"}
	}
	info.IsMonorepo = declaresWorkspaces(packageJSON)
	return info
}

// usesWorkspaceProtocol checks if package.json uses the workspace: protocol
func usesWorkspaceProtocol(packageJSON string) bool {
	return strings.Contains(packageJSON, "\"workspace:")
}

// declaresWorkspaces checks for yarn/bun/npm workspaces in package.json
func declaresWorkspaces(packageJSON string) bool {
	return strings.Contains(packageJSON, "\"workspaces\"")
}

// BootstrapCommand returns a shell command that makes the manager available
// on the remote host when it is missing. npm ships with node and needs none.
func BootstrapCommand(manager PackageManager) string {
	switch manager {
	case PNPM:
		return "command -v pnpm >/dev/null 2>&1 || corepack enable pnpm"
	case Yarn:
		return "command -v yarn >/dev/null 2>&1 || corepack enable yarn"
	case Bun:
		return "command -v bun >/dev/null 2>&1 || curl -fsSL https://bun.sh/install | bash"
	default:
		return ""
	}
}

// InstallCommands returns the shell commands that install a Node project's
// dependencies on the remote host, bootstrap first.
func InstallCommands(info PackageManagerInfo) []string {
	var cmds []string
	if b := BootstrapCommand(info.Manager); b != "" {
		cmds = append(cmds, b)
	}
	if len(info.InstallCommand) > 0 {
		cmds = append(cmds, strings.Join(info.InstallCommand, " "))
	}
	return cmds
}

// ScriptCommand returns the command that runs a package.json script.
func ScriptCommand(manager PackageManager, script string) string {
	switch manager {
	case Yarn, PNPM, Bun:
		if script == "start" && manager != Bun {
			return string(manager) + " start"
		}
		return string(manager) + " run " + script
	default:
		if script == "start" {
			return "npm start"
		}
		return "npm run " + script
	}
}
