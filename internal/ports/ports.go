package ports

import (
	"regexp"
	"strconv"
	"strings"
)

// PortInfo contains information about a port extracted from a command
type PortInfo struct {
	Port     int
	Found    bool
	Pattern  string // The pattern that matched (e.g., "--port 3000", ":3000")
	Original string // The original matched string
}

// Common port patterns in run commands
var portPatterns = []*regexp.Regexp{
	// --port 3000, --port=3000, -p 3000, -p=3000
	regexp.MustCompile(`(?:--port[=\s]|--PORT[=\s]|-p[=\s])(\d+)`),
	// PORT=3000
	regexp.MustCompile(`(?:PORT=)(\d+)`),
	// Java/Spring Boot: -Dserver.port=8080
	regexp.MustCompile(`-Dserver\.port=(\d+)`),
	// :3000 (common in URLs and host:port patterns)
	regexp.MustCompile(`:(\d{4,5})(?:\s|$|/)`),
	// localhost:3000
	regexp.MustCompile(`localhost:(\d+)`),
	// 127.0.0.1:3000
	regexp.MustCompile(`127\.0\.0\.1:(\d+)`),
	// 0.0.0.0:3000
	regexp.MustCompile(`0\.0\.0\.0:(\d+)`),
}

// Default ports for common frameworks/tools
var defaultPorts = map[string]int{
	"npm start":                  3000,
	"npm run dev":                3000,
	"yarn start":                 3000,
	"yarn dev":                   3000,
	"python manage.py runserver": 8000,
	"flask run":                  5000,
	"rails server":               3000,
	"bundle exec rails server":   3000,
	"go run":                     8080,
	"cargo run":                  8080,
	"mvn spring-boot:run":        8080,
	"./gradlew bootRun":          8080,
}

// ExtractPort attempts to extract a port number from a run command
func ExtractPort(runCommand string) PortInfo {
	info := PortInfo{Found: false}

	for _, pattern := range portPatterns {
		matches := pattern.FindStringSubmatch(runCommand)
		if len(matches) >= 2 {
			port, err := strconv.Atoi(matches[1])
			if err == nil && port > 0 && port < 65536 {
				info.Port = port
				info.Found = true
				info.Pattern = pattern.String()
				info.Original = matches[0]
				return info
			}
		}
	}

	// Check for default ports based on command patterns
	cmdLower := strings.ToLower(runCommand)
	for pattern, port := range defaultPorts {
		if strings.Contains(cmdLower, strings.ToLower(pattern)) {
			info.Port = port
			info.Found = true
			info.Pattern = "default"
			return info
		}
	}

	return info
}

// RewritePort replaces an explicit oldPort in the command with replacement,
// which may be a number or a shell expansion such as "${PORT}". Commands that
// only imply a framework default get a port flag instead.
func RewritePort(runCommand string, oldPort int, replacement string) string {
	oldPortStr := strconv.Itoa(oldPort)
	// literal "$" in the replacement, not a group reference
	repl := strings.ReplaceAll(replacement, "$", "$$")

	// Try specific patterns first for more accurate replacement
	replacements := []struct {
		pattern *regexp.Regexp
		replace string
	}{
		// --port 3000 -> --port 3001
		{regexp.MustCompile(`(--port[=\s])` + oldPortStr + `\b`), "${1}" + repl},
		{regexp.MustCompile(`(--PORT[=\s])` + oldPortStr + `\b`), "${1}" + repl},
		{regexp.MustCompile(`(-p[=\s])` + oldPortStr + `\b`), "${1}" + repl},
		{regexp.MustCompile(`(PORT=)` + oldPortStr + `\b`), "${1}" + repl},
		{regexp.MustCompile(`(-Dserver\.port=)` + oldPortStr + `\b`), "${1}" + repl},
		// localhost binds are rewritten to all interfaces; the VM is remote
		{regexp.MustCompile(`(?:localhost|127\.0\.0\.1):` + oldPortStr + `\b`), "0.0.0.0:" + repl},
		{regexp.MustCompile(`(0\.0\.0\.0:)` + oldPortStr + `\b`), "${1}" + repl},
		// :3000 -> :3001 (generic host:port)
		{regexp.MustCompile(`(:)` + oldPortStr + `\b`), "${1}" + repl},
	}

	for _, r := range replacements {
		if r.pattern.MatchString(runCommand) {
			return r.pattern.ReplaceAllString(runCommand, r.replace)
		}
	}

	lower := strings.ToLower(runCommand)
	switch {
	case strings.Contains(lower, "npm") || strings.Contains(lower, "yarn") || strings.Contains(lower, "pnpm"):
		// PORT works with Vite, Next.js, CRA and Turbo
		if !strings.HasPrefix(runCommand, "PORT=") {
			return "PORT=" + replacement + " " + runCommand
		}
	case strings.Contains(lower, "python"):
		if strings.Contains(runCommand, "flask") {
			return runCommand + " --host 0.0.0.0 --port " + replacement
		} else if strings.Contains(runCommand, "manage.py") {
			return runCommand + " 0.0.0.0:" + replacement
		}
	case strings.Contains(lower, "rails") || strings.Contains(lower, "bundle exec"):
		return runCommand + " -b 0.0.0.0 -p " + replacement
	case strings.Contains(runCommand, "mvn") || strings.Contains(runCommand, "gradle"):
		if !strings.Contains(runCommand, "-Dserver.port") {
			return runCommand + " -Dserver.port=" + replacement
		}
	case strings.Contains(runCommand, "java"):
		if !strings.Contains(runCommand, "-Dserver.port") {
			if strings.Contains(runCommand, "-jar") {
				return strings.Replace(runCommand, "-jar", "-Dserver.port="+replacement+" -jar", 1)
			}
			return runCommand + " -Dserver.port=" + replacement
		}
	}

	return runCommand
}

// AppendPortFlag appends the appropriate port flag for a language to a command
func AppendPortFlag(runCommand string, language string, port string) string {
	switch strings.ToLower(language) {
	case "node", "nodejs", "javascript", "typescript":
		if !strings.HasPrefix(runCommand, "PORT=") {
			return "PORT=" + port + " " + runCommand
		}
		return runCommand

	case "python":
		if strings.Contains(runCommand, "flask") {
			return runCommand + " --host 0.0.0.0 --port " + port
		} else if strings.Contains(runCommand, "manage.py") {
			return runCommand + " 0.0.0.0:" + port
		} else if strings.Contains(runCommand, "uvicorn") {
			return runCommand + " --host 0.0.0.0 --port " + port
		}
		// plain scripts read PORT from the environment
		return runCommand

	case "java":
		if strings.Contains(runCommand, "-jar") {
			return strings.Replace(runCommand, "-jar", "-Dserver.port="+port+" -jar", 1)
		}
		return runCommand + " -Dserver.port=" + port

	case "ruby":
		return runCommand + " -b 0.0.0.0 -p " + port

	case "html", "static":
		return runCommand

	default:
		// Go, Rust and unknown stacks are expected to honour $PORT
		return runCommand
	}
}

// BindToPortVariable makes runCommand listen on the port held in the PORT
// environment variable, on all interfaces.
func BindToPortVariable(runCommand string, language string) string {
	const portVar = "${PORT}"
	if strings.Contains(runCommand, portVar) || strings.Contains(runCommand, "$PORT") {
		return runCommand
	}
	info := ExtractPort(runCommand)
	if info.Found && info.Pattern != "default" {
		return RewritePort(runCommand, info.Port, portVar)
	}
	if info.Found {
		rewritten := RewritePort(runCommand, info.Port, portVar)
		if rewritten != runCommand {
			return rewritten
		}
	}
	return AppendPortFlag(runCommand, language, portVar)
}
