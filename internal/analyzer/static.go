package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/provisioner"
)

// signalFile represents a file that signals a specific project type.
type signalFile struct {
	filename    string
	projectType string
}

// Signal files for project detection
var signalFiles = []signalFile{
	{"package.json", "node"},
	{"requirements.txt", "python"},
	{"pyproject.toml", "python"},
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"Gemfile", "ruby"},
}

// Static derives an analysis from signal files and manifest contents alone.
// It never guesses: projects it cannot place fail with ErrAnalysisFailed.
type Static struct{}

func (Static) Analyze(ctx context.Context, fileTree, manifest string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, wrapFailure(err)
	}
	tree := ParseTree(fileTree)
	name, content := SplitManifest(manifest)
	if name == "" {
		for _, sf := range signalFiles {
			if tree.Has(sf.filename) {
				name = sf.filename
				break
			}
		}
	}

	var a Analysis
	switch name {
	case "package.json":
		a = analyzeNodeProject(tree, content)
	case "requirements.txt":
		a = analyzePythonProject(tree, content, "requirements")
	case "pyproject.toml":
		a = analyzePythonProject(tree, content, "pyproject")
	case "go.mod":
		a = analyzeGoProject(tree, content)
	case "Cargo.toml":
		a = analyzeRustProject(content)
	case "pom.xml":
		a = analyzeJavaProject(tree, content, "maven")
	case "build.gradle":
		a = analyzeJavaProject(tree, content, "gradle")
	case "Gemfile":
		a = analyzeRubyProject(tree, content)
	}

	// If no project was detected by signal files, try simple project detection
	if a.StartCommand() == "" {
		simple, ok := DetectSimpleProject(tree)
		if !ok {
			return Analysis{}, fmt.Errorf("%w: no recognizable project in %d files", ErrAnalysisFailed, tree.Len())
		}
		a = simple
	}

	if a.Ports.Frontend == 0 {
		a.Ports.Frontend = DetectPortConfig(a.StartCommand(), a.ProjectType).Port
	}
	return a, nil
}

type packageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Node frameworks in detection order, with their default dev server port.
var nodeFrameworks = []struct {
	dep       string
	framework string
	port      int
}{
	{"next", "nextjs", 3000},
	{"nuxt", "nuxt", 3000},
	{"@angular/core", "angular", 4200},
	{"vite", "vite", 5173},
	{"react-scripts", "create-react-app", 3000},
	{"express", "express", 3000},
	{"fastify", "fastify", 3000},
	{"@nestjs/core", "nestjs", 3000},
}

// analyzeNodeProject extracts info from package.json
func analyzeNodeProject(tree Tree, content string) Analysis {
	a := Analysis{ProjectType: "node"}

	var pkg packageJSON
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		// unreadable manifest: fall back to the conventional entry point
		a.InstallCommands = []string{"npm install"}
		a.RunCommands = []string{"npm start"}
		return a
	}

	pm := provisioner.DetectPackageManager(tree.Has, content)
	a.InstallCommands = provisioner.InstallCommands(pm)
	a.Dependencies = sortedKeys(pkg.Dependencies)

	deps := make(map[string]bool)
	for k := range pkg.Dependencies {
		deps[k] = true
	}
	for k := range pkg.DevDependencies {
		deps[k] = true
	}
	for _, fw := range nodeFrameworks {
		if deps[fw.dep] {
			a.Framework = fw.framework
			a.Ports.Frontend = fw.port
			break
		}
	}

	_, hasStart := pkg.Scripts["start"]
	_, hasDev := pkg.Scripts["dev"]
	_, hasBuild := pkg.Scripts["build"]
	run := func(script string) string { return provisioner.ScriptCommand(pm.Manager, script) }

	// Use package manager scripts instead of raw script content so that
	// node_modules/.bin is on PATH
	switch a.Framework {
	case "nextjs", "nuxt":
		if hasBuild && hasStart {
			a.RunCommands = []string{run("build"), run("start")}
		} else if hasDev {
			a.RunCommands = []string{run("dev")}
		}
	case "vite":
		if hasDev {
			a.RunCommands = []string{run("dev") + " -- --host 0.0.0.0 --port 5173"}
		} else if hasStart {
			a.RunCommands = []string{run("start")}
		}
	case "angular":
		if hasStart {
			a.RunCommands = []string{run("start") + " -- --host 0.0.0.0 --port 4200"}
		}
	}
	if len(a.RunCommands) == 0 {
		switch {
		case hasStart:
			a.RunCommands = []string{run("start")}
		case hasDev:
			a.RunCommands = []string{run("dev")}
		case tree.Has("server.js"):
			a.RunCommands = []string{"node server.js"}
		case tree.Has("index.js"):
			a.RunCommands = []string{"node index.js"}
		default:
			a.RunCommands = []string{run("start")}
		}
	}
	return a
}

var requirementName = regexp.MustCompile(`^([A-Za-z0-9_.\-]+)`)

// parseRequirements returns lower-cased package names from a requirements file
func parseRequirements(content string) []string {
	var names []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if m := requirementName.FindString(line); m != "" {
			names = append(names, strings.ToLower(m))
		}
	}
	return names
}

// pythonEntry returns the first of the usual entry points present in the tree
func pythonEntry(tree Tree) string {
	for _, f := range []string{"app.py", "main.py", "server.py", "run.py", "wsgi.py"} {
		if tree.Has(f) {
			return f
		}
	}
	return ""
}

// analyzePythonProject extracts info for Python projects
func analyzePythonProject(tree Tree, content, configType string) Analysis {
	a := Analysis{ProjectType: "python"}
	lower := strings.ToLower(content)

	switch configType {
	case "requirements":
		a.InstallCommands = []string{"python3 -m pip install -r requirements.txt"}
		a.Dependencies = parseRequirements(content)
	case "pyproject":
		if strings.Contains(content, "[tool.poetry]") {
			a.InstallCommands = []string{"poetry install"}
		} else {
			a.InstallCommands = []string{"python3 -m pip install ."}
		}
	}

	entry := pythonEntry(tree)
	module := strings.TrimSuffix(entry, ".py")
	switch {
	case strings.Contains(lower, "django") && tree.Has("manage.py"):
		a.Framework = "django"
		a.RunCommands = []string{"python3 manage.py runserver 0.0.0.0:8000"}
		a.Ports.Frontend = 8000
	case strings.Contains(lower, "fastapi") && entry != "":
		a.Framework = "fastapi"
		a.RunCommands = []string{"python3 -m uvicorn " + module + ":app --host 0.0.0.0 --port 8000"}
		a.Ports.Frontend = 8000
	case strings.Contains(lower, "flask") && entry != "":
		a.Framework = "flask"
		a.RunCommands = []string{"python3 -m flask --app " + module + " run --host 0.0.0.0 --port 5000"}
		a.Ports.Frontend = 5000
	case configType == "pyproject" && strings.Contains(content, "[tool.poetry]"):
		target := entry
		if target == "" {
			target = "main.py"
		}
		a.RunCommands = []string{"poetry run python3 " + target}
	case entry != "":
		a.RunCommands = []string{"python3 " + entry}
	case tree.Has("manage.py"):
		a.RunCommands = []string{"python3 manage.py runserver 0.0.0.0:8000"}
	case configType == "pyproject":
		a.RunCommands = []string{"python3 -m app"}
	}
	return a
}

var goRequire = regexp.MustCompile(`(?m)^\s*(?:require\s+)?([a-z0-9.\-]+\.[a-z]+/[^\s]+)\s+v\d`)

// analyzeGoProject extracts info for Go projects
func analyzeGoProject(tree Tree, content string) Analysis {
	a := Analysis{ProjectType: "go", InstallCommands: []string{"go mod download"}}

	for _, m := range goRequire.FindAllStringSubmatch(content, -1) {
		a.Dependencies = append(a.Dependencies, m[1])
	}
	for _, fw := range []struct{ mod, name string }{
		{"github.com/gin-gonic/gin", "gin"},
		{"github.com/labstack/echo", "echo"},
		{"github.com/gofiber/fiber", "fiber"},
		{"github.com/go-chi/chi", "chi"},
	} {
		if strings.Contains(content, fw.mod) {
			a.Framework = fw.name
			break
		}
	}

	// Check for common entry points
	switch {
	case tree.Has("main.go"):
		a.RunCommands = []string{"go run ."}
	default:
		if cmd := firstCommandDir(tree); cmd != "" {
			a.RunCommands = []string{"go run ./" + cmd}
		} else {
			a.RunCommands = []string{"go run ."}
		}
	}
	return a
}

// firstCommandDir finds cmd/<name>/main.go in the listing
func firstCommandDir(tree Tree) string {
	var found []string
	for _, p := range tree.list {
		if strings.HasPrefix(p, "cmd/") && path.Base(p) == "main.go" {
			found = append(found, path.Dir(p))
		}
	}
	sort.Strings(found)
	if len(found) == 0 {
		return ""
	}
	return found[0]
}

// analyzeRustProject extracts info for Rust projects
func analyzeRustProject(content string) Analysis {
	a := Analysis{
		ProjectType:     "rust",
		InstallCommands: []string{"cargo build --release"},
		RunCommands:     []string{"cargo run --release"},
	}
	for _, fw := range []string{"actix-web", "axum", "rocket", "warp"} {
		if strings.Contains(content, fw) {
			a.Framework = fw
			break
		}
	}
	return a
}

// analyzeJavaProject extracts info for Java projects
func analyzeJavaProject(tree Tree, content, buildTool string) Analysis {
	a := Analysis{ProjectType: "java"}

	// Detect Spring Boot indicators
	isSpringBoot := strings.Contains(content, "org.springframework.boot") ||
		strings.Contains(content, "spring-boot")
	if isSpringBoot {
		a.Framework = "spring-boot"
		a.Ports.Frontend = 8080
	}

	switch buildTool {
	case "maven":
		if isSpringBoot {
			a.RunCommands = []string{"mvn spring-boot:run"}
		} else {
			a.RunCommands = []string{"mvn -q -DskipTests package", "java -jar target/*.jar"}
		}
	case "gradle":
		gradle := "gradle"
		if tree.Has("gradlew") {
			gradle = "./gradlew"
			a.InstallCommands = []string{"chmod +x gradlew"}
		}
		if isSpringBoot {
			a.RunCommands = []string{gradle + " bootRun"}
		} else {
			a.RunCommands = []string{gradle + " build -x test", "java -jar build/libs/*.jar"}
		}
	}
	return a
}

// analyzeRubyProject extracts info for Ruby projects
func analyzeRubyProject(tree Tree, content string) Analysis {
	a := Analysis{ProjectType: "ruby", InstallCommands: []string{"bundle install"}}

	// Check for common Ruby frameworks and entry points
	switch {
	case tree.Has("config/application.rb") || strings.Contains(content, "'rails'") || strings.Contains(content, `"rails"`):
		a.Framework = "rails"
		a.RunCommands = []string{"bundle exec rails server"}
	case tree.Has("config.ru"):
		// Rack application
		a.Framework = "rack"
		a.RunCommands = []string{"bundle exec rackup"}
	case tree.Has("app.rb"):
		// Sinatra or simple Ruby app
		if strings.Contains(content, "sinatra") {
			a.Framework = "sinatra"
		}
		a.RunCommands = []string{"bundle exec ruby app.rb"}
	default:
		a.RunCommands = []string{"bundle exec ruby main.rb"}
	}
	return a
}

// DetectSimpleProject recognizes projects without a manifest: static sites
// and loose Python scripts.
func DetectSimpleProject(tree Tree) (Analysis, bool) {
	var htmlFiles, pyFiles []string
	for _, name := range tree.TopLevel() {
		if tree.HasDir(name) {
			continue
		}
		switch path.Ext(name) {
		case ".html", ".htm":
			htmlFiles = append(htmlFiles, name)
		case ".py":
			pyFiles = append(pyFiles, name)
		}
	}

	// Priority 1: HTML project, served as static files
	if len(htmlFiles) > 0 {
		return Analysis{
			ProjectType: "html",
			Framework:   "static",
			RunCommands: []string{"python3 -m http.server $PORT --bind 0.0.0.0"},
		}, true
	}

	// Priority 2: Python project
	if len(pyFiles) > 0 {
		target := pythonEntry(tree)
		if target == "" {
			target = pyFiles[0]
		}
		return Analysis{
			ProjectType: "python",
			RunCommands: []string{"python3 " + target},
		}, true
	}

	return Analysis{}, false
}

// PortConfig contains detected port configuration from the run command
type PortConfig struct {
	// Port is the detected port number
	Port int
	// Detected indicates if a port was found in the command
	Detected bool
	// IsDefault indicates if this is a default port (not explicitly specified)
	IsDefault bool
}

// Default ports for common frameworks
var defaultPortsByLanguage = map[string]int{
	"node":   3000,
	"python": 5000, // Flask default
	"java":   8080, // Spring Boot default
	"go":     8080,
	"ruby":   3000, // Rails default
	"rust":   8080,
}

// DetectPortConfig scans a run command for port configuration
func DetectPortConfig(runCommand string, projectType string) PortConfig {
	var config PortConfig
	if runCommand == "" {
		return config
	}

	if info := ports.ExtractPort(runCommand); info.Found {
		config.Port = info.Port
		config.Detected = true
		config.IsDefault = info.Pattern == "default"
		return config
	}

	// Fall back to language defaults
	if port, ok := defaultPortsByLanguage[projectType]; ok {
		config.Port = port
		config.Detected = true
		config.IsDefault = true
	}
	return config
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
