// Package secrets carries a project's local environment files to the remote
// host and reports variables the code reads that nothing defines.
//
// Dot files are never part of an upload, so .env and .env.local are read
// locally and rewritten on the VM as a single shell-sourceable .env.
package secrets

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// EnvVar is a variable referenced by project source.
type EnvVar struct {
	Name     string `json:"name"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Language string `json:"language"`
	// Required is set for secrets (keys, tokens, passwords) without a
	// default in an example env file.
	Required bool `json:"required"`
}

// Files merged by Load; later files win.
var envFiles = []string{".env", ".env.local"}

var exampleFiles = []string{".env.example", ".env.sample", ".env.template", ".env.defaults"}

var envPatterns = map[string]*regexp.Regexp{
	"node":   regexp.MustCompile(`process\.env\.([A-Z][A-Z0-9_]*)|process\.env\[['"]([A-Z][A-Z0-9_]*)['"]\]`),
	"python": regexp.MustCompile(`os\.environ(?:\.get)?[\[(]['"]([A-Z][A-Z0-9_]*)['"]|os\.getenv\(['"]([A-Z][A-Z0-9_]*)['"]`),
	"java":   regexp.MustCompile(`System\.getenv\(['"]([A-Z][A-Z0-9_]*)['"]\)`),
	"go":     regexp.MustCompile(`os\.(?:Getenv|LookupEnv)\(['"]([A-Z][A-Z0-9_]*)['"]\)`),
	"ruby":   regexp.MustCompile(`ENV(?:\.fetch\(|\[)['"]([A-Z][A-Z0-9_]*)['"]`),
	"rust":   regexp.MustCompile(`(?:std::)?env::var\(['"]([A-Z][A-Z0-9_]*)['"]\)`),
}

var languageExtensions = map[string][]string{
	"node":   {".js", ".ts", ".jsx", ".tsx", ".mjs", ".cjs"},
	"python": {".py"},
	"java":   {".java", ".kt"},
	"go":     {".go"},
	"ruby":   {".rb"},
	"rust":   {".rs"},
}

// provided by the VM or by the run script
var ignoredEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "NODE_ENV": true, "LANG": true,
	"SHELL": true, "PWD": true, "TERM": true, "TMPDIR": true, "HOSTNAME": true,
	"PORT": true, "HOST": true, "FRONTEND_PORT": true, "BACKEND_PORT": true,
	"DEBUG": true, "CI": true,
}

var skippedDirs = map[string]bool{
	"node_modules": true, ".git": true, "vendor": true, "target": true, "build": true,
	"dist": true, "__pycache__": true, ".venv": true, "venv": true, ".next": true,
}

var criticalPatterns = []string{
	"API_KEY", "APIKEY", "SECRET", "TOKEN", "PASSWORD", "PASSWD",
	"PRIVATE_KEY", "CREDENTIAL", "ACCESS_KEY", "DATABASE_URL",
}

// Load merges the env files found in projectPath. It returns an empty map
// when there are none.
func Load(projectPath string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, name := range envFiles {
		m, err := godotenv.Read(filepath.Join(projectPath, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			vars[k] = v
		}
	}
	return vars, nil
}

// Render formats vars as a file both dotenv loaders and POSIX shells read.
func Render(vars map[string]string) []byte {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("# Written by genie from the local .env files.\n")
	for _, k := range keys {
		sb.WriteString(k + "='" + strings.ReplaceAll(vars[k], "'", `'\''`) + "'\n")
	}
	return []byte(sb.String())
}

// Scan walks projectPath for environment variables read by language's
// source files. Unknown languages are scanned with every pattern.
func Scan(projectPath, language string) ([]EnvVar, error) {
	lang := strings.ToLower(language)
	patterns := patternsFor(lang)
	exts := extensionsFor(lang)

	seen := make(map[string]bool)
	var found []EnvVar
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != projectPath && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !exts[filepath.Ext(path)] {
			return nil
		}
		vars, err := scanFile(path, patterns)
		if err != nil {
			return nil
		}
		for _, v := range vars {
			if seen[v.Name] || ignoredEnvVars[v.Name] {
				continue
			}
			seen[v.Name] = true
			if rel, err := filepath.Rel(projectPath, v.File); err == nil {
				v.File = filepath.ToSlash(rel)
			}
			found = append(found, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	defaults := exampleDefaults(projectPath)
	for i := range found {
		found[i].Required = isCritical(found[i].Name) && !defaults[found[i].Name]
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// Missing returns the required variables absent from defined.
func Missing(vars []EnvVar, defined map[string]string) []EnvVar {
	var out []EnvVar
	for _, v := range vars {
		if _, ok := defined[v.Name]; v.Required && !ok {
			out = append(out, v)
		}
	}
	return out
}

func patternsFor(lang string) map[string]*regexp.Regexp {
	if p, ok := envPatterns[lang]; ok {
		return map[string]*regexp.Regexp{lang: p}
	}
	return envPatterns
}

func extensionsFor(lang string) map[string]bool {
	exts := make(map[string]bool)
	for l, list := range languageExtensions {
		if _, known := languageExtensions[lang]; known && l != lang {
			continue
		}
		for _, e := range list {
			exts[e] = true
		}
	}
	return exts
}

func exampleDefaults(root string) map[string]bool {
	defaults := make(map[string]bool)
	for _, name := range exampleFiles {
		vars, err := godotenv.Read(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for k, v := range vars {
			if v != "" {
				defaults[k] = true
			}
		}
	}
	return defaults
}

func isCritical(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range criticalPatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

func scanFile(path string, patterns map[string]*regexp.Regexp) ([]EnvVar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vars []EnvVar
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		for lang, re := range patterns {
			for _, m := range re.FindAllStringSubmatch(line, -1) {
				for _, g := range m[1:] {
					if g != "" {
						vars = append(vars, EnvVar{Name: g, File: path, Line: n, Language: lang})
						break
					}
				}
			}
		}
	}
	return vars, sc.Err()
}
