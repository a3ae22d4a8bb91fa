// Package remotetest provides a scripted in-memory remote.Session for tests.
package remotetest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gitgenie/genie/internal/remote"
)

// Handler answers one command. workDir is the WithWorkDir option, if any.
type Handler func(command, workDir string) (remote.Result, error)

type route struct {
	match string
	h     Handler
}

// Upload records one UploadTree call.
type Upload struct {
	Local  string
	Remote string
	Files  []string
}

// FakeSession is a remote.Session whose commands are answered by handlers
// registered with On. Handlers registered later take precedence. Commands
// without a matching handler succeed with empty output, except `test -f`,
// which is answered from Files.
type FakeSession struct {
	mu sync.Mutex

	Addr     string
	Files    map[string][]byte
	Modes    map[string]os.FileMode
	Commands []string
	Uploads  []Upload
	Closed   int

	UploadErr error
	WriteErr  error

	routes []route
}

// NewFakeSession creates a session reporting addr as its host.
func NewFakeSession(addr string) *FakeSession {
	return &FakeSession{
		Addr:  addr,
		Files: make(map[string][]byte),
		Modes: make(map[string]os.FileMode),
	}
}

// On registers h for commands containing match.
func (f *FakeSession) On(match string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route{match: match, h: h})
}

// OnResult registers a fixed result for commands containing match.
func (f *FakeSession) OnResult(match string, res remote.Result) {
	f.On(match, func(string, string) (remote.Result, error) { return res, nil })
}

// Ran reports how many executed commands contain match.
func (f *FakeSession) Ran(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

func (f *FakeSession) Host() string { return f.Addr }

func (f *FakeSession) Exec(ctx context.Context, command string, opts ...remote.ExecOption) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	full := remote.BuildCommand(command, opts...)
	workDir := ""
	if full != command {
		workDir = strings.TrimSuffix(strings.TrimPrefix(full, "cd "), " && "+command)
		workDir = strings.Trim(workDir, "'")
	}

	f.mu.Lock()
	f.Commands = append(f.Commands, full)
	var h Handler
	for i := len(f.routes) - 1; i >= 0; i-- {
		if strings.Contains(full, f.routes[i].match) {
			h = f.routes[i].h
			break
		}
	}
	f.mu.Unlock()

	if h != nil {
		return h(command, workDir)
	}
	if rest, ok := strings.CutPrefix(command, "test -f "); ok {
		p := strings.Trim(strings.TrimSpace(rest), "'")
		if f.HasFile(p) {
			return remote.Result{}, nil
		}
		return remote.Result{ExitCode: 1}, nil
	}
	return remote.Result{}, nil
}

func (f *FakeSession) UploadTree(ctx context.Context, localPath, remotePath string, exclude remote.ExcludeFunc) (remote.UploadStats, error) {
	if f.UploadErr != nil {
		return remote.UploadStats{}, f.UploadErr
	}
	var stats remote.UploadStats
	up := Upload{Local: localPath, Remote: remotePath}
	err := filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == localPath {
			return err
		}
		rel, _ := filepath.Rel(localPath, p)
		rel = filepath.ToSlash(rel)
		if exclude != nil && exclude(rel, d) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			stats.Dirs++
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.Files[path.Join(remotePath, rel)] = data
		f.mu.Unlock()
		up.Files = append(up.Files, rel)
		stats.Files++
		stats.Bytes += int64(len(data))
		return nil
	})
	if err != nil {
		return stats, err
	}
	f.mu.Lock()
	f.Uploads = append(f.Uploads, up)
	f.mu.Unlock()
	return stats, nil
}

func (f *FakeSession) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[p] = append([]byte(nil), data...)
	f.Modes[p] = mode
	return nil
}

func (f *FakeSession) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	return data, nil
}

// HasFile reports whether p was uploaded or written.
func (f *FakeSession) HasFile(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[p]
	return ok
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed++
	return nil
}

// FakeDialer hands out the same FakeSession on every Dial.
type FakeDialer struct {
	mu      sync.Mutex
	Session *FakeSession
	Err     error
	Dials   int
}

func (d *FakeDialer) Dial(ctx context.Context, host remote.Host) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials++
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Session, nil
}
