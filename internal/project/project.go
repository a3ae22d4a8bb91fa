// Package project names user projects and maps them to directories on the
// remote host.
package project

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Files the orchestrator keeps inside every remote project directory.
const (
	ScriptName    = "genie-run.sh"
	PlanName      = ".genie.yaml"
	RunLogName    = "genie-run.log"
	LaunchLogName = "genie-launch.log"
	PIDFileName   = ".genie.pid"
	EnvFileName   = ".env"
)

// ErrInvalidName is returned for names that would escape the projects root.
var ErrInvalidName = errors.New("invalid project name")

// ErrOwnerUnavailable means no owner key could be derived for a user.
var ErrOwnerUnavailable = errors.New("owner key unavailable")

// Identity names one project of one user. An empty OwnerKey selects the
// legacy flat layout.
type Identity struct {
	OwnerKey string `json:"owner_key,omitempty"`
	Name     string `json:"name"`
}

// Legacy reports whether the identity uses the flat layout.
func (id Identity) Legacy() bool { return id.OwnerKey == "" }

func (id Identity) String() string {
	if id.Legacy() {
		return id.Name
	}
	return id.OwnerKey + "/" + id.Name
}

// ValidateName rejects names containing path separators, parent references or
// a leading dot.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q contains ..", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsAny(name, "\x00\n\r"):
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidName, name)
	}
	return nil
}

// Validate checks both components of the identity.
func (id Identity) Validate() error {
	if err := ValidateName(id.Name); err != nil {
		return err
	}
	if id.OwnerKey != "" {
		if err := ValidateName(id.OwnerKey); err != nil {
			return fmt.Errorf("owner key: %w", err)
		}
	}
	return nil
}

// Root is the directory holding every project of remoteUser.
func Root(remoteUser string) string {
	return path.Join("/home", remoteUser, "projects")
}

// Dir returns /home/{remoteUser}/projects/{ownerKey}/{name}, or
// /home/{remoteUser}/projects/{name} for legacy identities.
func Dir(remoteUser string, id Identity) string {
	if id.Legacy() {
		return path.Join(Root(remoteUser), id.Name)
	}
	return path.Join(Root(remoteUser), id.OwnerKey, id.Name)
}

// Paths are the well-known files of one project directory.
type Paths struct {
	Dir       string
	Script    string
	Plan      string
	RunLog    string
	LaunchLog string
	PIDFile   string
	Env       string
}

// PathsFor derives every well-known path for id.
func PathsFor(remoteUser string, id Identity) Paths {
	dir := Dir(remoteUser, id)
	return PathsIn(dir)
}

// PathsIn lists the well-known files inside dir.
func PathsIn(dir string) Paths {
	return Paths{
		Dir:       dir,
		Script:    path.Join(dir, ScriptName),
		Plan:      path.Join(dir, PlanName),
		RunLog:    path.Join(dir, RunLogName),
		LaunchLog: path.Join(dir, LaunchLogName),
		PIDFile:   path.Join(dir, PIDFileName),
		Env:       path.Join(dir, EnvFileName),
	}
}

// OwnerKeyResolver maps an application user to the key that namespaces their
// projects on the VM.
type OwnerKeyResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// UUIDResolver derives a stable owner key as a name-based (SHA-1) UUID of the
// user id inside Namespace.
type UUIDResolver struct {
	Namespace uuid.UUID
}

// NewUUIDResolver parses namespace. An empty namespace uses the URL namespace.
func NewUUIDResolver(namespace string) (*UUIDResolver, error) {
	if namespace == "" {
		return &UUIDResolver{Namespace: uuid.NameSpaceURL}, nil
	}
	ns, err := uuid.Parse(namespace)
	if err != nil {
		return nil, fmt.Errorf("parse identity namespace: %w", err)
	}
	return &UUIDResolver{Namespace: ns}, nil
}

func (r *UUIDResolver) Resolve(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrOwnerUnavailable
	}
	return uuid.NewSHA1(r.Namespace, []byte(userID)).String(), nil
}

// StaticResolver looks owner keys up in a fixed table.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(ctx context.Context, userID string) (string, error) {
	key, ok := r[userID]
	if !ok || key == "" {
		return "", fmt.Errorf("%w: unknown user %q", ErrOwnerUnavailable, userID)
	}
	return key, nil
}

// Chain tries each resolver in order and returns the first key found.
type Chain []OwnerKeyResolver

func (c Chain) Resolve(ctx context.Context, userID string) (string, error) {
	var errs []error
	for _, r := range c {
		key, err := r.Resolve(ctx, userID)
		if err == nil && key != "" {
			return key, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return "", ErrOwnerUnavailable
	}
	return "", errors.Join(errs...)
}

// ResolveIdentity builds the identity of name for userID. Resolution failures
// are reported but still yield a usable legacy identity.
func ResolveIdentity(ctx context.Context, r OwnerKeyResolver, userID, name string) (Identity, error) {
	id := Identity{Name: name}
	if r == nil {
		return id, ErrOwnerUnavailable
	}
	key, err := r.Resolve(ctx, userID)
	if err != nil {
		return id, err
	}
	id.OwnerKey = key
	return id, nil
}
