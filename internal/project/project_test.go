package project

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"owned", Identity{OwnerKey: "u-123", Name: "site"}, "/home/genie/projects/u-123/site"},
		{"legacy", Identity{Name: "site"}, "/home/genie/projects/site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dir("genie", tt.id))
			// deterministic
			assert.Equal(t, Dir("genie", tt.id), Dir("genie", tt.id))
		})
	}
}

func TestPathsFor(t *testing.T) {
	p := PathsFor("genie", Identity{OwnerKey: "k", Name: "app"})
	assert.Equal(t, "/home/genie/projects/k/app", p.Dir)
	assert.Equal(t, "/home/genie/projects/k/app/genie-run.sh", p.Script)
	assert.Equal(t, "/home/genie/projects/k/app/.genie.yaml", p.Plan)
	assert.Equal(t, "/home/genie/projects/k/app/genie-run.log", p.RunLog)
	assert.Equal(t, "/home/genie/projects/k/app/genie-launch.log", p.LaunchLog)
	assert.Equal(t, "/home/genie/projects/k/app/.genie.pid", p.PIDFile)
}

func TestValidateName(t *testing.T) {
	valid := []string{"site", "my-app_2", "App.v2"}
	for _, n := range valid {
		assert.NoError(t, ValidateName(n), n)
	}
	invalid := []string{"", "  ", "a/b", `a\b`, "..", "x..y", ".hidden", "bad\nname"}
	for _, n := range invalid {
		assert.ErrorIs(t, ValidateName(n), ErrInvalidName, n)
	}
	assert.Error(t, Identity{OwnerKey: "../etc", Name: "ok"}.Validate())
	assert.NoError(t, Identity{Name: "ok"}.Validate())
}

func TestUUIDResolverIsStable(t *testing.T) {
	r, err := NewUUIDResolver("")
	require.NoError(t, err)

	a, err := r.Resolve(context.Background(), "user-42")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "user-42")
	require.NoError(t, err)
	c, err := r.Resolve(context.Background(), "user-43")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceURL, []byte("user-42")).String(), a)

	_, err = r.Resolve(context.Background(), " ")
	assert.ErrorIs(t, err, ErrOwnerUnavailable)

	_, err = NewUUIDResolver("not-a-uuid")
	assert.Error(t, err)
}

func TestChainAndStaticResolver(t *testing.T) {
	static := StaticResolver{"alice": "a-key"}
	chain := Chain{static, &UUIDResolver{Namespace: uuid.NameSpaceDNS}}

	key, err := chain.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "a-key", key)

	key, err = chain.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceDNS, []byte("bob")).String(), key)

	_, err = static.Resolve(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrOwnerUnavailable)
}

func TestResolveIdentityFallsBackToLegacy(t *testing.T) {
	id, err := ResolveIdentity(context.Background(), StaticResolver{}, "nobody", "site")
	assert.Error(t, err)
	assert.True(t, id.Legacy())
	assert.Equal(t, "/home/genie/projects/site", Dir("genie", id))

	id, err = ResolveIdentity(context.Background(), StaticResolver{"u": "k"}, "u", "site")
	require.NoError(t, err)
	assert.Equal(t, "k/site", id.String())
}
