package doctor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/remote/remotetest"
)

func TestDiagnoseHealthyHost(t *testing.T) {
	sess := remotetest.NewFakeSession("10.0.0.5")
	sess.OnResult("command -v", remote.Result{Stdout: `bash|/usr/bin/bash|GNU bash, version 5.2.15
setsid|/usr/bin/setsid|
nohup|/usr/bin/nohup|
socket listing|/usr/bin/ss|
Node.js|/usr/bin/node|v20.11.0
npm|/usr/bin/npm|10.2.4
Python|/usr/bin/python3|Python 3.11.2
Java||
Go||
Ruby||
Rust||
root=writable
`})

	d, err := Diagnose(context.Background(), sess, "10.0.0.5", "genie", nil)
	require.NoError(t, err)

	assert.True(t, d.Healthy, d.Issues)
	assert.Empty(t, d.Issues)
	assert.True(t, d.RootWritable)
	assert.Equal(t, "/home/genie/projects", d.ProjectsRoot)
	require.Len(t, d.Tools, len(DefaultTools))
	assert.Equal(t, RuntimeStatus{Name: "Node.js", Installed: true, Version: "v20.11.0", Path: "/usr/bin/node"}, d.Tools[4])
	assert.False(t, d.Tools[7].Installed)
	assert.Equal(t, 1, sess.Ran("command -v"))
	assert.Equal(t, 1, sess.Ran("'/home/genie/projects'"))
}

func TestDiagnoseMissingTools(t *testing.T) {
	sess := remotetest.NewFakeSession("10.0.0.5")
	sess.OnResult("command -v", remote.Result{Stdout: "bash|/bin/bash|GNU bash\nsetsid||\nnohup|/usr/bin/nohup|\nsocket listing|/bin/netstat|\n"})

	d, err := Diagnose(context.Background(), sess, "10.0.0.5", "genie", nil)
	require.NoError(t, err)

	assert.False(t, d.Healthy)
	assert.ElementsMatch(t, []string{
		"setsid is not installed",
		"no project runtime is installed",
		"/home/genie/projects is not writable",
	}, d.Issues)
}

func TestDiagnoseCustomTools(t *testing.T) {
	sess := remotetest.NewFakeSession("10.0.0.5")
	sess.OnResult("command -v", remote.Result{Stdout: "deno|/usr/local/bin/deno|deno 1.40\nroot=writable\n"})

	tools := []Tool{{Name: "deno", Commands: []string{"deno"}, VersionArgs: "--version"}}
	d, err := Diagnose(context.Background(), sess, "10.0.0.5", "genie", tools)
	require.NoError(t, err)
	assert.True(t, d.Healthy)
	assert.Equal(t, "deno 1.40", d.Tools[0].Version)
}

func TestDiagnoseExecError(t *testing.T) {
	sess := remotetest.NewFakeSession("10.0.0.5")
	sess.On("command -v", func(string, string) (remote.Result, error) {
		return remote.Result{}, errors.New("session closed")
	})
	_, err := Diagnose(context.Background(), sess, "10.0.0.5", "genie", nil)
	assert.ErrorContains(t, err, "session closed")
}

func TestCheckCommandQuotesNames(t *testing.T) {
	cmd := checkCommand([]Tool{{Name: "socket listing", Commands: []string{"ss", "netstat"}}}, "/home/genie/projects")
	assert.Contains(t, cmd, "for c in 'ss' 'netstat'")
	assert.Contains(t, cmd, "'socket listing'")
	assert.Contains(t, cmd, "echo "+writableMarker)
}
