package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbtty/internal/bootstrap"
	"nbtty/internal/channel"
	"nbtty/internal/config"
	"nbtty/internal/master"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	t.Setenv("NBTTY_RUNTIME_DIR", t.TempDir())
	settings, err := config.Load()
	require.NoError(t, err)
	return settings
}

func deadPid(t *testing.T) int {
	t.Helper()
	command := exec.Command("true")
	require.NoError(t, command.Run())
	return command.Process.Pid
}

func TestSessionName(t *testing.T) {
	name, err := sessionName([]string{"work"})
	require.NoError(t, err)
	assert.Equal(t, "work", name)

	_, err = sessionName(nil)
	assert.Error(t, err)
	_, err = sessionName([]string{"a", "b"})
	assert.Error(t, err)
	_, err = sessionName([]string{"../escape"})
	assert.Error(t, err)
}

func TestLiveSession_Missing(t *testing.T) {
	settings := testSettings(t)
	_, err := liveSession(settings, "absent")
	assert.EqualError(t, err, "no session named absent")
}

func TestLiveSession_StaleFilesRemoved(t *testing.T) {
	settings := testSettings(t)
	require.NoError(t, bootstrap.WriteControl(settings.ControlPath("old"), bootstrap.Control{PID: deadPid(t)}))
	require.NoError(t, os.WriteFile(settings.SocketPath("old"), nil, 0o600))

	_, err := liveSession(settings, "old")
	assert.EqualError(t, err, "session old is not running")
	assert.NoFileExists(t, settings.ControlPath("old"))
	assert.NoFileExists(t, settings.SocketPath("old"))
}

func TestPrepareNamed(t *testing.T) {
	settings := testSettings(t)

	live := bootstrap.Control{PID: os.Getpid(), Started: time.Now()}
	require.NoError(t, bootstrap.WriteControl(settings.ControlPath("busy"), live))
	err := prepareNamed(settings, "busy")
	assert.ErrorContains(t, err, "already running")

	require.NoError(t, bootstrap.WriteControl(settings.ControlPath("done"), bootstrap.Control{PID: deadPid(t)}))
	require.NoError(t, prepareNamed(settings, "done"))
	assert.NoFileExists(t, settings.ControlPath("done"))

	assert.Error(t, prepareNamed(settings, ""))
}

func TestAbandon_HangsUpAndRemovesFiles(t *testing.T) {
	session, err := master.Spawn(master.Command{Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	defer session.Close()

	dir := t.TempDir()
	request := bootstrap.Request{
		SocketPath:  filepath.Join(dir, "work.sock"),
		ControlPath: filepath.Join(dir, "work.ctl"),
	}
	require.NoError(t, os.WriteFile(request.SocketPath, nil, 0o600))
	require.NoError(t, os.WriteFile(request.ControlPath, nil, 0o600))

	abandon(session, request)

	status, err := session.Reap(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, -1, status, "child killed by SIGHUP")
	assert.NoFileExists(t, request.SocketPath)
	assert.NoFileExists(t, request.ControlPath)
}

func TestAbandon_UnnamedSession(t *testing.T) {
	session, err := master.Spawn(master.Command{Argv: []string{"sleep", "10"}})
	require.NoError(t, err)
	defer session.Close()

	abandon(session, bootstrap.Request{})
	_, err = session.Reap(5 * time.Second)
	assert.NoError(t, err)
}

func TestAttachRedraw(t *testing.T) {
	settings := testSettings(t)
	var bridge bridgeFlags
	flags := newFlagSet("nbtty attach", &settings, &bridge)
	require.NoError(t, parse(flags, &settings, []string{"work"}))
	assert.Equal(t, channel.RedrawUnspecified, attachRedraw(flags, settings), "session default applies")

	settings = testSettings(t)
	flags = newFlagSet("nbtty attach", &settings, &bridge)
	require.NoError(t, parse(flags, &settings, []string{"--redraw", "winch", "work"}))
	assert.Equal(t, channel.RedrawWinch, attachRedraw(flags, settings))
}

func TestFlags_LogDevelopment(t *testing.T) {
	settings := testSettings(t)
	flags := newFlagSet("nbtty new", &settings, nil)
	require.NoError(t, parse(flags, &settings, []string{"--log-development"}))
	assert.True(t, settings.LogDevelopment)
}

func TestRun_RejectsMissingCommand(t *testing.T) {
	testSettings(t)
	assert.EqualError(t, run([]string{"new", "--detached", "--name", "x"}), "no command given")
	assert.ErrorContains(t, run([]string{"-d", "sleep", "1"}), "--detached needs --name")
	assert.Error(t, run([]string{"new", "--framing", "json", "sh"}))
}
