package tty

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/term"
)

func openPair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		tty.Close()
		ptmx.Close()
	})
	return ptmx, tty
}

func TestGetAttributes_RoundTrip(t *testing.T) {
	_, tty := openPair(t)
	fd := int(tty.Fd())

	attrs, err := GetAttributes(fd)
	require.NoError(t, err)
	assert.False(t, CharacterMode(attrs), "a fresh pty is canonical with echo")

	state, err := term.MakeRaw(fd)
	require.NoError(t, err)
	raw, err := GetAttributes(fd)
	require.NoError(t, err)
	assert.True(t, CharacterMode(raw))

	require.NoError(t, SetAttributes(fd, attrs))
	restored, err := GetAttributes(fd)
	require.NoError(t, err)
	assert.False(t, CharacterMode(restored))
	require.NoError(t, term.Restore(fd, state))
}

func TestGetAttributes_NotTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = GetAttributes(int(r.Fd()))
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestOpenDevice_Present(t *testing.T) {
	_, tty := openPair(t)
	file, err := OpenDevice(context.Background(), tty.Name(), 10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer file.Close()
	assert.True(t, term.IsTerminal(int(file.Fd())))
}

func TestOpenDevice_RetriesUntilCancelled(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ttyMissing")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OpenDevice(ctx, missing, 20*time.Millisecond, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestOpenDevice_RejectsNonTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := OpenDevice(ctx, path, 10*time.Millisecond, zaptest.NewLogger(t))
	assert.Error(t, err)
}
