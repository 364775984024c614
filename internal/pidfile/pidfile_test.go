package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "nested", "app.pid"))

	require.NoError(t, p.Write())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	require.NoError(t, p.Remove(), "removing twice is not an error")

	_, err = p.Read()
	assert.Error(t, err)
}

func TestIsRunning(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "app.pid"))
	assert.False(t, p.IsRunning(), "no pidfile means not running")

	require.NoError(t, p.Write())
	assert.True(t, p.IsRunning(), "the test process itself is alive")
}

func TestAcquireRespectsLiveDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")

	// The file names this very test process, which is certainly alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	p := New(path)
	ok, err := p.Acquire()
	require.NoError(t, err)
	assert.False(t, ok, "a live daemon's record must not be overwritten")

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid, "record left untouched")
}

func TestAcquireReplacesDeadRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")

	// Beyond the kernel's pid ceiling, so nothing can be running under it.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0644))

	p := New(path)
	ok, err := p.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireFreshPath(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "app.pid"))
	ok, err := p.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, p.IsRunning())
}

func TestReadInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	p := New(path)
	_, err := p.Read()
	assert.Error(t, err)
	assert.False(t, p.IsRunning())
}
