package lockfile

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort asks the OS for an ephemeral port and releases it again.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func lockAt(t *testing.T, preferred []int) *Lock {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "bridge-lock"), preferred)
}

func TestPublishWritesDecimalPort(t *testing.T) {
	l := lockAt(t, nil)
	require.NoError(t, l.Publish(8765))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "8765", string(data), "record must be exactly the decimal port")

	port, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, 8765, port)
}

func TestPublishOverwrites(t *testing.T) {
	l := lockAt(t, nil)
	require.NoError(t, l.Publish(8765))
	require.NoError(t, l.Publish(9000))

	port, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
}

func TestReadMissingRecord(t *testing.T) {
	l := lockAt(t, nil)
	_, err := l.Read()
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestReadCorruptRecord(t *testing.T) {
	l := lockAt(t, nil)
	for _, bad := range []string{"not-a-port", "", "-5", "99999"} {
		require.NoError(t, os.WriteFile(l.Path(), []byte(bad), 0644))
		_, err := l.Read()
		assert.ErrorIs(t, err, ErrNoRecord, "content %q", bad)
	}
}

func TestReadTrimsWhitespace(t *testing.T) {
	l := lockAt(t, nil)
	require.NoError(t, os.WriteFile(l.Path(), []byte("8766\n"), 0644))
	port, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, 8766, port)
}

func TestReleaseIdempotent(t *testing.T) {
	l := lockAt(t, nil)
	require.NoError(t, l.Publish(8765))
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	_, err := l.Read()
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestChooseRemovesStaleRecord(t *testing.T) {
	stale := freePort(t)
	candidate := freePort(t)
	l := lockAt(t, []int{candidate})
	require.NoError(t, l.Publish(stale))

	port := l.Choose()
	assert.Equal(t, candidate, port)

	_, err := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err), "stale record must be deleted")
}

func TestChooseSkipsLivePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	live := ln.Addr().(*net.TCPAddr).Port

	other := freePort(t)
	l := lockAt(t, []int{live, other})
	require.NoError(t, l.Publish(live))

	port := l.Choose()
	assert.Equal(t, other, port, "must not reuse the port of a live instance")

	_, readErr := l.Read()
	assert.NoError(t, readErr, "live record must be left in place")
}

func TestChooseEphemeralFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	l := lockAt(t, []int{occupied})
	assert.Equal(t, 0, l.Choose(), "all candidates occupied means ephemeral fallback")
}

func TestDiscoverOrder(t *testing.T) {
	l := lockAt(t, []int{8765, 8766})

	assert.Equal(t, []int{8765, 8766}, l.Discover(), "no record means the preferred list")

	require.NoError(t, l.Publish(9100))
	assert.Equal(t, []int{9100, 8765, 8766}, l.Discover(), "recorded port comes first")

	require.NoError(t, l.Publish(8766))
	assert.Equal(t, []int{8766, 8765}, l.Discover(), "recorded port is not repeated")
}

func TestReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	assert.True(t, Reachable(port))
	ln.Close()
	assert.False(t, Reachable(freePort(t)))
}

func TestPublishCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "nested", "deeper", "lock"), nil)
	require.NoError(t, l.Publish(8765))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(8765), string(data))
}
