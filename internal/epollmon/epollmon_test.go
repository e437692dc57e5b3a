package epollmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddFDDeliversReadiness(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.Start()
	defer m.Shutdown()

	r, w := pipeFDs(t)

	got := make(chan Events, 1)
	require.NoError(t, m.AddFD(r, In, func(ev Events) { got <- ev }))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.NotZero(t, ev&In)
	case <-time.After(time.Second):
		t.Fatal("no readiness event delivered")
	}
}

func TestAddFDDuplicateFails(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	defer m.Shutdown()

	r, _ := pipeFDs(t)
	require.NoError(t, m.AddFD(r, In, func(Events) {}))
	err = m.AddFD(r, In, func(Events) {})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRemoveFDStopsDelivery(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.Start()
	defer m.Shutdown()

	r, w := pipeFDs(t)
	got := make(chan Events, 4)
	require.NoError(t, m.AddFD(r, In, func(ev Events) { got <- ev }))
	require.NoError(t, m.RemoveFD(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("event delivered after RemoveFD")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestShutdownIdempotentAndPromptWithoutStart(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return promptly when Start was never called")
	}
}
