package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoop_RegisterFDFiresOnReadable(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	l, err := New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	readable := make(chan IOEvents, 1)
	require.NoError(t, l.RegisterFD(fds[0], EventRead, func(ev IOEvents) {
		readable <- ev
	}))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-readable:
		require.NotZero(t, ev&EventRead)
	case <-time.After(2 * time.Second):
		t.Fatal("readable callback never fired")
	}
}

func TestLoop_UnregisterFDStopsDelivery(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[1])

	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.RegisterFD(fds[0], EventRead, func(IOEvents) {}))
	require.ErrorIs(t, l.RegisterFD(fds[0], EventRead, func(IOEvents) {}), ErrFDAlreadyRegistered)

	require.NoError(t, l.ModifyFD(fds[0], EventRead|EventWrite))

	require.NoError(t, l.UnregisterFD(fds[0], true))
	require.ErrorIs(t, l.UnregisterFD(fds[0], false), ErrFDNotRegistered)
	require.ErrorIs(t, l.ModifyFD(fds[0], EventRead), ErrFDNotRegistered)
}

func TestLoop_MetricsGathererExposesCollectors(t *testing.T) {
	l, err := New(WithMetrics(nil, "kumanet_test"))
	require.NoError(t, err)
	defer l.Close()

	var ran bool
	require.NoError(t, l.Post(Task{Fn: func() { ran = true }}))
	require.NoError(t, l.RunOnce(0))
	require.True(t, ran)

	g := l.Metrics()
	require.NotNil(t, g)
	families, err := g.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["kumanet_test_loop_ticks_total"])
	require.True(t, names["kumanet_test_loop_tasks_run_total"])
}
