package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_RoundRobinDistributesAcrossLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := NewPool(ctx, 3)
	require.NoError(t, err)
	defer p.Stop()
	require.Equal(t, 3, p.Len())

	seen := make(map[*Loop]bool)
	for i := 0; i < 3; i++ {
		seen[p.Next()] = true
	}
	require.Len(t, seen, 3)
	require.Same(t, p.loops[0], p.Next())
}

func TestPool_RunsSubmittedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := NewPool(ctx, 2)
	require.NoError(t, err)
	defer p.Stop()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		l := p.Next()
		require.NoError(t, l.Post(Task{Fn: func() { ran.Add(1) }}))
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
}
