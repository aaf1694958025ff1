package streamkit_test

import (
	"context"
	"testing"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/require"

	"github.com/gokit/streamkit"
)

func TestHashedSet(t *testing.T) {
	rm := streamkit.NewHashedSet([]string{"a", "b", "c"})

	elem, ok := rm.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", elem)

	require.True(t, rm.Has("b"))
	rm.Remove("b")
	require.False(t, rm.Has("b"))

	rm.Add("d")
	require.True(t, rm.Has("d"))

	elem, ok = rm.Get("a")
	require.True(t, ok)
	require.True(t, rm.Has(elem))
}

func TestRoundRobin(t *testing.T) {
	rm := streamkit.NewRoundRobinSet()
	rm.Add("a")
	rm.Add("b")
	rm.Add("c")

	seen := map[string]bool{}

	c := rm.Get()
	require.False(t, seen[c])
	seen[c] = true

	c = rm.Get()
	require.False(t, seen[c])
	seen[c] = true

	c = rm.Get()
	require.False(t, seen[c])
	seen[c] = true

	rm.Remove("b")
	require.False(t, rm.Has("b"))
	require.Equal(t, 2, rm.Total())
}

func TestPartitionedBroadcastKeyedRouting(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	pb, err := streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{}, "p1", "p2", "p3")
	require.NoError(t, err)
	require.Len(t, pb.Partitions(), 3)

	// The same key always routes to the same partition.
	target, ok := pb.PartitionFor("user-42")
	require.True(t, ok)

	again, ok := pb.PartitionFor("user-42")
	require.True(t, ok)
	require.True(t, target == again)

	await, watch := watchCount(t, target)
	defer watch.Stop()

	values := make(chan []interface{}, 1)
	fails := make(chan error, 1)
	go func() {
		got, cerr := streamkit.CollectValues(context.Background(), streamkit.Take(target, 2))
		fails <- cerr
		values <- got
	}()

	await(1)
	require.NoError(t, pb.EmitKeyed(context.Background(), "user-42", "first"))
	require.NoError(t, pb.EmitKeyed(context.Background(), "user-42", "second"))

	require.NoError(t, <-fails)
	require.Equal(t, []interface{}{"first", "second"}, <-values)
}

func TestPartitionedBroadcastEmitAll(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	pb, err := streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{}, "p1", "p2", "p3")
	require.NoError(t, err)

	values := make(chan interface{}, 3)
	fails := make(chan error, 3)
	for _, name := range pb.Partitions() {
		b, ok := pb.Partition(name)
		require.True(t, ok)

		await, watch := watchCount(t, b)
		go func(b *streamkit.BroadcastStream) {
			value, ferr := streamkit.First(context.Background(), b)
			fails <- ferr
			values <- value
		}(b)
		await(1)
		watch.Stop()
	}

	require.NoError(t, pb.EmitAll(context.Background(), "tick"))

	for i := 0; i < 3; i++ {
		require.NoError(t, <-fails)
		require.Equal(t, "tick", <-values)
	}
}

func TestPartitionedBroadcastEmitSpread(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	pb, err := streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{}, "p1", "p2", "p3")
	require.NoError(t, err)

	values := make(chan interface{}, 3)
	fails := make(chan error, 3)
	for _, name := range pb.Partitions() {
		b, ok := pb.Partition(name)
		require.True(t, ok)

		await, watch := watchCount(t, b)
		go func(b *streamkit.BroadcastStream) {
			value, ferr := streamkit.First(context.Background(), b)
			fails <- ferr
			values <- value
		}(b)
		await(1)
		watch.Stop()
	}

	// Rotation hands each value to a different partition, so every
	// subscriber sees exactly one.
	require.NoError(t, pb.EmitSpread(context.Background(), 1))
	require.NoError(t, pb.EmitSpread(context.Background(), 2))
	require.NoError(t, pb.EmitSpread(context.Background(), 3))

	seen := map[interface{}]bool{}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-fails)

		value := <-values
		require.False(t, seen[value])
		seen[value] = true
	}
	require.Len(t, seen, 3)
}

func TestPartitionedBroadcastAddRemove(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	pb, err := streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{}, "p1")
	require.NoError(t, err)

	p1, ok := pb.Partition("p1")
	require.True(t, ok)

	// Adding an existing name hands back the running partition.
	same, err := pb.AddPartition("p1")
	require.NoError(t, err)
	require.True(t, p1 == same)

	p2, err := pb.AddPartition("p2")
	require.NoError(t, err)
	require.Len(t, pb.Partitions(), 2)

	pb.RemovePartition("p1")
	_, ok = pb.Partition("p1")
	require.False(t, ok)

	// With one partition left, every key routes to it.
	routed, ok := pb.PartitionFor("user-42")
	require.True(t, ok)
	require.True(t, p2 == routed)
}

func TestPartitionedBroadcastErrors(t *testing.T) {
	sc := streamkit.NewScope(context.Background())
	defer func() {
		sc.Kill()
		sc.Wait()
	}()

	_, err := streamkit.NewPartitionedBroadcast(nil, streamkit.BroadcastConfig{}, "p1")
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrScopeRequired))

	_, err = streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{})
	require.Error(t, err)
	require.True(t, errors.IsAny(err, streamkit.ErrNoPartitions))

	pb, err := streamkit.NewPartitionedBroadcast(sc, streamkit.BroadcastConfig{}, "p1")
	require.NoError(t, err)

	pb.RemovePartition("p1")
	require.Error(t, pb.EmitKeyed(context.Background(), "user-42", "lost"))
	require.True(t, errors.IsAny(pb.EmitSpread(context.Background(), "lost"), streamkit.ErrNoPartitions))
}
