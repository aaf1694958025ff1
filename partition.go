package streamkit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gokit/errors"
	"github.com/serialx/hashring"
)

// errors ...
var (
	ErrNoPartitions     = errors.New("no partitions provided")
	ErrUnknownPartition = errors.New("unknown partition")
)

//**************************************
// HashedSet
//**************************************

// HashedSet implements a giving set which is unique in that it has a
// hash ring underline which is encoded to return specific keys for
// specific hash strings. It allows consistently retrieving the same
// partition name for the same key.
type HashedSet struct {
	set     map[string]struct{}
	hashing *hashring.HashRing
}

// NewHashedSet returns a new instance of HashedSet.
func NewHashedSet(set []string) *HashedSet {
	var hashed HashedSet
	hashed.set = map[string]struct{}{}
	hashed.hashing = hashring.New(set)

	for _, k := range set {
		hashed.set[k] = struct{}{}
	}

	return &hashed
}

// Get returns a giving item for provided hash value.
func (hs *HashedSet) Get(hashed string) (string, bool) {
	if content, ok := hs.hashing.GetNode(hashed); ok {
		return content, ok
	}
	return "", false
}

// Add adds giving item into set.
func (hs *HashedSet) Add(n string) {
	hs.hashing = hs.hashing.AddNode(n)
	hs.set[n] = struct{}{}
}

// Remove removes giving item from set.
func (hs *HashedSet) Remove(n string) {
	hs.hashing = hs.hashing.RemoveNode(n)
	delete(hs.set, n)
}

// Has returns true/false if giving item is in set.
func (hs *HashedSet) Has(n string) bool {
	_, ok := hs.set[n]
	return ok
}

//**************************************
// RoundRobinSet
//**************************************

// RoundRobinSet defines a name set whose Get hands out members one
// after another in rotation, spreading unkeyed emissions across
// partitions.
type RoundRobinSet struct {
	lastIndex int32
	procs     []string
	set       map[string]int
}

// NewRoundRobinSet returns a new instance of RoundRobinSet.
func NewRoundRobinSet() *RoundRobinSet {
	return &RoundRobinSet{
		set: map[string]int{},
	}
}

// Get will return the next member in a round-robin fashion.
func (p *RoundRobinSet) Get() string {
	var lastIndex int32
	total := int32(len(p.procs))
	if atomic.LoadInt32(&p.lastIndex) >= total {
		atomic.StoreInt32(&p.lastIndex, -1)
	}

	lastIndex = atomic.AddInt32(&p.lastIndex, 1)
	target := int(lastIndex % total)

	return p.procs[target]
}

// Total returns current total of items in rotation.
func (p *RoundRobinSet) Total() int {
	return len(p.procs)
}

// Remove removes giving item from set.
func (p *RoundRobinSet) Remove(proc string) {
	if !p.Has(proc) {
		return
	}

	index := p.set[proc]
	delete(p.set, proc)

	last := len(p.procs) - 1
	if last == 0 {
		p.procs = nil
		return
	}

	lastItem := p.procs[last]
	p.procs[index] = lastItem
	p.set[lastItem] = index
	p.procs = p.procs[:last]
}

// Add adds giving item into set.
func (p *RoundRobinSet) Add(proc string) {
	if p.Has(proc) {
		return
	}

	pIndex := len(p.procs)
	p.procs = append(p.procs, proc)
	p.set[proc] = pIndex
}

// Has returns true/false if giving item is in set.
func (p *RoundRobinSet) Has(s string) bool {
	_, ok := p.set[s]
	return ok
}

//**************************************
// PartitionedBroadcast
//**************************************

// PartitionedBroadcast spreads emissions across a named set of
// broadcasts by consistent-hashing a partition key, so every value
// carrying the same key lands on the same broadcast and it's
// subscribers. Partitions can be added and removed while running, with
// the hash ring keeping key movement minimal.
type PartitionedBroadcast struct {
	scope  *Scope
	config BroadcastConfig

	rl    sync.RWMutex
	ring  *HashedSet
	robin *RoundRobinSet
	parts map[string]*BroadcastStream
}

// NewPartitionedBroadcast returns a new instance of a
// PartitionedBroadcast holding one broadcast per giving name, each
// configured alike and bound to the giving scope.
func NewPartitionedBroadcast(sc *Scope, config BroadcastConfig, names ...string) (*PartitionedBroadcast, error) {
	if sc == nil {
		return nil, errors.WrapOnly(ErrScopeRequired)
	}
	if len(names) == 0 {
		return nil, errors.WrapOnly(ErrNoPartitions)
	}

	pb := &PartitionedBroadcast{
		scope:  sc,
		config: config,
		ring:   NewHashedSet(nil),
		robin:  NewRoundRobinSet(),
		parts:  map[string]*BroadcastStream{},
	}

	for _, name := range names {
		if _, err := pb.AddPartition(name); err != nil {
			return nil, err
		}
	}

	return pb, nil
}

// AddPartition creates and routes a new partition with the giving name,
// returning the existing one if the name is already a partition.
func (pb *PartitionedBroadcast) AddPartition(name string) (*BroadcastStream, error) {
	pb.rl.Lock()
	if b, ok := pb.parts[name]; ok {
		pb.rl.Unlock()
		return b, nil
	}

	b, err := NewBroadcastStream(pb.scope, pb.config)
	if err != nil {
		pb.rl.Unlock()
		return nil, err
	}

	pb.parts[name] = b
	pb.ring.Add(name)
	pb.robin.Add(name)
	pb.rl.Unlock()
	return b, nil
}

// RemovePartition detaches the named partition from routing. Values
// keyed to it flow to other partitions from then on; already running
// subscriptions of the detached broadcast live on till the scope ends.
func (pb *PartitionedBroadcast) RemovePartition(name string) {
	pb.rl.Lock()
	if _, ok := pb.parts[name]; ok {
		delete(pb.parts, name)
		pb.ring.Remove(name)
		pb.robin.Remove(name)
	}
	pb.rl.Unlock()
}

// Partition returns the broadcast registered under the giving name.
func (pb *PartitionedBroadcast) Partition(name string) (*BroadcastStream, bool) {
	pb.rl.RLock()
	b, ok := pb.parts[name]
	pb.rl.RUnlock()
	return b, ok
}

// PartitionFor returns the broadcast the giving key consistently hashes
// to.
func (pb *PartitionedBroadcast) PartitionFor(key string) (*BroadcastStream, bool) {
	pb.rl.RLock()
	defer pb.rl.RUnlock()

	name, ok := pb.ring.Get(key)
	if !ok {
		return nil, false
	}

	b, ok := pb.parts[name]
	return b, ok
}

// Partitions returns the names of all routed partitions.
func (pb *PartitionedBroadcast) Partitions() []string {
	pb.rl.RLock()
	names := make([]string, 0, len(pb.parts))
	for name := range pb.parts {
		names = append(names, name)
	}
	pb.rl.RUnlock()
	return names
}

// EmitKeyed delivers the giving value to the partition it's key hashes
// to.
func (pb *PartitionedBroadcast) EmitKeyed(ctx context.Context, key string, value interface{}) error {
	b, ok := pb.PartitionFor(key)
	if !ok {
		return errors.Wrap(ErrUnknownPartition, "no partition for key %q", key)
	}
	return b.Emit(ctx, value)
}

// EmitSpread delivers the giving value to the next partition in
// rotation, for values carrying no natural key.
func (pb *PartitionedBroadcast) EmitSpread(ctx context.Context, value interface{}) error {
	pb.rl.RLock()
	if pb.robin.Total() == 0 {
		pb.rl.RUnlock()
		return errors.WrapOnly(ErrNoPartitions)
	}

	name := pb.robin.Get()
	b, ok := pb.parts[name]
	pb.rl.RUnlock()

	if !ok {
		return errors.Wrap(ErrUnknownPartition, "partition %q not found", name)
	}
	return b.Emit(ctx, value)
}

// EmitAll delivers the giving value to every partition.
func (pb *PartitionedBroadcast) EmitAll(ctx context.Context, value interface{}) error {
	pb.rl.RLock()
	targets := make([]*BroadcastStream, 0, len(pb.parts))
	for _, b := range pb.parts {
		targets = append(targets, b)
	}
	pb.rl.RUnlock()

	for _, b := range targets {
		if err := b.Emit(ctx, value); err != nil {
			return err
		}
	}
	return nil
}

// SubscriptionCount returns the total count of active subscribers
// across all partitions.
func (pb *PartitionedBroadcast) SubscriptionCount() int64 {
	pb.rl.RLock()
	defer pb.rl.RUnlock()

	var total int64
	for _, b := range pb.parts {
		total += b.SubscriptionCount()
	}
	return total
}
