package ringoram

import (
	"context"
	"fmt"
	"sync"
)

// BucketStore is the physical bucket array held by the storage server.
// Positions range over [0, NumBuckets()).
type BucketStore interface {
	// GetBucket returns a copy of the bucket at pos.
	GetBucket(pos int) (*Bucket, error)

	// SetBucket replaces the bucket at pos.
	SetBucket(pos int, b *Bucket) error

	// NumBuckets returns the total number of buckets in storage.
	NumBuckets() int
}

// Backend is the engine's view of the remote server: the three protocol
// operations of the wire protocol. Bucket payloads are ciphertext.
type Backend interface {
	// ReadBucket fetches the bucket at pos without changing it.
	ReadBucket(ctx context.Context, pos int) (*Bucket, error)

	// WriteBucket replaces the bucket at pos.
	WriteBucket(ctx context.Context, pos int, b *Bucket) error

	// ReadPath consumes one slot in every bucket on the path to leaf and
	// returns the payload of blockIndex if a live copy was found.
	ReadPath(ctx context.Context, leaf, blockIndex int) (data []byte, found bool, err error)
}

// InMemoryStorage implements BucketStore using in-memory slices.
type InMemoryStorage struct {
	mu      sync.Mutex
	buckets []*Bucket
	z, s    int
}

// NewInMemoryStorage creates a new in-memory storage with the given dimensions.
// All buckets start freshly written with dummy slots only.
func NewInMemoryStorage(numBuckets, z, s int) *InMemoryStorage {
	buckets := make([]*Bucket, numBuckets)
	for i := range buckets {
		buckets[i] = NewBucket(z, s)
	}
	return &InMemoryStorage{buckets: buckets, z: z, s: s}
}

// GetBucket returns a copy of the bucket at pos.
func (s *InMemoryStorage) GetBucket(pos int) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 || pos >= len(s.buckets) {
		return nil, fmt.Errorf("%w: bucket position %d outside [0, %d)", ErrRange, pos, len(s.buckets))
	}
	return s.buckets[pos].Clone(), nil
}

// SetBucket stores a copy of b at pos.
func (s *InMemoryStorage) SetBucket(pos int, b *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 || pos >= len(s.buckets) {
		return fmt.Errorf("%w: bucket position %d outside [0, %d)", ErrRange, pos, len(s.buckets))
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Z != s.z || b.S != s.s {
		return fmt.Errorf("%w: bucket is Z=%d S=%d, store holds Z=%d S=%d", ErrProtocol, b.Z, b.S, s.z, s.s)
	}
	s.buckets[pos] = b.Clone()
	return nil
}

// NumBuckets returns the total number of buckets.
func (s *InMemoryStorage) NumBuckets() int {
	return len(s.buckets)
}

// LocalBackend serves the protocol operations directly against a
// BucketStore. The storage server delegates to it, and it doubles as the
// in-process backend for NewInMemory.
type LocalBackend struct {
	mu     sync.Mutex
	store  BucketStore
	height int
	rng    Rand
}

// NewLocalBackend wraps store for a tree of the given height. rng drives
// dummy-slot selection on path reads.
func NewLocalBackend(store BucketStore, height int, rng Rand) *LocalBackend {
	return &LocalBackend{store: store, height: height, rng: rng}
}

// Height returns L.
func (l *LocalBackend) Height() int {
	return l.height
}

// ReadBucket returns the bucket at pos.
func (l *LocalBackend) ReadBucket(_ context.Context, pos int) (*Bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.GetBucket(pos)
}

// WriteBucket stores b at pos.
func (l *LocalBackend) WriteBucket(_ context.Context, pos int, b *Bucket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.SetBucket(pos, b)
}

// ReadPath walks every level of the path to leaf and consumes exactly one
// slot per bucket, whether or not blockIndex is present. A bucket that has no
// slot left to consume fails the read with ErrBucketExhausted; the buckets
// are only stored once every level has been consumed, so a failed read
// leaves the path untouched.
func (l *LocalBackend) ReadPath(_ context.Context, leaf, blockIndex int) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if leaf < 0 || leaf >= 1<<l.height {
		return nil, false, fmt.Errorf("%w: leaf %d outside [0, %d)", ErrRange, leaf, 1<<l.height)
	}
	var (
		data  []byte
		found bool
	)
	path := make([]*Bucket, l.height+1)
	for level := range path {
		pos := PathBucket(leaf, level, l.height)
		if pos >= l.store.NumBuckets() {
			return nil, false, fmt.Errorf("%w: path bucket %d (leaf=%d, level=%d)", ErrRange, pos, leaf, level)
		}
		bkt, err := l.store.GetBucket(pos)
		if err != nil {
			return nil, false, err
		}
		blk, hit, err := bkt.Consume(blockIndex, l.rng)
		if err != nil {
			return nil, false, fmt.Errorf("bucket %d: %w", pos, err)
		}
		if hit {
			data, found = blk.Data, true
		}
		path[level] = bkt
	}
	for level, bkt := range path {
		if err := l.store.SetBucket(PathBucket(leaf, level, l.height), bkt); err != nil {
			return nil, false, err
		}
	}
	return data, found, nil
}
