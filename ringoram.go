package ringoram

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// DegradedError reports eviction or early-reshuffle legs that failed after
// the access itself completed. The value returned alongside it is valid.
type DegradedError struct {
	Err error
}

func (e *DegradedError) Error() string {
	return "access degraded: " + e.Err.Error()
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// RingORAM implements the Ring ORAM protocol against a remote Backend.
// It is not safe for concurrent use.
type RingORAM struct {
	cfg        Config
	height     int
	numLeaves  int
	numBuckets int

	backend Backend   // remote bucket server
	encrypt Encryptor // pluggable encryption
	rng     Rand      // leaf reassignment and bucket shuffles
	metrics *Metrics

	posMap *PositionMap
	stash  Stash // blocks not yet written back to tree

	round       int // accesses since the last eviction, mod EvictRound
	evictCursor int // next eviction leaf is evictCursor mod numLeaves
	closed      bool

	// stale records, per bucket position, the block indices that may still
	// be live there because the rewrite after their pull failed. pins
	// counts the positions per block; a pinned block stays in the stash.
	stale map[int]map[int]struct{}
	pins  map[int]int
}

// New creates a RingORAM instance with explicit dependencies. Every block
// index is assigned a random leaf up front.
func New(cfg Config, backend Backend, enc Encryptor, rng Rand) (*RingORAM, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if backend == nil || enc == nil || rng == nil {
		return nil, fmt.Errorf("%w: backend, encryptor and rng are required", ErrInvalidConfig)
	}

	height, numLeaves, numBuckets := cfg.ComputeTreeParams()
	o := &RingORAM{
		cfg:        cfg,
		height:     height,
		numLeaves:  numLeaves,
		numBuckets: numBuckets,
		backend:    backend,
		encrypt:    enc,
		rng:        rng,
		metrics:    NewMetrics(nil),
		posMap:     NewPositionMap(cfg.NumBlocks, numLeaves, rng),
		stale:      make(map[int]map[int]struct{}),
		pins:       make(map[int]int),
	}
	if cfg.CachedLevels > 0 {
		klog.V(1).Infof("cached_levels=%d accepted; top-level bucket caching is not implemented", cfg.CachedLevels)
	}
	klog.V(1).Infof("RingORAM ready: capacity=%d L=%d buckets=%d leaves=%d Z=%d S=%d evict_round=%d",
		cfg.NumBlocks, height, numBuckets, numLeaves, cfg.RealSlots, cfg.DummySlots, cfg.EvictRound)
	return o, nil
}

// NewInMemory creates a RingORAM instance over an in-process bucket store
// with no encryption. This is the simplest way to create one for testing.
func NewInMemory(cfg Config) (*RingORAM, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	height, _, totalBuckets := cfg.ComputeTreeParams()
	store := NewInMemoryStorage(totalBuckets, cfg.RealSlots, cfg.DummySlots)
	return New(cfg, NewLocalBackend(store, height, NewRand()), NoOpEncryptor{}, NewRand())
}

// SetMetrics replaces the engine's collectors.
func (o *RingORAM) SetMetrics(m *Metrics) {
	o.metrics = m
}

// Config returns the validated configuration.
func (o *RingORAM) Config() Config {
	return o.cfg
}

// Capacity returns the number of blocks this ORAM can store.
func (o *RingORAM) Capacity() int {
	return o.cfg.NumBlocks
}

// Height returns L; the tree has L+1 levels.
func (o *RingORAM) Height() int {
	return o.height
}

// NumLeaves returns the number of leaf nodes in the tree.
func (o *RingORAM) NumLeaves() int {
	return o.numLeaves
}

// NumBuckets returns the number of buckets in the tree.
func (o *RingORAM) NumBuckets() int {
	return o.numBuckets
}

// BlockSize returns the configured block size.
func (o *RingORAM) BlockSize() int {
	return o.cfg.BlockSize
}

// StashSize returns the current number of blocks in the stash.
func (o *RingORAM) StashSize() int {
	return o.stash.Len()
}

// EvictionCursor returns G, the number of evictions performed so far.
func (o *RingORAM) EvictionCursor() int {
	return o.evictCursor
}

// Close moves the engine to its terminal state and closes the backend if it
// holds resources.
func (o *RingORAM) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if c, ok := o.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Read reads the block with the given index.
func (o *RingORAM) Read(ctx context.Context, blockIndex int) ([]byte, error) {
	return o.Access(ctx, blockIndex, OpRead, nil)
}

// Write stores data at the given index and returns the stored value.
func (o *RingORAM) Write(ctx context.Context, blockIndex int, data []byte) ([]byte, error) {
	return o.Access(ctx, blockIndex, OpWrite, data)
}

// Access performs an oblivious read or write. Valid indices are 0 to
// NumBlocks-1. The returned value is the block's content after the access.
//
// A failed ReadPath fails the access. Failures in the eviction and
// early-reshuffle legs that follow are absorbed: the value is still returned
// together with a *DegradedError describing them.
func (o *RingORAM) Access(ctx context.Context, blockIndex int, op Op, data []byte) ([]byte, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if blockIndex < 0 || blockIndex >= o.cfg.NumBlocks {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrRange, blockIndex, o.cfg.NumBlocks)
	}
	if op == OpWrite && len(data) > o.cfg.BlockSize {
		return nil, ErrInvalidDataSize
	}
	return o.access(ctx, blockIndex, op, data)
}

func (o *RingORAM) access(ctx context.Context, blockIndex int, op Op, newData []byte) ([]byte, error) {
	// Step 1: Reassign before anything is read
	oldLeaf := o.posMap.Remap(blockIndex, o.rng)

	// Step 2: Read path, consuming one slot per level
	o.metrics.NetworkLegs.WithLabelValues("read_path").Inc()
	ciphertext, found, err := o.backend.ReadPath(ctx, oldLeaf, blockIndex)
	if err != nil {
		o.posMap.Set(blockIndex, oldLeaf)
		klog.Errorf("ReadPath(leaf=%d, block=%d) failed: %v", oldLeaf, blockIndex, err)
		return nil, fmt.Errorf("read path: %w", err)
	}

	// Step 3: Recover the current value. A stash entry is never older than
	// a tree copy: the tree copy only survives a pull when the rewrite failed.
	var (
		value     []byte
		raw       bool
		cryptoErr error
		held      Block
		inStash   bool
	)
	if o.cfg.ConstantTime {
		held, inStash = o.stash.TakeByIndexConstantTime(blockIndex)
	} else {
		held, inStash = o.stash.TakeByIndex(blockIndex)
	}
	switch {
	case op == OpWrite:
		value = append([]byte(nil), newData...)
	case inStash:
		value, raw = held.Data, held.Raw
		if raw {
			cryptoErr = fmt.Errorf("%w: block %d holds undecryptable data", ErrCrypto, blockIndex)
		}
	case found:
		value, cryptoErr = o.decrypt(blockIndex, oldLeaf, ciphertext)
		raw = cryptoErr != nil
	}

	o.stash.Insert(Block{
		Leaf:  o.posMap.Lookup(blockIndex),
		Index: blockIndex,
		Data:  value,
		Raw:   raw,
	})

	// Step 4: Periodic eviction and early reshuffle of the walked path
	var legErrs error
	o.round = (o.round + 1) % o.cfg.EvictRound
	if o.round == 0 {
		legErrs = multierr.Append(legErrs, o.evictPath(ctx))
	}
	legErrs = multierr.Append(legErrs, o.earlyReshuffle(ctx, oldLeaf))

	o.metrics.StashSize.Set(float64(o.stash.Len()))
	o.metrics.Accesses.WithLabelValues(op.String()).Inc()

	if legErrs != nil {
		degraded := &DegradedError{Err: legErrs}
		if cryptoErr != nil {
			return nil, multierr.Append(cryptoErr, degraded)
		}
		return append([]byte(nil), value...), degraded
	}
	if cryptoErr != nil {
		return nil, cryptoErr
	}
	return append([]byte(nil), value...), nil
}

// decrypt applies the configured failure policy. Under the default policy a
// ciphertext that cannot be decrypted is logged and kept as-is. Under
// FailClosedDecrypt the ciphertext comes back with the error so callers can
// keep it as a Raw stash entry.
func (o *RingORAM) decrypt(blockID, leaf int, ciphertext []byte) ([]byte, error) {
	plaintext, err := o.encrypt.Decrypt(blockID, leaf, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if o.cfg.FailClosedDecrypt {
		return ciphertext, fmt.Errorf("%w: block %d: %w", ErrCrypto, blockID, err)
	}
	klog.Warningf("decrypt block %d: %v; keeping undecrypted bytes", blockID, err)
	return ciphertext, nil
}

// absorb logs a failed leg and counts it.
func (o *RingORAM) absorb(leg string, err error) error {
	klog.Errorf("%s leg failed: %v", leg, err)
	o.metrics.AbsorbedErrors.WithLabelValues(leg).Inc()
	return fmt.Errorf("%s: %w", leg, err)
}
