package ringoram

import (
	"errors"
	"math/bits"
)

// EmptyBlockID marks a block slot as empty/dummy.
const EmptyBlockID = -1

var (
	ErrInvalidConfig    = errors.New("invalid RingORAM configuration")
	ErrInvalidDataSize  = errors.New("data size exceeds block size")
	ErrRange            = errors.New("block index out of range")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNetwork          = errors.New("network error")
	ErrProtocol         = errors.New("protocol error")
	ErrSerialization    = errors.New("serialization error")
	ErrCrypto           = errors.New("crypto error")
	ErrBucketExhausted  = errors.New("no unconsumed empty slot in bucket")
	ErrClosed           = errors.New("engine closed")
	ErrEncryptionFailed = errors.New("block encryption failed")
	ErrDecryptionFailed = errors.New("block decryption failed")
)

// Op selects the kind of access.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	if op == OpWrite {
		return "write"
	}
	return "read"
}

// Config holds RingORAM configuration parameters.
type Config struct {
	NumBlocks    int `yaml:"num_blocks"`    // Total number of blocks (valid indices: 0 to NumBlocks-1)
	BlockSize    int `yaml:"block_size"`    // Maximum plaintext payload per block in bytes
	RealSlots    int `yaml:"real_slots"`    // Z: real-block capacity per bucket
	DummySlots   int `yaml:"dummy_slots"`   // S: dummy slots per bucket
	EvictRound   int `yaml:"evict_round"`   // One EvictPath every EvictRound accesses
	CachedLevels int `yaml:"cached_levels"` // Reserved; accepted and reported, never acted on

	// ConstantTime scans the whole stash on lookup instead of stopping at
	// the first match.
	ConstantTime bool `yaml:"constant_time"`

	// FailClosedDecrypt turns a misaligned ciphertext into an access error.
	// When false the undecrypted bytes are kept and a warning is logged.
	FailClosedDecrypt bool `yaml:"fail_closed_decrypt"`
}

// Defaults used by Validate for zero-valued fields.
const (
	DefaultRealSlots    = 4
	DefaultDummySlots   = 6
	DefaultEvictRound   = 3
	DefaultCachedLevels = 0
)

// Validate checks the configuration for errors and applies defaults.
// Returns a copy of the config with defaults applied.
func (c Config) Validate() (Config, error) {
	if c.NumBlocks <= 0 || c.BlockSize <= 0 {
		return c, ErrInvalidConfig
	}
	if c.RealSlots < 0 || c.DummySlots < 0 || c.EvictRound < 0 || c.CachedLevels < 0 {
		return c, ErrInvalidConfig
	}
	if c.RealSlots == 0 {
		c.RealSlots = DefaultRealSlots
	}
	if c.DummySlots == 0 {
		c.DummySlots = DefaultDummySlots
	}
	if c.EvictRound == 0 {
		c.EvictRound = DefaultEvictRound
	}
	return c, nil
}

// SlotsPerBucket returns Z+S.
func (c Config) SlotsPerBucket() int {
	return c.RealSlots + c.DummySlots
}

// ComputeTreeParams calculates tree dimensions from config.
// Height is L = ceil(log2(NumBlocks)); the tree has L+1 levels.
// Returns (height, numLeaves, totalBuckets).
func (c Config) ComputeTreeParams() (height, numLeaves, totalBuckets int) {
	return TreeParams(c.NumBlocks)
}

// TreeParams computes (L, 2^L, 2^(L+1)-1) for the given block capacity.
func TreeParams(capacity int) (height, numLeaves, totalBuckets int) {
	if capacity > 1 {
		height = bits.Len(uint(capacity - 1))
	}
	numLeaves = 1 << height
	totalBuckets = (1 << (height + 1)) - 1
	return
}

// PathBucket returns the bucket position of the given level on the path to
// leaf. Level 0 is the root, level height is the leaf bucket.
func PathBucket(leaf, level, height int) int {
	return (1 << level) - 1 + (leaf >> (height - level))
}

// LevelOf returns the tree level of a bucket position.
func LevelOf(position int) int {
	return bits.Len(uint(position+1)) - 1
}
