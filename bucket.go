package ringoram

import "fmt"

// Block is a single slot occupant. For buckets held by the server Data is
// ciphertext; for stash entries it is plaintext.
type Block struct {
	Leaf  int    // Leaf the block was assigned when written (-1 for dummies)
	Index int    // Block index (EmptyBlockID = dummy)
	Data  []byte // Payload

	// Raw marks a stash entry whose Data is ciphertext that failed to
	// decrypt under FailClosedDecrypt. It is never sent over the wire.
	Raw bool
}

// DummyBlock returns the padding block.
func DummyBlock() Block {
	return Block{Leaf: EmptyBlockID, Index: EmptyBlockID}
}

// IsDummy reports whether b is padding.
func (b Block) IsDummy() bool {
	return b.Index == EmptyBlockID
}

func (b Block) clone() Block {
	out := b
	if b.Data != nil {
		out.Data = append([]byte(nil), b.Data...)
	}
	return out
}

// Bucket is a tree node with Z real and S dummy slots. Ptrs[i] holds the
// block index stored in slot i (or EmptyBlockID) and Valids[i] is false once
// the slot has been consumed by a path read. Count is the number of slots
// consumed since the bucket was last rewritten.
type Bucket struct {
	Z, S   int
	Count  int
	Blocks []Block
	Ptrs   []int
	Valids []bool
}

// NewBucket returns a freshly written bucket holding only dummies.
func NewBucket(z, s int) *Bucket {
	n := z + s
	b := &Bucket{
		Z:      z,
		S:      s,
		Blocks: make([]Block, n),
		Ptrs:   make([]int, n),
		Valids: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		b.Blocks[i] = DummyBlock()
		b.Ptrs[i] = EmptyBlockID
		b.Valids[i] = true
	}
	return b
}

// Slots returns Z+S.
func (b *Bucket) Slots() int {
	return b.Z + b.S
}

// Clone returns a deep copy.
func (b *Bucket) Clone() *Bucket {
	out := &Bucket{
		Z:      b.Z,
		S:      b.S,
		Count:  b.Count,
		Blocks: make([]Block, len(b.Blocks)),
		Ptrs:   append([]int(nil), b.Ptrs...),
		Valids: append([]bool(nil), b.Valids...),
	}
	for i, blk := range b.Blocks {
		out.Blocks[i] = blk.clone()
	}
	return out
}

// Validate checks that the parallel arrays agree with Z+S.
func (b *Bucket) Validate() error {
	n := b.Slots()
	if b.Z < 0 || b.S < 0 {
		return fmt.Errorf("%w: negative slot counts Z=%d S=%d", ErrProtocol, b.Z, b.S)
	}
	if len(b.Ptrs) != n || len(b.Valids) != n {
		return fmt.Errorf("%w: bucket has %d ptrs and %d valids, want %d", ErrProtocol, len(b.Ptrs), len(b.Valids), n)
	}
	if len(b.Blocks) < n {
		return fmt.Errorf("%w: bucket has %d blocks, want %d", ErrProtocol, len(b.Blocks), n)
	}
	return nil
}

// FindSlot returns the live slot holding blockIndex, or -1.
func (b *Bucket) FindSlot(blockIndex int) int {
	for i := 0; i < b.Slots(); i++ {
		if b.Ptrs[i] == blockIndex && b.Valids[i] {
			return i
		}
	}
	return -1
}

// ChooseEmptySlot picks uniformly among slots that are empty and not yet
// consumed this epoch.
func (b *Bucket) ChooseEmptySlot(rng Rand) (int, error) {
	candidates := make([]int, 0, b.Slots())
	for i := 0; i < b.Slots(); i++ {
		if b.Ptrs[i] == EmptyBlockID && b.Valids[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return -1, ErrBucketExhausted
	}
	return candidates[rng.IntN(len(candidates))], nil
}

// Consume performs the per-bucket step of a path read: the live slot holding
// blockIndex is selected if present, otherwise an empty slot is chosen.
// Either way exactly one slot is marked consumed and Count is incremented.
// The selected block is returned with hit=true only when it holds blockIndex.
func (b *Bucket) Consume(blockIndex int, rng Rand) (blk Block, hit bool, err error) {
	slot := b.FindSlot(blockIndex)
	if slot == -1 {
		if slot, err = b.ChooseEmptySlot(rng); err != nil {
			return DummyBlock(), false, err
		}
	}
	blk = b.Blocks[slot]
	b.Valids[slot] = false
	b.Count++
	return blk, !blk.IsDummy() && blk.Index == blockIndex, nil
}

// LiveBlocks returns the real blocks whose slots have not been consumed.
func (b *Bucket) LiveBlocks() []Block {
	var out []Block
	for i := 0; i < b.Slots(); i++ {
		if b.Ptrs[i] != EmptyBlockID && b.Valids[i] && !b.Blocks[i].IsDummy() {
			out = append(out, b.Blocks[i])
		}
	}
	return out
}

// ConsumedSlots returns the number of slots marked consumed.
func (b *Bucket) ConsumedSlots() int {
	n := 0
	for _, v := range b.Valids {
		if !v {
			n++
		}
	}
	return n
}
