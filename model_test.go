package ringoram

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid config", Config{NumBlocks: 100, BlockSize: 512}, nil},
		{"zero blocks", Config{NumBlocks: 0, BlockSize: 512}, ErrInvalidConfig},
		{"negative blocks", Config{NumBlocks: -1, BlockSize: 512}, ErrInvalidConfig},
		{"zero block size", Config{NumBlocks: 100, BlockSize: 0}, ErrInvalidConfig},
		{"negative dummy slots", Config{NumBlocks: 100, BlockSize: 512, DummySlots: -1}, ErrInvalidConfig},
		{"negative cached levels", Config{NumBlocks: 100, BlockSize: 512, CachedLevels: -2}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Config{NumBlocks: 16, BlockSize: 256}.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Config{NumBlocks: 16, BlockSize: 256, RealSlots: 4, DummySlots: 6, EvictRound: 3}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.SlotsPerBucket(); got != 10 {
		t.Errorf("SlotsPerBucket() = %d, want 10", got)
	}
}

func TestTreeParams(t *testing.T) {
	tests := []struct {
		capacity    int
		wantHeight  int
		wantLeaves  int
		wantBuckets int
	}{
		{1, 0, 1, 1},
		{2, 1, 2, 3},
		{3, 2, 4, 7},
		{16, 4, 16, 31},
		{17, 5, 32, 63},
		{100, 7, 128, 255},
		{1024, 10, 1024, 2047},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("capacity=%d", tt.capacity), func(t *testing.T) {
			height, leaves, buckets := TreeParams(tt.capacity)
			if height != tt.wantHeight || leaves != tt.wantLeaves || buckets != tt.wantBuckets {
				t.Errorf("TreeParams(%d) = (%d, %d, %d), want (%d, %d, %d)",
					tt.capacity, height, leaves, buckets, tt.wantHeight, tt.wantLeaves, tt.wantBuckets)
			}
		})
	}
}

func TestPathBucket(t *testing.T) {
	// Height 2: 7 buckets, 4 leaves.
	tests := []struct {
		leaf int
		want []int
	}{
		{0, []int{0, 1, 3}},
		{1, []int{0, 1, 4}},
		{2, []int{0, 2, 5}},
		{3, []int{0, 2, 6}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("leaf=%d", tt.leaf), func(t *testing.T) {
			var got []int
			for level := 0; level <= 2; level++ {
				pos := PathBucket(tt.leaf, level, 2)
				if LevelOf(pos) != level {
					t.Errorf("LevelOf(%d) = %d, want %d", pos, LevelOf(pos), level)
				}
				got = append(got, pos)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("path mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBucket_ChooseEmptySlot(t *testing.T) {
	rng := NewSeededRand(1)
	b := NewBucket(2, 3)
	b.Blocks[0] = Block{Leaf: 1, Index: 9}
	b.Ptrs[0] = 9
	b.Valids[4] = false

	counts := make(map[int]int)
	for i := 0; i < 3000; i++ {
		slot, err := b.ChooseEmptySlot(rng)
		if err != nil {
			t.Fatalf("ChooseEmptySlot: %v", err)
		}
		counts[slot]++
	}
	if counts[0] != 0 || counts[4] != 0 {
		t.Errorf("chose an occupied or consumed slot: %v", counts)
	}
	for _, slot := range []int{1, 2, 3} {
		if counts[slot] < 800 || counts[slot] > 1200 {
			t.Errorf("slot %d chosen %d times out of 3000, want about 1000", slot, counts[slot])
		}
	}

	for i := 1; i <= 3; i++ {
		b.Valids[i] = false
	}
	if _, err := b.ChooseEmptySlot(rng); !errors.Is(err, ErrBucketExhausted) {
		t.Errorf("ChooseEmptySlot() error = %v, want ErrBucketExhausted", err)
	}
}

func TestBucket_Consume(t *testing.T) {
	rng := NewSeededRand(2)
	b := NewBucket(4, 6)
	b.Blocks[3] = Block{Leaf: 0, Index: 5, Data: []byte("five")}
	b.Ptrs[3] = 5

	blk, hit, err := b.Consume(5, rng)
	if err != nil || !hit || string(blk.Data) != "five" {
		t.Fatalf("Consume(5) = %+v, %v, %v, want hit on block 5", blk, hit, err)
	}
	if b.Valids[3] {
		t.Error("slot 3 still valid after hit")
	}

	// The consumed copy is never served again.
	blk, hit, err = b.Consume(5, rng)
	if err != nil || hit || !blk.IsDummy() {
		t.Errorf("second Consume(5) = %+v, %v, %v, want dummy miss", blk, hit, err)
	}
	if b.Count != 2 || b.ConsumedSlots() != 2 {
		t.Errorf("Count = %d, ConsumedSlots = %d, want 2 and 2", b.Count, b.ConsumedSlots())
	}
	if got := len(b.LiveBlocks()); got != 0 {
		t.Errorf("LiveBlocks() has %d entries, want 0", got)
	}
}

func TestBucket_CloneIsDeep(t *testing.T) {
	b := NewBucket(1, 1)
	b.Blocks[0] = Block{Leaf: 0, Index: 1, Data: []byte{1}}
	c := b.Clone()
	c.Blocks[0].Data[0] = 9
	c.Ptrs[0] = 7
	c.Valids[1] = false
	if b.Blocks[0].Data[0] != 1 || b.Ptrs[0] != EmptyBlockID || !b.Valids[1] {
		t.Error("mutating the clone changed the original")
	}
}

func TestBucket_Validate(t *testing.T) {
	b := NewBucket(2, 2)
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() on fresh bucket: %v", err)
	}
	b.Valids = b.Valids[:3]
	if err := b.Validate(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Validate() error = %v, want ErrProtocol", err)
	}
}

func TestPositionMap(t *testing.T) {
	rng := NewSeededRand(3)
	p := NewPositionMap(50, 8, rng)
	if p.Len() != 50 {
		t.Errorf("Len() = %d, want 50", p.Len())
	}
	for i := 0; i < p.Len(); i++ {
		if leaf := p.Lookup(i); leaf < 0 || leaf >= 8 {
			t.Errorf("Lookup(%d) = %d, want [0, 8)", i, leaf)
		}
	}

	before := p.Lookup(7)
	old := p.Remap(7, rng)
	if old != before {
		t.Errorf("Remap() returned %d, want previous leaf %d", old, before)
	}
	p.Set(7, 3)
	if got := p.Lookup(7); got != 3 {
		t.Errorf("Lookup(7) = %d, want 3", got)
	}
}

func TestStash(t *testing.T) {
	var s Stash
	for i := 0; i < 5; i++ {
		if !s.Insert(Block{Leaf: i % 2, Index: i, Data: []byte{byte(i)}}) {
			t.Fatalf("Insert(%d) = false", i)
		}
	}
	if s.Insert(Block{Leaf: 0, Index: 3, Data: []byte("dup")}) {
		t.Error("Insert of a duplicate index succeeded")
	}
	if s.Len() != 5 {
		t.Errorf("Len() = %d, want 5", s.Len())
	}

	b, ok := s.TakeByIndex(3)
	if !ok || b.Data[0] != 3 {
		t.Errorf("TakeByIndex(3) = %+v, %v, want original entry", b, ok)
	}
	if s.Contains(3) {
		t.Error("index 3 still present after TakeByIndex")
	}
	if _, ok := s.TakeByIndex(3); ok {
		t.Error("second TakeByIndex(3) succeeded")
	}

	drained := s.DrainMatching(func(b Block) bool { return b.Leaf == 0 }, 1)
	if len(drained) != 1 || drained[0].Leaf != 0 {
		t.Errorf("DrainMatching(limit 1) = %+v, want one block on leaf 0", drained)
	}
	rest := s.DrainMatching(func(Block) bool { return true }, -1)
	if len(rest) != 3 || s.Len() != 0 {
		t.Errorf("DrainMatching(unlimited) took %d, left %d, want 3 and 0", len(rest), s.Len())
	}
}

func TestStash_ConstantTimeMatchesTakeByIndex(t *testing.T) {
	var a, b Stash
	for _, idx := range []int{4, 9, 1, 7} {
		a.Insert(Block{Index: idx, Data: []byte{byte(idx)}})
		b.Insert(Block{Index: idx, Data: []byte{byte(idx)}})
	}
	for _, idx := range []int{9, 2, 4, 7, 1, 1} {
		got, gotOK := a.TakeByIndexConstantTime(idx)
		want, wantOK := b.TakeByIndex(idx)
		if gotOK != wantOK {
			t.Fatalf("index %d: found = %v, want %v", idx, gotOK, wantOK)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("index %d mismatch (-want +got):\n%s", idx, diff)
		}
	}
}

func TestInMemoryStorage(t *testing.T) {
	storage := NewInMemoryStorage(7, 4, 6)
	if storage.NumBuckets() != 7 {
		t.Errorf("NumBuckets() = %d, want 7", storage.NumBuckets())
	}

	bucket, err := storage.GetBucket(0)
	if err != nil {
		t.Fatalf("GetBucket failed: %v", err)
	}
	if diff := cmp.Diff(NewBucket(4, 6), bucket); diff != "" {
		t.Errorf("initial bucket mismatch (-want +got):\n%s", diff)
	}

	bucket.Blocks[1] = Block{Leaf: 2, Index: 1, Data: []byte("x")}
	bucket.Ptrs[1] = 1
	if err := storage.SetBucket(6, bucket); err != nil {
		t.Fatalf("SetBucket failed: %v", err)
	}
	// The store keeps its own copy.
	bucket.Blocks[1].Data[0] = 'y'
	got, _ := storage.GetBucket(6)
	if string(got.Blocks[1].Data) != "x" {
		t.Errorf("stored data = %q, want %q", got.Blocks[1].Data, "x")
	}

	if _, err := storage.GetBucket(7); !errors.Is(err, ErrRange) {
		t.Errorf("GetBucket(7) error = %v, want ErrRange", err)
	}
	if err := storage.SetBucket(0, NewBucket(2, 2)); !errors.Is(err, ErrProtocol) {
		t.Errorf("SetBucket(wrong shape) error = %v, want ErrProtocol", err)
	}
}
