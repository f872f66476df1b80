package ringoram

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// evictPath reads the whole path to the next round-robin leaf into the stash
// and writes it back leaf to root. Buckets whose read failed are left alone
// so their live blocks are not overwritten.
func (o *RingORAM) evictPath(ctx context.Context) error {
	leaf := o.evictCursor % o.numLeaves
	o.evictCursor++
	o.metrics.Evictions.Inc()
	klog.V(2).Infof("EvictPath leaf=%d G=%d", leaf, o.evictCursor)

	var errs error
	pulled := make([][]int, o.height+1)
	readOK := make([]bool, o.height+1)
	for level := 0; level <= o.height; level++ {
		pos := PathBucket(leaf, level, o.height)
		bkt, err := o.readBucket(ctx, pos)
		if err != nil {
			errs = multierr.Append(errs, o.absorb("evict_read", err))
			continue
		}
		pulled[level] = o.pullLive(bkt)
		readOK[level] = true
	}

	for level := o.height; level >= 0; level-- {
		if !readOK[level] {
			continue
		}
		if err := o.writeBucket(ctx, PathBucket(leaf, level, o.height), level, pulled[level]); err != nil {
			errs = multierr.Append(errs, o.absorb("evict_write", err))
		}
	}
	return errs
}

// earlyReshuffle rewrites every bucket on the path to leaf whose consumed
// count has reached S.
func (o *RingORAM) earlyReshuffle(ctx context.Context, leaf int) error {
	var errs error
	for level := 0; level <= o.height; level++ {
		pos := PathBucket(leaf, level, o.height)
		bkt, err := o.readBucket(ctx, pos)
		if err != nil {
			errs = multierr.Append(errs, o.absorb("reshuffle_read", err))
			continue
		}
		// TODO: confirm whether the threshold should be Z+S rather than S.
		if bkt.Count < o.cfg.DummySlots {
			continue
		}
		o.metrics.EarlyReshuffles.Inc()
		klog.V(2).Infof("EarlyReshuffle bucket=%d count=%d", pos, bkt.Count)
		live := o.pullLive(bkt)
		if err := o.writeBucket(ctx, pos, level, live); err != nil {
			errs = multierr.Append(errs, o.absorb("reshuffle_write", err))
		}
	}
	return errs
}

// readBucket fetches and sanity-checks one bucket.
func (o *RingORAM) readBucket(ctx context.Context, pos int) (*Bucket, error) {
	o.metrics.NetworkLegs.WithLabelValues("read_bucket").Inc()
	bkt, err := o.backend.ReadBucket(ctx, pos)
	if err != nil {
		return nil, err
	}
	if err := bkt.Validate(); err != nil {
		return nil, fmt.Errorf("bucket %d: %w", pos, err)
	}
	return bkt, nil
}

// pullLive decrypts every live real block of bkt into the stash and
// returns the indices of the copies it found. A copy that fails to decrypt
// under FailClosedDecrypt is kept as a Raw entry.
func (o *RingORAM) pullLive(bkt *Bucket) []int {
	var live []int
	for _, blk := range bkt.LiveBlocks() {
		if blk.Index < 0 || blk.Index >= o.cfg.NumBlocks {
			klog.Warningf("dropping slot with out-of-range block index %d", blk.Index)
			continue
		}
		live = append(live, blk.Index)
		data, err := o.decrypt(blk.Index, blk.Leaf, blk.Data)
		if err != nil {
			klog.Errorf("pull block %d: %v", blk.Index, err)
		}
		ok := o.stash.Insert(Block{
			Leaf:  o.posMap.Lookup(blk.Index),
			Index: blk.Index,
			Data:  data,
			Raw:   err != nil,
		})
		if !ok {
			klog.Warningf("block %d already in stash; discarding stale tree copy", blk.Index)
		}
	}
	return live
}

// writeBucket fills the bucket at pos with up to Z stash blocks whose
// current leaf routes through it, pads with dummies, shuffles and sends it.
// live lists the blocks pulled from the bucket when it was read.
//
// On failure the selected blocks are returned to the stash and every block
// in live is pinned to pos: its old copy may still be served from there, so
// it stays in the stash until pos is rewritten.
func (o *RingORAM) writeBucket(ctx context.Context, pos, level int, live []int) error {
	match := func(b Block) bool {
		return PathBucket(b.Leaf, level, o.height) == pos && !o.pinnedElsewhere(b.Index, pos)
	}
	if o.cfg.ConstantTime {
		match = func(b Block) bool {
			return o.onPathConstantTime(b.Leaf, pos) && !o.pinnedElsewhere(b.Index, pos)
		}
	}
	chosen := o.stash.DrainMatching(match, o.cfg.RealSlots)

	bkt, err := o.sealBucket(chosen)
	if err == nil {
		o.metrics.NetworkLegs.WithLabelValues("write_bucket").Inc()
		err = o.backend.WriteBucket(ctx, pos, bkt)
	}
	if err != nil {
		for _, b := range chosen {
			o.stash.Insert(b)
		}
		o.pin(pos, live)
		return fmt.Errorf("write bucket %d: %w", pos, err)
	}
	o.unpin(pos)
	return nil
}

// pin records that blocks may still be live at pos.
func (o *RingORAM) pin(pos int, blocks []int) {
	if len(blocks) == 0 {
		return
	}
	set := o.stale[pos]
	if set == nil {
		set = make(map[int]struct{}, len(blocks))
		o.stale[pos] = set
	}
	for _, idx := range blocks {
		if _, ok := set[idx]; ok {
			continue
		}
		set[idx] = struct{}{}
		o.pins[idx]++
	}
	klog.V(1).Infof("bucket %d holds %d stale copies", pos, len(set))
}

// unpin clears the stale copies of pos after it has been rewritten.
func (o *RingORAM) unpin(pos int) {
	for idx := range o.stale[pos] {
		if o.pins[idx]--; o.pins[idx] == 0 {
			delete(o.pins, idx)
		}
	}
	delete(o.stale, pos)
}

// pinnedElsewhere reports whether blockIndex has a stale copy at a position
// other than pos. Rewriting pos overwrites the copy held there.
func (o *RingORAM) pinnedElsewhere(blockIndex, pos int) bool {
	n := o.pins[blockIndex]
	if _, ok := o.stale[pos][blockIndex]; ok {
		n--
	}
	return n > 0
}

// sealBucket encrypts chosen into a freshly shuffled bucket. Raw entries
// are written back as the ciphertext they were read as.
func (o *RingORAM) sealBucket(chosen []Block) (*Bucket, error) {
	bkt := NewBucket(o.cfg.RealSlots, o.cfg.DummySlots)
	for i, b := range chosen {
		ct := b.Data
		if !b.Raw {
			var err error
			if ct, err = o.encrypt.Encrypt(b.Index, b.Leaf, b.Data); err != nil {
				return nil, fmt.Errorf("%w: block %d: %w", ErrCrypto, b.Index, err)
			}
		}
		bkt.Blocks[i] = Block{Leaf: b.Leaf, Index: b.Index, Data: ct}
	}
	o.rng.Shuffle(len(bkt.Blocks), func(i, j int) {
		bkt.Blocks[i], bkt.Blocks[j] = bkt.Blocks[j], bkt.Blocks[i]
	})
	for i, b := range bkt.Blocks {
		bkt.Ptrs[i] = b.Index
		bkt.Valids[i] = true
	}
	bkt.Count = 0
	return bkt, nil
}
