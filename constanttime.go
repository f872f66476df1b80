package ringoram

import "crypto/subtle"

// TakeByIndexConstantTime is TakeByIndex without an early exit: every entry
// is compared and its index selected branch-free, then the winner is removed.
func (s *Stash) TakeByIndexConstantTime(blockIndex int) (Block, bool) {
	foundIdx := -1
	for i := range s.blocks {
		match := subtle.ConstantTimeEq(int32(s.blocks[i].Index), int32(blockIndex))
		foundIdx = subtle.ConstantTimeSelect(match, i, foundIdx)
	}
	if foundIdx == -1 {
		return Block{}, false
	}
	return s.removeAt(foundIdx), true
}

// onPathConstantTime reports whether the bucket at position lies on the path
// to leaf, walking every level.
func (o *RingORAM) onPathConstantTime(leaf, position int) bool {
	found := 0
	for level := 0; level <= o.height; level++ {
		found |= subtle.ConstantTimeEq(int32(PathBucket(leaf, level, o.height)), int32(position))
	}
	return found == 1
}
