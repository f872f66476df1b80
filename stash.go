package ringoram

// Stash holds plaintext blocks outside the tree. It keeps at most one entry
// per block index and is unbounded; its size is exported as a metric.
type Stash struct {
	blocks []Block
}

// Len returns the number of blocks held.
func (s *Stash) Len() int {
	return len(s.blocks)
}

// Insert adds b. If an entry with the same index is already present the
// existing entry wins and Insert reports false.
func (s *Stash) Insert(b Block) bool {
	if s.indexOf(b.Index) != -1 {
		return false
	}
	s.blocks = append(s.blocks, b)
	return true
}

// TakeByIndex removes and returns the entry for blockIndex.
func (s *Stash) TakeByIndex(blockIndex int) (Block, bool) {
	i := s.indexOf(blockIndex)
	if i == -1 {
		return Block{}, false
	}
	return s.removeAt(i), true
}

// DrainMatching removes and returns, in stash order, up to limit entries for
// which match returns true. A negative limit means no limit.
func (s *Stash) DrainMatching(match func(Block) bool, limit int) []Block {
	var out []Block
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		if (limit < 0 || len(out) < limit) && match(b) {
			out = append(out, b)
			continue
		}
		kept = append(kept, b)
	}
	clear(s.blocks[len(kept):])
	s.blocks = kept
	return out
}

// Contains reports whether blockIndex is held.
func (s *Stash) Contains(blockIndex int) bool {
	return s.indexOf(blockIndex) != -1
}

// Indices returns the block indices currently held.
func (s *Stash) Indices() []int {
	out := make([]int, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Index
	}
	return out
}

func (s *Stash) indexOf(blockIndex int) int {
	for i := range s.blocks {
		if s.blocks[i].Index == blockIndex {
			return i
		}
	}
	return -1
}

func (s *Stash) removeAt(i int) Block {
	b := s.blocks[i]
	last := len(s.blocks) - 1
	s.blocks[i] = s.blocks[last]
	s.blocks[last] = Block{}
	s.blocks = s.blocks[:last]
	return b
}
