package ringoram

// PositionMap tracks block-to-leaf assignments. It is a fixed-length array
// owned by the engine; every block index has a leaf from construction on.
type PositionMap struct {
	leaves    []int
	numLeaves int
}

// NewPositionMap assigns every block index a uniformly random leaf.
func NewPositionMap(numBlocks, numLeaves int, rng Rand) *PositionMap {
	p := &PositionMap{
		leaves:    make([]int, numBlocks),
		numLeaves: numLeaves,
	}
	for i := range p.leaves {
		p.leaves[i] = rng.IntN(numLeaves)
	}
	return p
}

// Lookup returns the current leaf of blockIndex.
func (p *PositionMap) Lookup(blockIndex int) int {
	return p.leaves[blockIndex]
}

// Remap assigns blockIndex a fresh uniformly random leaf and returns the
// previous one.
func (p *PositionMap) Remap(blockIndex int, rng Rand) (old int) {
	old = p.leaves[blockIndex]
	p.leaves[blockIndex] = rng.IntN(p.numLeaves)
	return old
}

// Set forces the leaf of blockIndex.
func (p *PositionMap) Set(blockIndex, leaf int) {
	p.leaves[blockIndex] = leaf
}

// Len returns the number of block indices tracked.
func (p *PositionMap) Len() int {
	return len(p.leaves)
}
