// Package kvstore maps application node and document identifiers onto
// oblivious block indices. Each logical id is given a block on its first
// write; the mapping lives in client memory. Store is safe for concurrent
// use and serializes all engine access.
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ringoram "github.com/etclab/ringoram-go"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// ErrNotFound is returned for a logical id that has no block.
var ErrNotFound = errors.New("not found")

// Engine is the oblivious access surface the store routes through.
type Engine interface {
	Access(ctx context.Context, blockIndex int, op ringoram.Op, data []byte) ([]byte, error)
	Capacity() int
}

// Node is one entry of a batch store.
type Node struct {
	ID   int
	Data []byte
}

// Stats summarizes the logical mapping.
type Stats struct {
	Nodes       int
	Documents   int
	Paths       int
	NextBlockID int
	Capacity    int
}

func (s Stats) String() string {
	return fmt.Sprintf("nodes=%d documents=%d paths=%d next_block_id=%d capacity=%d",
		s.Nodes, s.Documents, s.Paths, s.NextBlockID, s.Capacity)
}

// Store is the logical key-value layer over an Engine.
type Store struct {
	mu       sync.Mutex
	engine   Engine
	capacity int

	nextBlockID int
	nodes       map[int]int // node id -> block index
	docs        map[int]int // document id -> block index
	paths       map[int]int // tree path -> block index

	rootBlock  int // EmptyBlockID until the root path is first persisted
	rootPath   int
	rootCached bool
}

// New creates an empty store over engine.
func New(engine Engine) *Store {
	return &Store{
		engine:    engine,
		capacity:  engine.Capacity(),
		nodes:     make(map[int]int),
		docs:      make(map[int]int),
		paths:     make(map[int]int),
		rootBlock: ringoram.EmptyBlockID,
	}
}

// allocate hands out the next block index. It fails closed once every
// index has been used.
func (s *Store) allocate() (int, error) {
	if s.nextBlockID >= s.capacity {
		klog.Errorf("block id %d exceeds ORAM capacity %d", s.nextBlockID, s.capacity)
		return 0, fmt.Errorf("%w: all %d blocks allocated", ringoram.ErrCapacityExceeded, s.capacity)
	}
	id := s.nextBlockID
	s.nextBlockID++
	return id, nil
}

// release undoes the most recent allocate when the write it served failed.
func (s *Store) release(blockIndex int) {
	if blockIndex == s.nextBlockID-1 {
		s.nextBlockID--
	}
}

// access runs one engine access. Absorbed eviction failures are logged and
// otherwise treated as success.
func (s *Store) access(ctx context.Context, blockIndex int, op ringoram.Op, data []byte) ([]byte, error) {
	out, err := s.engine.Access(ctx, blockIndex, op, data)
	if err == nil {
		return out, nil
	}
	var degraded *ringoram.DegradedError
	if errors.As(err, &degraded) && !errors.Is(err, ringoram.ErrCrypto) {
		klog.Warningf("block %d %v: %v", blockIndex, op, err)
		return out, nil
	}
	return nil, err
}

// put writes data under the id tracked in m, allocating a block first if
// the id is new.
func (s *Store) put(ctx context.Context, m map[int]int, id int, data []byte) error {
	blockIndex, ok := m[id]
	if !ok {
		var err error
		if blockIndex, err = s.allocate(); err != nil {
			return err
		}
	}
	if _, err := s.access(ctx, blockIndex, ringoram.OpWrite, data); err != nil {
		if !ok {
			s.release(blockIndex)
		}
		return err
	}
	m[id] = blockIndex
	return nil
}

func (s *Store) get(ctx context.Context, m map[int]int, kind string, id int) ([]byte, error) {
	blockIndex, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return s.access(ctx, blockIndex, ringoram.OpRead, nil)
}

// StoreNode writes a tree node.
func (s *Store) StoreNode(ctx context.Context, nodeID int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, s.nodes, nodeID, data); err != nil {
		return fmt.Errorf("store node %d: %w", nodeID, err)
	}
	return nil
}

// ReadNode reads a tree node.
func (s *Store) ReadNode(ctx context.Context, nodeID int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.nodes, "node", nodeID)
}

// DeleteNode overwrites a node's block with empty data and forgets the
// mapping. The block index is not reused.
func (s *Store) DeleteNode(ctx context.Context, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockIndex, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	if _, err := s.access(ctx, blockIndex, ringoram.OpWrite, nil); err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	delete(s.nodes, nodeID)
	return nil
}

// BatchStoreNodes stores every node, continuing past failures. The
// returned error combines all failures.
func (s *Store) BatchStoreNodes(ctx context.Context, nodes []Node) error {
	var errs error
	for _, n := range nodes {
		if err := s.StoreNode(ctx, n.ID, n.Data); err != nil {
			klog.Errorf("batch: %v", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// StoreDocument writes a document.
func (s *Store) StoreDocument(ctx context.Context, docID int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, s.docs, docID, data); err != nil {
		return fmt.Errorf("store document %d: %w", docID, err)
	}
	return nil
}

// ReadDocument reads a document.
func (s *Store) ReadDocument(ctx context.Context, docID int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.docs, "document", docID)
}

// SetRootPath records the tree's root path and persists it in a reserved
// block, allocated on first use.
func (s *Store) SetRootPath(ctx context.Context, path int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := s.rootBlock == ringoram.EmptyBlockID
	if fresh {
		blockIndex, err := s.allocate()
		if err != nil {
			return fmt.Errorf("persist root path: %w", err)
		}
		s.rootBlock = blockIndex
	}
	buf := binary.LittleEndian.AppendUint32(nil, uint32(int32(path)))
	if _, err := s.access(ctx, s.rootBlock, ringoram.OpWrite, buf); err != nil {
		if fresh {
			s.release(s.rootBlock)
			s.rootBlock = ringoram.EmptyBlockID
		}
		return fmt.Errorf("persist root path: %w", err)
	}
	s.rootPath, s.rootCached = path, true
	return nil
}

// RootPath returns the root path, loading it from its reserved block if it
// is not cached. A root path that was never set is 0.
func (s *Store) RootPath(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rootCached {
		return s.rootPath, nil
	}
	if s.rootBlock == ringoram.EmptyBlockID {
		return 0, nil
	}
	data, err := s.access(ctx, s.rootBlock, ringoram.OpRead, nil)
	if err != nil {
		return 0, fmt.Errorf("load root path: %w", err)
	}
	path := 0
	if len(data) >= 4 {
		path = int(int32(binary.LittleEndian.Uint32(data)))
	}
	s.rootPath, s.rootCached = path, true
	return path, nil
}

// AllocateBlockForPath reserves a block index for a tree path. A path that
// already has a block keeps it.
func (s *Store) AllocateBlockForPath(path int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockIndex, ok := s.paths[path]; ok {
		return blockIndex, nil
	}
	blockIndex, err := s.allocate()
	if err != nil {
		return 0, err
	}
	s.paths[path] = blockIndex
	return blockIndex, nil
}

// BlockIndexForPath returns the block reserved for path.
func (s *Store) BlockIndexForPath(path int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockIndex, ok := s.paths[path]
	return blockIndex, ok
}

// StoreByPath writes data to the block reserved for path, reserving one
// first if needed.
func (s *Store) StoreByPath(ctx context.Context, path int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, s.paths, path, data); err != nil {
		return fmt.Errorf("store path %d: %w", path, err)
	}
	return nil
}

// ReadByPath reads the block reserved for path. A reserved block that was
// never written reads as empty.
func (s *Store) ReadByPath(ctx context.Context, path int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, s.paths, "path", path)
}

// Stats returns a snapshot of the mapping counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Nodes:       len(s.nodes),
		Documents:   len(s.docs),
		Paths:       len(s.paths),
		NextBlockID: s.nextBlockID,
		Capacity:    s.capacity,
	}
}
