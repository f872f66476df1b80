package server

import (
	"encoding/binary"
	"fmt"
	"time"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketsKey = []byte("buckets")
	metaKey    = []byte("meta")
	shapeKey   = []byte("shape")
)

// BoltStore is a BucketStore persisted in a bbolt file. Buckets are stored
// wire-encoded under their big-endian position; a position that was never
// written reads as a fresh all-dummy bucket.
type BoltStore struct {
	db         *bolt.DB
	numBuckets int
	z, s       int
}

// OpenBoltStore opens or creates the store at path. An existing file must
// have been created with the same dimensions.
func OpenBoltStore(path string, numBuckets, z, s int) (*BoltStore, error) {
	if numBuckets <= 0 || z < 0 || s < 0 {
		return nil, fmt.Errorf("%w: bolt store dimensions %d/%d/%d", ringoram.ErrInvalidConfig, numBuckets, z, s)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bucket store %s: %w", path, err)
	}

	shape := make([]byte, 12)
	binary.BigEndian.PutUint32(shape[0:], uint32(numBuckets))
	binary.BigEndian.PutUint32(shape[4:], uint32(z))
	binary.BigEndian.PutUint32(shape[8:], uint32(s))

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketsKey); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaKey)
		if err != nil {
			return err
		}
		existing := meta.Get(shapeKey)
		if existing == nil {
			return meta.Put(shapeKey, shape)
		}
		if string(existing) != string(shape) {
			return fmt.Errorf("%w: %s was created with a different tree shape", ringoram.ErrInvalidConfig, path)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, numBuckets: numBuckets, z: z, s: s}, nil
}

func positionKey(pos int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(pos))
	return k
}

func (b *BoltStore) checkRange(pos int) error {
	if pos < 0 || pos >= b.numBuckets {
		return fmt.Errorf("%w: bucket position %d outside [0, %d)", ringoram.ErrRange, pos, b.numBuckets)
	}
	return nil
}

// GetBucket returns the bucket at pos.
func (b *BoltStore) GetBucket(pos int) (*ringoram.Bucket, error) {
	if err := b.checkRange(pos); err != nil {
		return nil, err
	}
	var bkt *ringoram.Bucket
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketsKey).Get(positionKey(pos))
		if v == nil {
			bkt = ringoram.NewBucket(b.z, b.s)
			return nil
		}
		var err error
		bkt, err = wire.DecodeBucket(v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get bucket %d: %w", pos, err)
	}
	return bkt, nil
}

// SetBucket replaces the bucket at pos.
func (b *BoltStore) SetBucket(pos int, bkt *ringoram.Bucket) error {
	if err := b.checkRange(pos); err != nil {
		return err
	}
	if err := bkt.Validate(); err != nil {
		return err
	}
	if bkt.Z != b.z || bkt.S != b.s {
		return fmt.Errorf("%w: bucket is Z=%d S=%d, store holds Z=%d S=%d", ringoram.ErrProtocol, bkt.Z, bkt.S, b.z, b.s)
	}
	enc, err := wire.EncodeBucket(bkt)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketsKey).Put(positionKey(pos), enc)
	})
}

// NumBuckets returns the number of bucket positions.
func (b *BoltStore) NumBuckets() int {
	return b.numBuckets
}

// Close closes the underlying database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
