package pointstore

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

var pointsBucket = []byte("points")

// boltValueSize is x, y, z, r, g, b as little-endian float32.
const boltValueSize = 24

// BoltStore persists points in a bbolt file, one nested bucket per file ID
// keyed by big-endian sequence numbers.
type BoltStore struct {
	db        *bolt.DB
	batchSize int
}

// OpenBoltStore opens (or creates) a bbolt database at path.
func OpenBoltStore(path string, batchSize int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.WrapTransient(err, "BoltStore", "Open", fmt.Sprintf("open %s", path))
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pointsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "BoltStore", "Open", "create points bucket")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BoltStore{db: db, batchSize: batchSize}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func encodeBoltValue(p PointRecord) []byte {
	v := make([]byte, boltValueSize)
	for i, f := range []float32{p.X, p.Y, p.Z, p.Color[0], p.Color[1], p.Color[2]} {
		binary.LittleEndian.PutUint32(v[i*4:], math.Float32bits(f))
	}
	return v
}

func decodeBoltValue(v []byte) (PointRecord, error) {
	if len(v) != boltValueSize {
		return PointRecord{}, errors.WrapFatal(errors.ErrDataCorrupted, "BoltStore", "decode",
			fmt.Sprintf("value length %d", len(v)))
	}
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(v[i*4:])) }
	return PointRecord{
		X: f(0), Y: f(1), Z: f(2),
		Color: [3]float32{f(3), f(4), f(5)},
	}, nil
}

// Query implements Querier. Each batch runs in its own short read
// transaction so a slow consumer never pins a transaction open.
func (s *BoltStore) Query(_ context.Context, fileID string, box BoundingBox) (Cursor, error) {
	exists := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(pointsBucket).Bucket([]byte(fileID)) != nil
		return nil
	}); err != nil {
		return nil, errors.WrapFatal(err, "BoltStore", "Query", "lookup file bucket")
	}
	if !exists {
		return &emptyCursor{}, nil
	}

	fetch := func(ctx context.Context, after uint64, limit int) ([]PointRecord, uint64, bool, error) {
		out := make([]PointRecord, 0, limit)
		last := after
		more := false
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(pointsBucket).Bucket([]byte(fileID))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			scanned := 0
			for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
				scanned++
				if scanned%scanCheckInterval == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				last = binary.BigEndian.Uint64(k)
				p, err := decodeBoltValue(v)
				if err != nil {
					return err
				}
				if !box.Contains(p) {
					continue
				}
				out = append(out, p)
				if len(out) == limit {
					nk, _ := c.Next()
					more = nk != nil
					return nil
				}
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, last, false, err
			}
			return nil, last, false, errors.WrapFatal(err, "BoltStore", "Query", "scan batch")
		}
		return out, last, more, nil
	}
	return newPagedCursor(fetch, s.batchSize, nil), nil
}

// Append implements Store. All points are written in one transaction.
func (s *BoltStore) Append(_ context.Context, fileID string, points []PointRecord) error {
	if fileID == "" {
		return errors.WrapInvalid(errors.ErrMissingParameters, "BoltStore", "Append", "empty file id")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(pointsBucket).CreateBucketIfNotExists([]byte(fileID))
		if err != nil {
			return err
		}
		for _, p := range points {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), encodeBoltValue(p)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WrapFatal(err, "BoltStore", "Append", fmt.Sprintf("append %d points", len(points)))
}

// Delete implements Store. Cursors already open on the file see it end
// at their next batch.
func (s *BoltStore) Delete(_ context.Context, fileID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(pointsBucket).DeleteBucket([]byte(fileID))
		if stderrors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return errors.WrapFatal(err, "BoltStore", "Delete", "drop bucket "+fileID)
}

// Files implements Store.
func (s *BoltStore) Files(_ context.Context) ([]FileStat, error) {
	var stats []FileStat
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(pointsBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			stats = append(stats, FileStat{
				FileID: string(k),
				Points: int64(root.Bucket(k).Stats().KeyN),
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "BoltStore", "Files", "list file buckets")
	}
	return stats, nil
}

// Ping implements Store.
func (s *BoltStore) Ping(_ context.Context) error {
	return errors.WrapTransient(s.db.View(func(*bolt.Tx) error { return nil }), "BoltStore", "Ping", "read transaction")
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
