package warehouse

import (
	"fmt"
	"iter"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var indexBucket = []byte("index")

type boltIndexValue struct {
	Partition string `msgpack:"p"`
	// when the entry was written, unix milliseconds
	UpdatedMs int64 `msgpack:"t"`
}

// BoltIndex is an Index stored in a bbolt database.
// Unlike FileIndex, lookups don't scan the whole index.
type BoltIndex struct {
	Path string
	db   *bbolt.DB
}

var _ Index = &BoltIndex{}

// OpenBoltIndex opens (or creates) a bbolt index at path
func OpenBoltIndex(path string) (*BoltIndex, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index '%s': %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltIndex{Path: path, db: db}, nil
}

func encodeBoltValue(partition string) ([]byte, error) {
	v := boltIndexValue{
		Partition: partition,
		UpdatedMs: time.Now().UTC().UnixMilli(),
	}
	return msgpack.Marshal(&v)
}

func decodeBoltValue(d []byte) (string, error) {
	var v boltIndexValue
	if err := msgpack.Unmarshal(d, &v); err != nil {
		return "", err
	}
	if !IsPartition(v.Partition) {
		return "", fmt.Errorf("invalid partition '%s' in index", v.Partition)
	}
	return v.Partition, nil
}

func (x *BoltIndex) Lookup(ids []string) (map[string][]string, error) {
	res := map[string][]string{}
	seen := map[string]bool{}
	err := x.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			d := b.Get([]byte(id))
			if d == nil {
				continue
			}
			p, err := decodeBoltValue(d)
			if err != nil {
				return fmt.Errorf("index entry for '%s': %w", id, err)
			}
			res[p] = append(res[p], id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Append sets the partition for id. Unlike FileIndex it can't
// create duplicate entries.
func (x *BoltIndex) Append(id string, partition string) error {
	d, err := encodeBoltValue(partition)
	if err != nil {
		return err
	}
	return x.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(id), d)
	})
}

func (x *BoltIndex) Remove(id string) (string, bool, error) {
	partition := ""
	found := false
	err := x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		key := []byte(id)
		d := b.Get(key)
		if d == nil {
			return nil
		}
		found = true
		// a corrupted value is still removed
		partition, _ = decodeBoltValue(d)
		return b.Delete(key)
	})
	if err != nil {
		return "", false, err
	}
	return partition, found, nil
}

// All iterates over a snapshot of entries, in id order
func (x *BoltIndex) All() (iter.Seq[IndexEntry], func() error) {
	var iterErr error
	seq := func(yield func(IndexEntry) bool) {
		var entries []IndexEntry
		iterErr = x.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(indexBucket).ForEach(func(k, v []byte) error {
				p, err := decodeBoltValue(v)
				if err != nil {
					return fmt.Errorf("index entry for '%s': %w", string(k), err)
				}
				entries = append(entries, IndexEntry{ID: string(k), Partition: p})
				return nil
			})
		})
		if iterErr != nil {
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
	return seq, func() error { return iterErr }
}

func (x *BoltIndex) Replace(entries []IndexEntry) error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(indexBucket) != nil {
			if err := tx.DeleteBucket(indexBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(indexBucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			d, err := encodeBoltValue(e.Partition)
			if err != nil {
				return err
			}
			if err = b.Put([]byte(e.ID), d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *BoltIndex) Close() error {
	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}
