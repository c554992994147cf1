package diskcache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	gallerycache "github.com/wolfeidau/gallery-cache"
)

var (
	bucketEntries  = []byte("entries")   // disk key -> entry JSON
	bucketByAccess = []byte("by_access") // timestamp+disk key -> disk key (LRU order)
)

var errEntryNotFound = errors.New("entry not found")

// entry is the journal record for one cached value.
type entry struct {
	Key        string            `json:"key"`
	Size       int64             `json:"size"`
	Digest     gallerycache.Hash `json:"digest"`
	Metadata   []byte            `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
}

// index is the bbolt journal of committed entries.
type index struct {
	db *bbolt.DB
}

func openIndex(path string, noSync bool) (*index, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByAccess} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func (ix *index) sync() error {
	return ix.db.Sync()
}

func (ix *index) get(key string) (*entry, error) {
	var e *entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, key)
		return err
	})
	return e, err
}

// put stores e, replacing any previous entry, and returns the size of the
// replaced entry.
func (ix *index) put(e *entry) (int64, error) {
	var replaced int64
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		old, err := getEntry(tx, e.Key)
		switch {
		case err == nil:
			replaced = old.Size
			if err := tx.Bucket(bucketByAccess).Delete(accessKey(old.LastAccess, old.Key)); err != nil {
				return err
			}
		case !errors.Is(err, errEntryNotFound):
			return err
		}
		return putEntry(tx, e)
	})
	return replaced, err
}

// touch moves key to the most recently used position.
func (ix *index) touch(key string, now time.Time) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByAccess).Delete(accessKey(e.LastAccess, e.Key)); err != nil {
			return err
		}
		e.LastAccess = now
		return putEntry(tx, e)
	})
}

func (ix *index) delete(key string) (*entry, error) {
	var e *entry
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntry(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByAccess).Delete(accessKey(e.LastAccess, e.Key)); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
	return e, err
}

// oldest returns up to n entries in least recently used order.
func (ix *index) oldest(n int) ([]*entry, error) {
	var out []*entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByAccess).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			e, err := getEntry(tx, string(v))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// each calls fn for every entry.
func (ix *index) each(fn func(*entry) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			return fn(&e)
		})
	})
}

func getEntry(tx *bbolt.Tx, key string) (*entry, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(key))
	if data == nil {
		return nil, errEntryNotFound
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	return &e, nil
}

func putEntry(tx *bbolt.Tx, e *entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put([]byte(e.Key), data); err != nil {
		return err
	}
	return tx.Bucket(bucketByAccess).Put(accessKey(e.LastAccess, e.Key), []byte(e.Key))
}

// encodeTimestamp converts t to a fixed-width big-endian byte slice so that
// keys sort chronologically.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// accessKey builds a by_access key: [8-byte timestamp][disk key].
func accessKey(t time.Time, key string) []byte {
	out := make([]byte, 8+len(key))
	copy(out[:8], encodeTimestamp(t))
	copy(out[8:], key)
	return out
}
