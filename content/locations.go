package content

import (
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var bucketDirnames = []byte("download_dirnames") // gid -> directory name

// Locations records which directory under the download root holds each
// gallery.
type Locations interface {
	Dirname(gid int64) (string, bool, error)
	PutDirname(gid int64, dirname string) error
}

// BoltLocations stores gallery directory names in a bbolt database.
type BoltLocations struct {
	db *bbolt.DB
}

// OpenLocations opens or creates the database at path.
func OpenLocations(path string) (*BoltLocations, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening locations database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDirnames)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &BoltLocations{db: db}, nil
}

// Dirname returns the recorded directory name for gid.
func (l *BoltLocations) Dirname(gid int64) (string, bool, error) {
	var name string
	err := l.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketDirnames).Get(gidKey(gid)); v != nil {
			name = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return name, name != "", nil
}

// PutDirname records the directory name for gid.
func (l *BoltLocations) PutDirname(gid int64, dirname string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDirnames).Put(gidKey(gid), []byte(dirname))
	})
}

// Close closes the database.
func (l *BoltLocations) Close() error {
	return l.db.Close()
}

func gidKey(gid int64) []byte {
	return []byte(strconv.FormatInt(gid, 10))
}
