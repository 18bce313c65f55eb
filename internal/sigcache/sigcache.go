// Package sigcache stores computed signatures in a bolt database keyed by the
// identity of the file they describe, so re-signing an unchanged file can be
// skipped.
package sigcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cespare/xxhash/v2"

	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
)

var bucketSignatures = []byte("signatures")

// Cache is a persistent signature cache. It is safe for concurrent use.
type Cache struct {
	db  *bolt.DB
	now func() time.Time
}

// Key identifies a file version together with the parameters used to sign it.
// Any change to the file's size or modification time produces a new key.
type Key struct {
	Path      string
	Size      int64
	ModTime   time.Time
	BlockSize int
	Algorithm strong.Algorithm
	StrongLen int
}

// descriptor is the canonical string form stored next to the entry. It guards
// against xxhash collisions on lookup.
func (k Key) descriptor() string {
	abs, err := filepath.Abs(k.Path)
	if err != nil {
		abs = filepath.Clean(k.Path)
	}
	return abs + "\x00" +
		strconv.FormatInt(k.Size, 10) + "\x00" +
		strconv.FormatInt(k.ModTime.UnixNano(), 10) + "\x00" +
		strconv.Itoa(k.BlockSize) + "\x00" +
		k.Algorithm.String() + "\x00" +
		strconv.Itoa(k.StrongLen)
}

func (k Key) id(desc string) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], xxhash.Sum64String(desc))
	return b[:]
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open signature cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSignatures)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize signature cache: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Entry layout: u64 stored-at unix seconds, u32 descriptor length, descriptor,
// encoded signature.
const entryHeader = 12

// Get returns the cached signature for k. A missing, mismatched or undecodable
// entry is reported as a miss.
func (c *Cache) Get(k Key) (*signature.Signature, bool, error) {
	desc := k.descriptor()
	var sig *signature.Signature
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSignatures)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		v := bk.Get(k.id(desc))
		if len(v) < entryHeader {
			return nil
		}
		n := int(binary.BigEndian.Uint32(v[8:12]))
		if len(v) < entryHeader+n || string(v[entryHeader:entryHeader+n]) != desc {
			return nil
		}
		s := &signature.Signature{}
		if err := s.UnmarshalBinary(v[entryHeader+n:]); err != nil {
			if errors.Is(err, signature.ErrMalformed) {
				return nil
			}
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sig, sig != nil, nil
}

// Put stores sig under k, replacing any previous entry.
func (c *Cache) Put(k Key, sig *signature.Signature) error {
	encoded, err := sig.MarshalBinary()
	if err != nil {
		return err
	}
	desc := k.descriptor()
	buf := make([]byte, entryHeader+len(desc)+len(encoded))
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.now().Unix()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(desc)))
	copy(buf[entryHeader:], desc)
	copy(buf[entryHeader+len(desc):], encoded)

	return c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSignatures)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put(k.id(desc), buf)
	})
}

// Len reports the number of cached entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSignatures)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		n = bk.Stats().KeyN
		return nil
	})
	return n, err
}

// GC removes entries older than maxAge and entries too short to carry a
// timestamp.
func (c *Cache) GC(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge).Unix()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSignatures)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		var stale [][]byte
		cur := bk.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if len(v) >= 8 && int64(binary.BigEndian.Uint64(v)) >= cutoff {
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		// Deleting through the cursor while iterating skips the following key.
		for _, k := range stale {
			if err := bk.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
