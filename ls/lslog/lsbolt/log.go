// Package lsbolt provides a durable [lslog.ActionLog] backed by a bbolt file.
// Commits survive process restart; the file is the unit of recovery.
package lsbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/lockstep-engine/lockstep/ls/lsaction"
	"github.com/lockstep-engine/lockstep/ls/lslog"
	"go.etcd.io/bbolt"
)

var bucketCommits = []byte("commits")

// Log is a bbolt-backed action log.
// One bucket, keyed by big-endian height, value is the JSON-encoded commit.
type Log struct {
	db *bbolt.DB
}

// NewLog opens (creating if needed) the bbolt file at path.
// The caller owns the returned log and must Close it.
func NewLog(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommits)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create commits bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying bbolt file.
func (l *Log) Close() error {
	return l.db.Close()
}

func heightKey(h uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h)
	return k[:]
}

func (l *Log) Append(_ context.Context, c lsaction.Commit) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCommits)

		want := latestIn(b) + 1
		if c.Height != want {
			return lslog.HeightMismatchError{Want: want, Got: c.Height}
		}

		val, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal commit %d: %w", c.Height, err)
		}
		return b.Put(heightKey(c.Height), val)
	})
}

func (l *Log) Range(_ context.Context, from, to uint64) ([]lsaction.Commit, error) {
	var out []lsaction.Commit
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCommits)

		if from < 1 {
			from = 1
		}
		if max := latestIn(b); to > max {
			to = max
		}

		for h := from; h <= to; h++ {
			val := b.Get(heightKey(h))
			if val == nil {
				return fmt.Errorf("missing commit at height %d", h)
			}
			var c lsaction.Commit
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("failed to unmarshal commit %d: %w", h, err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Log) LatestHeight(context.Context) (uint64, error) {
	var h uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		h = latestIn(tx.Bucket(bucketCommits))
		return nil
	})
	return h, err
}

func (l *Log) Clear(context.Context) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketCommits); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketCommits)
		return err
	})
}

// latestIn reads the highest stored height out of the bucket,
// relying on big-endian keys sorting numerically.
func latestIn(b *bbolt.Bucket) uint64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}
