// Package localdb is the participant-local embedded store: visibility
// horizons and exported engine snapshots, kept in pebble.
package localdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/pebble"

	"go-convsync/internal/conversation"
	"go-convsync/internal/horizon"
)

const (
	horizonPrefix  = "horizon:"
	snapshotPrefix = "snapshot:"
)

type DB struct {
	db *pebble.DB
}

func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open localdb %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func horizonKey(k horizon.Key) []byte {
	// conversation ids may contain '/', participant ids are uuids
	return []byte(horizonPrefix + k.ParticipantID + ":" + k.ConversationID)
}

func (d *DB) get(key []byte) ([]byte, bool, error) {
	v, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Load implements horizon.Store.
func (d *DB) Load(_ context.Context, key horizon.Key) (int64, bool, error) {
	v, ok, err := d.get(horizonKey(key))
	if err != nil || !ok {
		return 0, false, err
	}
	joinedAt, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt horizon %s: %w", key, err)
	}
	return joinedAt, true, nil
}

func (d *DB) Save(_ context.Context, key horizon.Key, joinedAt int64) error {
	return d.db.Set(horizonKey(key), []byte(strconv.FormatInt(joinedAt, 10)), pebble.Sync)
}

func (d *DB) Delete(_ context.Context, key horizon.Key) error {
	return d.db.Delete(horizonKey(key), pebble.Sync)
}

// Horizons lists every stored horizon of one participant.
func (d *DB) Horizons(participantID string) (map[string]int64, error) {
	prefix := []byte(horizonPrefix + participantID + ":")
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make(map[string]int64)
	for ok := it.First(); ok; ok = it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), prefix))
		v, err := strconv.ParseInt(string(it.Value()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt horizon %s: %w", id, err)
		}
		out[id] = v
	}
	return out, it.Error()
}

func (d *DB) SaveSnapshot(_ context.Context, participantID string, snap conversation.Snapshot) error {
	var buf bytes.Buffer
	if err := conversation.EncodeSnapshot(&buf, snap); err != nil {
		return err
	}
	return d.db.Set([]byte(snapshotPrefix+participantID), buf.Bytes(), pebble.Sync)
}

// LoadSnapshot reports ok=false when the participant never saved one.
func (d *DB) LoadSnapshot(_ context.Context, participantID string) (conversation.Snapshot, bool, error) {
	v, ok, err := d.get([]byte(snapshotPrefix + participantID))
	if err != nil || !ok {
		return conversation.Snapshot{}, false, err
	}
	snap, err := conversation.DecodeSnapshot(bytes.NewReader(v))
	if err != nil {
		return conversation.Snapshot{}, false, err
	}
	return snap, true, nil
}

func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
