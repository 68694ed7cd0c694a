// Package replica talks to the durable, authoritative copy of each
// conversation: the store contract, a live listener and a background
// writer.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go-convsync/internal/conversation"
)

var (
	ErrNotFound   = errors.New("conversation record not found")
	ErrStaleEpoch = errors.New("stale epoch")
	// ErrEpochAhead means the record has not caught up with a reset yet.
	ErrEpochAhead = errors.New("record epoch behind patch")
)

// FirstEpoch is the epoch of a record that was never reset.
const FirstEpoch int64 = 1

// Record is the durable form of a conversation.
type Record struct {
	conversation.Conversation
	Revision int64 `json:"revision"`
	// Removed is only set on the change delivered when the record is
	// deleted; such a record carries nothing but its ID.
	Removed bool `json:"-"`
}

func (r Record) Clone() Record {
	return Record{Conversation: r.Conversation.Clone(), Revision: r.Revision, Removed: r.Removed}
}

func removedRecord(id string) Record {
	return Record{Conversation: conversation.Conversation{ID: id}, Removed: true}
}

// Patch is a partial update. A non-zero Epoch makes the update conditional
// on the record being in exactly that epoch.
type Patch struct {
	Epoch        int64                  `json:"epoch,omitempty"`
	Title        *string                `json:"title,omitempty"`
	Append       []conversation.Message `json:"append,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Participants []string               `json:"participants,omitempty"`
	At           time.Time              `json:"at"`
}

// Apply merges the patch into rec and reports whether anything changed.
func (p Patch) Apply(rec *Record) (bool, error) {
	switch {
	case p.Epoch == 0:
	case p.Epoch < rec.Epoch:
		return false, ErrStaleEpoch
	case p.Epoch > rec.Epoch:
		return false, ErrEpochAhead
	}
	changed := false
	if p.Title != nil && *p.Title != rec.Title {
		rec.Title = *p.Title
		changed = true
	}
	for _, m := range p.Append {
		var res conversation.MergeResult
		rec.Messages, res = conversation.Insert(rec.Messages, m)
		if res.Changed() {
			changed = true
		}
	}
	if len(p.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			rec.Metadata[k] = v
		}
		changed = true
	}
	for _, id := range p.Participants {
		if rec.AddParticipant(id) {
			changed = true
		}
	}
	if changed {
		at := p.At
		if at.IsZero() {
			at = time.Now()
		}
		rec.UpdatedAt = at.UTC()
	}
	return changed, nil
}

// DurableStore is the contract of the authoritative store.
type DurableStore interface {
	Get(ctx context.Context, id string) (Record, error)
	// Create inserts rec unless a record with that id already exists.
	Create(ctx context.Context, rec Record) (bool, error)
	// Put fully replaces the record. It fails with ErrStaleEpoch when the
	// stored record is already in a later epoch.
	Put(ctx context.Context, rec Record) error
	Update(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error
	// OnChange calls fn with the full record after every change to id, and
	// with a Removed record once id is deleted. It returns once changes
	// committed after the call are guaranteed to be delivered.
	OnChange(ctx context.Context, id string, fn func(Record)) (func(), error)
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	rec.Kind = conversation.ResolveKind(string(rec.Kind), rec.Participants)
	if rec.Epoch < FirstEpoch {
		rec.Epoch = FirstEpoch
	}
	return rec, nil
}
