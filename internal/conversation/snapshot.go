package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

const SnapshotVersion = 1

var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// Snapshot is the only shape in which engine state leaves or enters a
// process.
type Snapshot struct {
	Version       int            `json:"version"`
	SavedAt       time.Time      `json:"savedAt"`
	Participant   string         `json:"participant,omitempty"`
	Conversations []Conversation `json:"conversations"`
}

func NewSnapshot(participant string, convs []Conversation, at time.Time) Snapshot {
	sorted := make([]Conversation, len(convs))
	copy(sorted, convs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return Snapshot{
		Version:       SnapshotVersion,
		SavedAt:       at.UTC(),
		Participant:   participant,
		Conversations: sorted,
	}
}

func EncodeSnapshot(w io.Writer, s Snapshot) error {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, s.Version)
	}
	return json.NewEncoder(w).Encode(s)
}

func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, s.Version)
	}
	for i := range s.Conversations {
		c := &s.Conversations[i]
		c.Kind = ResolveKind(string(c.Kind), c.Participants)
		c.Messages = Normalize(c.Messages)
	}
	return s, nil
}
