package conversation

import "sort"

type MergeResult int

const (
	Inserted MergeResult = iota
	DuplicateID
	DuplicateContent
	Tombstoned
)

func (r MergeResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case DuplicateID:
		return "duplicate_id"
	case DuplicateContent:
		return "duplicate_content"
	case Tombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// Changed reports whether the merge altered the sequence.
func (r MergeResult) Changed() bool {
	return r == Inserted || r == Tombstoned
}

// Less orders messages by (logical time, id).
func Less(a, b Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// SameContent is the fallback identity for copies that lost their id on
// the way in.
func SameContent(a, b Message) bool {
	return a.CreatedAt == b.CreatedAt && a.Author.ID == b.Author.ID && a.Body.Equal(b.Body)
}

// Find locates cand by id first, then by content.
func Find(msgs []Message, cand Message) (int, MergeResult, bool) {
	for i := range msgs {
		if msgs[i].ID == cand.ID {
			return i, DuplicateID, true
		}
	}
	// Content matches share a logical time, so only that window is scanned.
	lo := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt >= cand.CreatedAt })
	for i := lo; i < len(msgs) && msgs[i].CreatedAt == cand.CreatedAt; i++ {
		if SameContent(msgs[i], cand) {
			return i, DuplicateContent, true
		}
	}
	return -1, Inserted, false
}

// Insert merges cand into a slice already sorted by Less. The returned
// slice may share the backing array with msgs.
func Insert(msgs []Message, cand Message) ([]Message, MergeResult) {
	if i, res, found := Find(msgs, cand); found {
		if cand.Deleted && !msgs[i].Deleted {
			msgs[i].Deleted = true
			msgs[i].DeletedAt = cand.DeletedAt
			return msgs, Tombstoned
		}
		return msgs, res
	}
	at := sort.Search(len(msgs), func(i int) bool { return !Less(msgs[i], cand) })
	msgs = append(msgs, Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = cand
	return msgs, Inserted
}

// Normalize sorts and deduplicates a list received from outside.
func Normalize(msgs []Message) []Message {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })
	out := make([]Message, 0, len(sorted))
	for _, m := range sorted {
		out, _ = Insert(out, m)
	}
	return out
}

// IsSorted reports whether msgs satisfies the ordering invariant.
func IsSorted(msgs []Message) bool {
	for i := 1; i < len(msgs); i++ {
		if !Less(msgs[i-1], msgs[i]) {
			return false
		}
	}
	return true
}
