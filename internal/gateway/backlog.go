package gateway

import (
	"sort"

	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

// backlog is a bounded cache of the most recent envelopes for one room, kept
// in ascending sequence order and deduplicated by sequence. It is not safe
// for concurrent use; the owning Room's mutex guards it.
type backlog struct {
	max     int
	entries []protocol.Envelope
}

func newBacklog(max int) *backlog {
	return &backlog{max: max}
}

// insert adds an envelope in sequence order, dropping duplicates and evicting
// the oldest entries beyond the bound. Historical-fetch results insert below
// newer live entries so later replays benefit from them.
func (b *backlog) insert(env protocol.Envelope) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Sequence >= env.Sequence
	})
	if i < len(b.entries) && b.entries[i].Sequence == env.Sequence {
		return
	}

	b.entries = append(b.entries, protocol.Envelope{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = env

	if len(b.entries) > b.max {
		overflow := len(b.entries) - b.max
		b.entries = append(b.entries[:0:0], b.entries[overflow:]...)
	}
}

// after returns copies of every entry with sequence > seq, in ascending order.
func (b *backlog) after(seq uint64) []protocol.Envelope {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Sequence > seq
	})
	out := make([]protocol.Envelope, len(b.entries)-i)
	copy(out, b.entries[i:])
	return out
}

// oldest returns the lowest retained sequence, if any.
func (b *backlog) oldest() (uint64, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].Sequence, true
}

func (b *backlog) len() int {
	return len(b.entries)
}

func (b *backlog) clear() {
	b.entries = nil
}
