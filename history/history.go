// Package history keeps a bounded, id-addressable record of recent
// messages.
package history

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mqttlens/message"
	"mqttlens/ring"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// ErrBadReference is returned by Resolve for unparsable references.
var ErrBadReference = errors.New("invalid message reference")

// Entry is a retained message and its id.
type Entry struct {
	ID      uint64           `json:"id"`
	Message *message.Message `json:"message"`
}

// History is a capacity-bounded ring of messages. Ids start at 1, grow by
// one per Add and are never reused, even across Clear. It is not safe for
// concurrent use.
type History struct {
	entries *ring.Buffer[Entry]
	nextID  uint64
}

// New creates a history retaining up to capacity messages.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		entries: ring.New[Entry](capacity),
		nextID:  1,
	}
}

// Add stores m, evicting the oldest entry when full, and returns its id.
func (h *History) Add(m *message.Message) uint64 {
	id := h.nextID
	h.nextID++
	h.entries.Push(Entry{ID: id, Message: m})
	return id
}

// Get returns the message with the given id if it is still retained.
func (h *History) Get(id uint64) (Entry, bool) {
	oldest, ok := h.entries.Oldest()
	if !ok || id < oldest.ID {
		return Entry{}, false
	}
	// Retained ids are contiguous.
	return h.entries.At(int(id - oldest.ID))
}

// Latest returns the newest retained entry.
func (h *History) Latest() (Entry, bool) {
	return h.entries.Newest()
}

// Last returns up to n of the newest entries, oldest first.
func (h *History) Last(n int) []Entry {
	return h.entries.Last(n)
}

// FromLast returns the k-th entry from the end: the first element of
// Last(k), whose id is latest-k+1. k must be at least 1.
func (h *History) FromLast(k int) (Entry, bool) {
	if k < 1 || k > h.entries.Len() {
		return Entry{}, false
	}
	return h.entries.Last(k)[0], true
}

// Resolve looks up a message by reference: "42" is an absolute id and
// "-3" is the third from last.
func (h *History) Resolve(ref string) (Entry, bool, error) {
	ref = strings.TrimSpace(ref)
	if rel, ok := strings.CutPrefix(ref, "-"); ok {
		k, err := strconv.Atoi(rel)
		if err != nil || k < 1 {
			return Entry{}, false, fmt.Errorf("%w: %q", ErrBadReference, ref)
		}
		e, found := h.FromLast(k)
		return e, found, nil
	}
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	e, found := h.Get(id)
	return e, found, nil
}

// Clear drops every entry. Ids keep increasing afterwards.
func (h *History) Clear() {
	h.entries.Clear()
}

// Len returns the number of retained entries.
func (h *History) Len() int { return h.entries.Len() }

// Cap returns the capacity.
func (h *History) Cap() int { return h.entries.Cap() }

// NextID returns the id the next Add will assign.
func (h *History) NextID() uint64 { return h.nextID }
