// Package mvcc implements the MVCC stream: it wraps an already
// InternalKey-ordered, doubly-peekable source (typically a merge.Iterator)
// and collapses multiple versions of a user key into at most one visible
// entry per direction, applying the tombstone and weak-tombstone
// ("single delete") rules.
//
// The forward rules drain older versions of a user key after emitting the
// newest one, cancelling a weak tombstone against the very next version if
// it is a plain Value. The backward direction is the non-trivial symmetric
// case: the source surfaces a key's oldest version first, so the stream
// buffers one user-key group at a time (a small stack, bounded by the
// version count of a single key) and replays the forward rules over it
// newest-first. Running the same reduction in both directions is what keeps
// forward and reverse output multisets identical.
package mvcc

import "github.com/mbrt/lsmtree/internal/key"

// Source is the bidirectional cursor the stream consumes. A merge.Iterator
// satisfies this interface directly.
type Source interface {
	SeekToFirst()
	SeekToLast()
	SeekInternal(target key.InternalKey)
	SeekForPrevInternal(target key.InternalKey)
	Valid() bool
	Next()
	Prev()
	Key() key.InternalKey
	Value() []byte
	Err() error
}

type direction int

const (
	dirNone direction = iota
	dirForward
	dirBackward
)

// Stream dedups an InternalKey-ordered source into at most one visible
// entry per user key per direction.
type Stream struct {
	src         Source
	dir         direction
	lastEmitted key.InternalKey
	haveLast    bool
	cur         key.InternalValue
	valid       bool
	err         error
}

// New wraps src in a Stream. The caller must position src (SeekToFirst,
// SeekToLast, or a seek) before calling Next or Prev.
func New(src Source) *Stream {
	return &Stream{src: src}
}

// SeekToFirst positions the source at its first item and advances to the
// first MVCC-visible entry.
func (s *Stream) SeekToFirst() {
	s.src.SeekToFirst()
	s.dir = dirForward
	s.haveLast = false
	s.advanceForward()
}

// SeekToLast positions the source at its last item and advances to the
// last MVCC-visible entry.
func (s *Stream) SeekToLast() {
	s.src.SeekToLast()
	s.dir = dirBackward
	s.haveLast = false
	s.advanceBackward()
}

// SeekInternal positions the source at the first item with InternalKey >=
// target and advances to the first MVCC-visible entry at or after it. Used
// by a point lookup seeking straight to a user key's newest version
// visible at some seqno_upper, instead of unwinding from the very first
// key in the stream.
func (s *Stream) SeekInternal(target key.InternalKey) {
	s.src.SeekInternal(target)
	s.dir = dirForward
	s.haveLast = false
	s.advanceForward()
}

// Valid reports whether the stream is currently positioned at an entry.
func (s *Stream) Valid() bool { return s.valid }

// Err returns the first error observed from the underlying source.
func (s *Stream) Err() error { return s.err }

// Key returns the InternalKey of the current visible entry.
func (s *Stream) Key() key.InternalKey { return s.cur.Key }

// Value returns the value of the current visible entry.
func (s *Stream) Value() []byte { return s.cur.Value }

// SeekForPrevInternal positions the source at the last item with
// InternalKey <= target and advances to the last MVCC-visible entry at or
// before it. The backward counterpart of SeekInternal, used to start a
// reverse range scan just below an exclusive upper bound.
func (s *Stream) SeekForPrevInternal(target key.InternalKey) {
	s.src.SeekForPrevInternal(target)
	s.dir = dirBackward
	s.haveLast = false
	s.advanceBackward()
}

// Next advances to the next visible entry in forward (ascending) order.
func (s *Stream) Next() {
	if s.dir == dirBackward {
		s.switchToForward()
	}
	s.dir = dirForward
	s.advanceForward()
}

// Prev advances to the next visible entry in backward (descending) order.
func (s *Stream) Prev() {
	if s.dir == dirForward {
		s.switchToBackward()
	}
	s.dir = dirBackward
	s.advanceBackward()
}

// switchToForward repositions src just past the entire user-key group of
// the last emitted entry, so a subsequent forward scan resumes at the next
// distinct key rather than re-processing (or skipping into) the group just
// emitted going backward.
func (s *Stream) switchToForward() {
	if !s.haveLast {
		s.src.SeekToFirst()
		return
	}
	s.src.SeekInternal(s.lastEmitted)
	for s.src.Valid() && key.SameUserKey(s.src.Key(), s.lastEmitted) {
		s.src.Next()
	}
}

// switchToBackward is the symmetric counterpart of switchToForward.
func (s *Stream) switchToBackward() {
	if !s.haveLast {
		s.src.SeekToLast()
		return
	}
	s.src.SeekForPrevInternal(s.lastEmitted)
	for s.src.Valid() && key.SameUserKey(s.src.Key(), s.lastEmitted) {
		s.src.Prev()
	}
}

// advanceForward runs the forward MVCC rules from the source's current
// position until an entry is emitted, the source is exhausted, or an error
// occurs.
//
//   - If the head is a WeakTombstone, peek the next item; if it shares the
//     head's user key and is a plain Value, consume it too (both erased)
//     and resume from the item after. Otherwise drop the weak tombstone and
//     resume from the peeked item.
//   - Otherwise emit head, then drain every further item sharing its user
//     key (older versions), and stop.
func (s *Stream) advanceForward() {
	for {
		if !s.src.Valid() {
			if err := s.src.Err(); err != nil {
				s.fail(err)
				return
			}
			s.valid = false
			return
		}

		head := s.src.Key()
		headVal := append([]byte(nil), s.src.Value()...)

		if head.Type == key.WeakTombstone {
			s.src.Next()
			if err := s.src.Err(); err != nil {
				s.fail(err)
				return
			}
			if s.src.Valid() && s.src.Key().Type == key.Value && key.SameUserKey(s.src.Key(), head) {
				s.src.Next()
				if err := s.src.Err(); err != nil {
					s.fail(err)
					return
				}
			}
			continue
		}

		s.src.Next()
		if err := s.src.Err(); err != nil {
			s.fail(err)
			return
		}
		s.drainSameKeyForward(head)

		s.emit(head, headVal)
		return
	}
}

func (s *Stream) drainSameKeyForward(head key.InternalKey) {
	for s.src.Valid() && key.SameUserKey(s.src.Key(), head) {
		s.src.Next()
	}
}

// advanceBackward runs the backward MVCC rules. Walking backward, a user
// key's versions arrive oldest-first, but the weak-tombstone cancellation
// is defined newest-first (a weak tombstone cancels the very next older
// version only if it is a plain Value). So the group's versions are staged
// on a stack as they arrive, then reduced with exactly the forward rules
// from the newest version down. The stack is bounded by the version count
// of a single user key; a group that reduces to nothing moves on to the
// next (smaller) user key.
func (s *Stream) advanceBackward() {
	for {
		if !s.src.Valid() {
			if err := s.src.Err(); err != nil {
				s.fail(err)
				return
			}
			s.valid = false
			return
		}

		group := s.gatherGroupBackward()
		if s.err != nil {
			return
		}

		// group is oldest-first; group[len-1] is the newest version.
		i := len(group) - 1
		for i >= 0 {
			head := group[i]
			if head.Key.Type == key.WeakTombstone {
				if i > 0 && group[i-1].Key.Type == key.Value {
					i -= 2 // weak tombstone and the Value it cancels
				} else {
					i--
				}
				continue
			}
			s.emit(head.Key, head.Value)
			return
		}
	}
}

// gatherGroupBackward collects every version of the source's current user
// key, oldest first, leaving the source positioned on the previous user
// key's last entry (or invalid).
func (s *Stream) gatherGroupBackward() []key.InternalValue {
	first := s.src.Key()
	group := []key.InternalValue{key.NewValue(first, append([]byte(nil), s.src.Value()...))}
	for {
		s.src.Prev()
		if err := s.src.Err(); err != nil {
			s.fail(err)
			return nil
		}
		if !s.src.Valid() || !key.SameUserKey(s.src.Key(), first) {
			return group
		}
		group = append(group, key.NewValue(s.src.Key(), append([]byte(nil), s.src.Value()...)))
	}
}

func (s *Stream) emit(k key.InternalKey, v []byte) {
	s.cur = key.NewValue(k, v)
	s.valid = true
	s.lastEmitted = k
	s.haveLast = true
}

func (s *Stream) fail(err error) {
	s.err = err
	s.valid = false
}
