// Package key defines the internal key/value model every other package
// builds on: user keys tagged with a sequence number and value type, and
// the internal-key ordering the whole tree sorts by.
package key

import "bytes"

// ValueType distinguishes a live value from the two tombstone kinds. The
// numeric order matters: it is used as the tiebreak in InternalKey
// ordering (Tombstone sorts before Value at equal user_key/seqno).
type ValueType uint8

const (
	// Tombstone erases every older version of the same user key.
	Tombstone ValueType = iota
	// WeakTombstone ("single delete") cancels exactly one newer Value for
	// the same user key.
	WeakTombstone
	// Value is a live, readable entry.
	Value
)

// String returns a human-readable name, used in logs and test failures.
func (t ValueType) String() string {
	switch t {
	case Tombstone:
		return "Tombstone"
	case WeakTombstone:
		return "WeakTombstone"
	case Value:
		return "Value"
	default:
		return "Unknown"
	}
}

// IsTombstone reports whether t marks the key as deleted (either kind).
func (t ValueType) IsTombstone() bool { return t == Tombstone || t == WeakTombstone }

// InternalKey is (UserKey, SeqNo, ValueType). Ordering: user_key ascending,
// seqno descending, value_type as tiebreak with Tombstone < Value. This
// places the newest version of a key first in forward iteration.
type InternalKey struct {
	UserKey []byte
	SeqNo   uint64
	Type    ValueType
}

// New constructs an InternalKey.
func New(userKey []byte, seqNo uint64, typ ValueType) InternalKey {
	return InternalKey{UserKey: userKey, SeqNo: seqNo, Type: typ}
}

// Compare implements the InternalKey total order. Returns <0, 0, >0 as a<b, a==b, a>b.
func Compare(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	// seqno descending: higher seqno sorts first.
	if a.SeqNo != b.SeqNo {
		if a.SeqNo > b.SeqNo {
			return -1
		}
		return 1
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether two internal keys are identical.
func Equal(a, b InternalKey) bool { return Compare(a, b) == 0 }

// SameUserKey reports whether a and b share the same user key.
func SameUserKey(a, b InternalKey) bool { return bytes.Equal(a.UserKey, b.UserKey) }

// InternalValue pairs an InternalKey with its payload. UserValue is empty
// for Tombstone and WeakTombstone entries.
type InternalValue struct {
	Key   InternalKey
	Value []byte
}

// NewValue constructs an InternalValue.
func NewValue(k InternalKey, v []byte) InternalValue { return InternalValue{Key: k, Value: v} }
