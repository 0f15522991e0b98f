package lsmtree

// Snapshot is a consistent, read-only view of the tree captured at a point
// in time: later writes are invisible to it, and reads through it never
// observe a partially applied flush or compaction. Open snapshots are
// tracked as a single counter (Tree.openSnapshots) rather than a list of
// outstanding seqnos: the compaction worker only ever asks whether ANY
// snapshot is open before it evicts shadowed versions, never which seqno
// is the oldest live one.
type Snapshot struct {
	tree   *Tree
	state  snapshotState
	closed bool
}

// Snapshot captures the tree's current state and returns a handle for
// repeatable reads against it. The caller must Close it when done, so the
// compaction worker can resume evicting versions it shadows.
func (t *Tree) Snapshot() (*Snapshot, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.openSnapshots.Add(1)
	return &Snapshot{tree: t, state: t.captureState()}, nil
}

// Get returns the value visible for userKey at the moment the snapshot was
// taken.
func (s *Snapshot) Get(userKey []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.tree.getWithState(s.state, userKey)
}

// Iter returns an Iterator over every entry visible at the moment the
// snapshot was taken.
func (s *Snapshot) Iter() (*Iterator, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.tree.newIterator(s.state, nil, nil)
}

// Range returns an Iterator over entries with user_key in [lo, hi), visible
// at the moment the snapshot was taken.
func (s *Snapshot) Range(lo, hi []byte) (*Iterator, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.tree.newIterator(s.state, lo, hi)
}

// Prefix returns an Iterator over entries whose user_key begins with p,
// visible at the moment the snapshot was taken.
func (s *Snapshot) Prefix(p []byte) (*Iterator, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.tree.newIterator(s.state, p, prefixUpperBound(p))
}

// Close releases the snapshot. Safe to call more than once. When the last
// open snapshot closes, segments whose removal was deferred on its behalf
// are dropped.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tree.openSnapshots.Add(-1) == 0 {
		s.tree.drainPendingRemovals()
	}
	return nil
}
