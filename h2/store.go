package h2

// The store is the arena of every stream a connection knows about.
// Insertion returns a stable key; entries are always addressed by key
// (or looked up by stream id), never by a raw slice index held across
// operations, so releasing one stream never invalidates another's
// position.
//
// Five independent singly linked queues thread through the same
// entries. Each H2Stream carries one next-key and one queued flag per
// queue, so a stream can sit in the send queue and the window-update
// queue at the same time but can never be inserted twice into the same
// queue. Keeping the links inside the entries means scheduling never
// allocates and membership checks are O(1).

type storeKey int32

const noKey storeKey = -1

type queueID int

const (
	// qSend - streams with frames ready for the writer, serviced
	// round-robin.
	qSend queueID = iota
	// qCapacity - streams waiting for connection-level send capacity,
	// serviced first-come-first-served.
	qCapacity
	// qWindowUpdate - streams owing the peer a WINDOW_UPDATE.
	qWindowUpdate
	// qOpen - locally initiated streams held back by the peer's
	// concurrency limit.
	qOpen
	// qResetExpire - locally reset streams waiting out their grace
	// period before the slot is reclaimed.
	qResetExpire

	numQueues
)

type store struct {
	slots []*H2Stream
	free  []storeKey
	// ids maps a wire stream id to its slot. Streams queued before
	// their id is assigned (pending opens) are only reachable by key.
	ids map[uint32]storeKey
}

func newStore() store {
	return store{ids: make(map[uint32]storeKey)}
}

// insert places s into the arena and returns its key. The id mapping
// is registered separately once the stream id is known.
func (st *store) insert(s *H2Stream) storeKey {
	var key storeKey
	if n := len(st.free); n > 0 {
		key = st.free[n-1]
		st.free = st.free[:n-1]
		st.slots[key] = s
	} else {
		key = storeKey(len(st.slots))
		st.slots = append(st.slots, s)
	}
	s.key = key
	for i := range s.next {
		s.next[i] = noKey
	}
	return key
}

// registerID binds the wire id to the slot, once assigned.
func (st *store) registerID(s *H2Stream) {
	st.ids[s.Id] = s.key
}

func (st *store) resolve(key storeKey) *H2Stream {
	if key < 0 || int(key) >= len(st.slots) {
		return nil
	}
	return st.slots[key]
}

func (st *store) find(id uint32) *H2Stream {
	key, ok := st.ids[id]
	if !ok {
		return nil
	}
	return st.slots[key]
}

// release reclaims the slot. Only legal once the stream is closed, has
// no live handles and sits in no queue; callers go through
// releaseIfDone.
func (st *store) release(s *H2Stream) {
	st.slots[s.key] = nil
	st.free = append(st.free, s.key)
	if s.Id != 0 {
		delete(st.ids, s.Id)
	}
	s.key = noKey
}

// releaseIfDone reclaims the slot when the stream is fully out of the
// system. Queue membership pins the entry: a queued stream will be
// revisited by whoever drains that queue.
func (st *store) releaseIfDone(s *H2Stream) bool {
	if s.key == noKey {
		return true
	}
	if !s.state.isClosed() || s.ref != 0 || s.queuedAnywhere() {
		return false
	}
	st.release(s)
	return true
}

func (st *store) numActive() int {
	return len(st.ids)
}

// forEach visits every live entry. The callback must not insert or
// release entries.
func (st *store) forEach(fn func(*H2Stream)) {
	for _, s := range st.slots {
		if s != nil {
			fn(s)
		}
	}
}

// streamQueue is one of the intrusive lists. head/tail are arena keys;
// the links live in the entries themselves.
type streamQueue struct {
	id   queueID
	head storeKey
	tail storeKey
}

func newStreamQueue(id queueID) streamQueue {
	return streamQueue{id: id, head: noKey, tail: noKey}
}

func (q *streamQueue) isEmpty() bool { return q.head == noKey }

// push appends s, returning false if it is already a member.
func (q *streamQueue) push(st *store, s *H2Stream) bool {
	if s.queued[q.id] {
		return false
	}
	s.queued[q.id] = true
	s.next[q.id] = noKey
	if q.tail == noKey {
		q.head = s.key
		q.tail = s.key
	} else {
		st.resolve(q.tail).next[q.id] = s.key
		q.tail = s.key
	}
	return true
}

// pushFront prepends s, returning false if it is already a member.
func (q *streamQueue) pushFront(st *store, s *H2Stream) bool {
	if s.queued[q.id] {
		return false
	}
	s.queued[q.id] = true
	s.next[q.id] = q.head
	q.head = s.key
	if q.tail == noKey {
		q.tail = s.key
	}
	return true
}

// pop removes and returns the head, or nil.
func (q *streamQueue) pop(st *store) *H2Stream {
	if q.head == noKey {
		return nil
	}
	s := st.resolve(q.head)
	q.head = s.next[q.id]
	if q.head == noKey {
		q.tail = noKey
	}
	s.next[q.id] = noKey
	s.queued[q.id] = false
	return s
}
