package h2

import (
	"testing"
)

func newTestStream() *H2Stream {
	return &H2Stream{key: noKey}
}

func TestStoreInsertResolveFind(t *testing.T) {
	st := newStore()
	a := newTestStream()
	b := newTestStream()
	ka := st.insert(a)
	kb := st.insert(b)
	if ka == kb {
		t.Fatalf("keys must be distinct, both %d", ka)
	}
	if st.resolve(ka) != a || st.resolve(kb) != b {
		t.Fatal("resolve returned the wrong entries")
	}
	a.Id = 1
	st.registerID(a)
	if st.find(1) != a {
		t.Fatal("find by id failed")
	}
	if st.find(99) != nil {
		t.Fatal("find of unknown id should be nil")
	}
	if st.numActive() != 1 {
		t.Fatalf("numActive = %d, want 1 (only registered ids count)", st.numActive())
	}
}

func TestStoreFreeListReuse(t *testing.T) {
	st := newStore()
	a := newTestStream()
	ka := st.insert(a)
	a.Id = 1
	st.registerID(a)
	a.state.recvErr(ErrConnClosing)
	if !st.releaseIfDone(a) {
		t.Fatal("closed unqueued unreferenced stream should release")
	}
	if a.key != noKey {
		t.Fatal("released stream should lose its key")
	}
	if st.find(1) != nil {
		t.Fatal("released stream should leave the id map")
	}
	b := newTestStream()
	kb := st.insert(b)
	if kb != ka {
		t.Fatalf("slot not reused: got key %d, want %d", kb, ka)
	}
}

func TestStoreReleaseIfDonePinning(t *testing.T) {
	st := newStore()
	q := newStreamQueue(qSend)

	s := newTestStream()
	st.insert(s)
	if st.releaseIfDone(s) {
		t.Fatal("open stream must not be released")
	}
	s.state.recvErr(ErrConnClosing)
	s.ref = 1
	if st.releaseIfDone(s) {
		t.Fatal("a live handle must pin the slot")
	}
	s.ref = 0
	q.push(&st, s)
	if st.releaseIfDone(s) {
		t.Fatal("queue membership must pin the slot")
	}
	q.pop(&st)
	if !st.releaseIfDone(s) {
		t.Fatal("fully done stream should release")
	}
	// Releasing again is a no-op.
	if !st.releaseIfDone(s) {
		t.Fatal("releaseIfDone on an already released stream should report done")
	}
}

func TestQueueFIFOAndDedupe(t *testing.T) {
	st := newStore()
	q := newStreamQueue(qSend)
	a, b, c := newTestStream(), newTestStream(), newTestStream()
	st.insert(a)
	st.insert(b)
	st.insert(c)

	if !q.push(&st, a) || !q.push(&st, b) || !q.push(&st, c) {
		t.Fatal("fresh pushes should succeed")
	}
	if q.push(&st, b) {
		t.Fatal("double push of a queued stream must be refused")
	}
	for i, want := range []*H2Stream{a, b, c} {
		got := q.pop(&st)
		if got != want {
			t.Fatalf("pop %d returned the wrong stream", i)
		}
	}
	if q.pop(&st) != nil {
		t.Fatal("empty queue should pop nil")
	}
	if !q.isEmpty() {
		t.Fatal("queue should report empty")
	}
	// Popped streams can be queued again.
	if !q.push(&st, b) {
		t.Fatal("re-push after pop should succeed")
	}
}

func TestQueuePushFront(t *testing.T) {
	st := newStore()
	q := newStreamQueue(qWindowUpdate)
	a, b := newTestStream(), newTestStream()
	st.insert(a)
	st.insert(b)
	q.push(&st, a)
	if !q.pushFront(&st, b) {
		t.Fatal("pushFront should succeed")
	}
	if q.pop(&st) != b || q.pop(&st) != a {
		t.Fatal("pushFront should yield before older entries")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	st := newStore()
	send := newStreamQueue(qSend)
	wu := newStreamQueue(qWindowUpdate)
	s := newTestStream()
	st.insert(s)
	send.push(&st, s)
	if !wu.push(&st, s) {
		t.Fatal("membership in one queue must not block another")
	}
	if !s.queuedAnywhere() {
		t.Fatal("queuedAnywhere should see the memberships")
	}
	send.pop(&st)
	if !s.queuedAnywhere() {
		t.Fatal("still a member of the window-update queue")
	}
	wu.pop(&st)
	if s.queuedAnywhere() {
		t.Fatal("all memberships dropped")
	}
}

func TestCountsGating(t *testing.T) {
	c := newCounts(2, 1)
	if !c.canOpenSend() {
		t.Fatal("should allow the first send stream")
	}
	c.incSend()
	c.incSend()
	if c.canOpenSend() {
		t.Fatal("peer limit of 2 reached")
	}
	c.decStream(true)
	if !c.canOpenSend() {
		t.Fatal("closing a stream frees a slot")
	}

	c.incRecv()
	if c.canOpenRecv() {
		t.Fatal("local limit of 1 reached")
	}
	c.decStream(false)
	if !c.canOpenRecv() {
		t.Fatal("recv slot should be free again")
	}

	// Lowering the limit below the live count holds back new opens
	// without touching existing streams.
	c.incSend()
	c.incSend()
	c.applyRemoteMaxConcurrent(1)
	if c.canOpenSend() {
		t.Fatal("count above the new limit, opens must wait")
	}
	c.decStream(true)
	c.decStream(true)
	if !c.canOpenSend() {
		t.Fatal("back under the new limit")
	}
}

func TestCountsResetBudget(t *testing.T) {
	c := newCounts(10, 10)
	for i := uint32(0); i < resetStreamMax; i++ {
		if !c.canTrackReset() {
			t.Fatalf("reset %d should fit under the budget", i)
		}
		c.incReset()
	}
	if c.canTrackReset() {
		t.Fatal("budget exhausted")
	}
	c.decReset()
	if !c.canTrackReset() {
		t.Fatal("expiry frees budget")
	}
}
