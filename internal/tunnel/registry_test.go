package tunnel

import (
	"testing"
	"time"
)

type fakeChannel struct {
	closed bool
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRegisterCreatesOnlineEntry(t *testing.T) {
	t.Parallel()

	r := New(50 * time.Millisecond)
	ch := &fakeChannel{}
	info := r.Register("sub1", ch)

	if info.State() != Online {
		t.Fatalf("expected Online, got %v", info.State())
	}
	if r.Lookup("sub1") != info {
		t.Fatal("expected lookup to return the registered entry")
	}
}

func TestMarkOfflineThenReapDrainsChannel(t *testing.T) {
	t.Parallel()

	r := New(20 * time.Millisecond)
	ch := &fakeChannel{}
	r.Register("sub2", ch)
	r.MarkOffline("sub2")

	info := r.Lookup("sub2")
	if info.State() != OfflineGrace {
		t.Fatalf("expected OfflineGrace, got %v", info.State())
	}

	time.Sleep(60 * time.Millisecond)

	if r.Lookup("sub2") != nil {
		t.Fatal("expected grace expiry to reap the entry")
	}
	if !ch.closed {
		t.Fatal("expected control channel to be closed on reap")
	}
}

func TestMarkOfflineDoesNotExtendExistingGraceTimer(t *testing.T) {
	t.Parallel()

	r := New(40 * time.Millisecond)
	r.Register("sub3", &fakeChannel{})
	r.MarkOffline("sub3")
	time.Sleep(20 * time.Millisecond)
	// A second markOffline call on an already-OfflineGrace tunnel must not
	// push the deadline further out.
	r.MarkOffline("sub3")
	time.Sleep(30 * time.Millisecond)

	if r.Lookup("sub3") != nil {
		t.Fatal("expected original grace timer to have reaped the entry by now")
	}
}

func TestReattachWithinGraceReturnsToOnline(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub4", &fakeChannel{})
	r.MarkOffline("sub4")

	newCh := &fakeChannel{}
	if !r.Reattach("sub4", newCh) {
		t.Fatal("expected reattach to succeed within the grace window")
	}

	info := r.Lookup("sub4")
	if info.State() != Online {
		t.Fatalf("expected Online after reattach, got %v", info.State())
	}
	if info.Channel() != newCh {
		t.Fatal("expected channel to be swapped to the new one")
	}
}

func TestReattachAfterExpiryFails(t *testing.T) {
	t.Parallel()

	r := New(10 * time.Millisecond)
	r.Register("sub5", &fakeChannel{})
	r.MarkOffline("sub5")
	time.Sleep(40 * time.Millisecond)

	if r.Reattach("sub5", &fakeChannel{}) {
		t.Fatal("expected reattach to fail once grace has already expired")
	}
}

func TestReattachOnOnlineTunnelFails(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub6", &fakeChannel{})

	if r.Reattach("sub6", &fakeChannel{}) {
		t.Fatal("expected reattach to fail against a still-Online tunnel")
	}
}

func TestReapIsIdempotent(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	ch := &fakeChannel{}
	r.Register("sub7", ch)

	r.Reap("sub7", "test")
	r.Reap("sub7", "test")

	if r.Lookup("sub7") != nil {
		t.Fatal("expected entry to be gone after reap")
	}
	if !ch.closed {
		t.Fatal("expected channel closed exactly once, still marked open")
	}
}

func TestReapClosesTrackedClientChannels(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub8", &fakeChannel{})
	info := r.Lookup("sub8")

	c1, c2 := &fakeChannel{}, &fakeChannel{}
	info.AddClient("c1", c1)
	info.AddClient("c2", c2)

	r.Reap("sub8", "test")

	if !c1.closed || !c2.closed {
		t.Fatal("expected all tracked client channels to be closed on reap")
	}
}

func TestClientLooksUpTrackedChannelByID(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub8b", &fakeChannel{})
	info := r.Lookup("sub8b")

	c1 := &fakeChannel{}
	info.AddClient("c1", c1)

	if info.Client("c1") != c1 {
		t.Fatal("expected Client to return the tracked channel")
	}
	if info.Client("missing") != nil {
		t.Fatal("expected Client to return nil for an untracked id")
	}

	info.RemoveClient("c1")
	if info.Client("c1") != nil {
		t.Fatal("expected RemoveClient to untrack the channel")
	}
}

func TestOnReapCallbackFires(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	var gotSub, gotReason string
	r.OnReap = func(sub string, info *Info, reason string) {
		gotSub = sub
		gotReason = reason
	}

	r.Register("sub9", &fakeChannel{})
	r.Reap("sub9", "test_reason")

	if gotSub != "sub9" {
		t.Fatalf("expected OnReap to fire with sub9, got %q", gotSub)
	}
	if gotReason != "test_reason" {
		t.Fatalf("expected OnReap to receive the reap reason, got %q", gotReason)
	}
}

func TestSweepRefreshesOnlineLastActive(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub10", &fakeChannel{})
	info := r.Lookup("sub10")

	stale := time.Now().Add(-time.Hour)
	info.mu.Lock()
	info.lastActive = stale
	info.mu.Unlock()

	r.Sweep(func(sub string, i *Info) {})

	if !info.LastActive().After(stale) {
		t.Fatal("expected sweep to refresh lastActive for an Online tunnel")
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	r.Register("sub11", &fakeChannel{})
	info := r.Lookup("sub11")

	past := time.Now().Add(-time.Minute)
	info.mu.Lock()
	info.lastActive = past
	info.mu.Unlock()

	r.Touch("sub11")

	if !info.LastActive().After(past) {
		t.Fatal("expected touch to advance lastActive")
	}
}
