package broker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/metrics"
	"github.com/porthole-live/porthole/internal/record"
	"github.com/porthole-live/porthole/internal/registry"
	"github.com/porthole-live/porthole/internal/wire"
)

// fakeSubscriber records everything the broker delivers.
type fakeSubscriber struct {
	id       string
	deviceID string
	dead     bool

	mu        sync.Mutex
	delivered []*wire.Envelope
	closes    []int
}

func (f *fakeSubscriber) ID() string       { return f.id }
func (f *fakeSubscriber) DeviceID() string { return f.deviceID }

func (f *fakeSubscriber) Deliver(env *wire.Envelope) bool {
	if f.dead {
		return false
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, env)
	f.mu.Unlock()
	return true
}

func (f *fakeSubscriber) CloseWithCode(code int, _ string) {
	f.mu.Lock()
	f.closes = append(f.closes, code)
	f.mu.Unlock()
}

func (f *fakeSubscriber) envelopes() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Envelope(nil), f.delivered...)
}

func (f *fakeSubscriber) types() []string {
	envs := f.envelopes()
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func testBroker(historySize int) (*Broker, *registry.Registry) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	reg := registry.New(log)
	return New(reg, historySize, metrics.NewUnregistered(), log), reg
}

func addSession(reg *registry.Registry, id string) {
	reg.Upsert(registry.Descriptor{SessionID: id, LogPath: "/tmp/" + id + ".jsonl", FirstSeen: time.Now(), Status: registry.StatusDiscovered})
}

func rec(content string) *record.Record {
	return &record.Record{SessionID: "s-1", Role: record.RoleAssistant, Content: content, CreatedAt: time.Now()}
}

func TestSubscribeUnknownSession(t *testing.T) {
	b, _ := testBroker(10)

	out := b.Subscribe(&fakeSubscriber{id: "c-1"}, "nope", false)
	if out.Result != NoSuchSession {
		t.Errorf("expected NoSuchSession, got %v", out.Result)
	}
}

func TestSubscribeTerminatedSession(t *testing.T) {
	b, reg := testBroker(10)
	addSession(reg, "s-1")
	reg.MarkTerminated("s-1")

	out := b.Subscribe(&fakeSubscriber{id: "c-1"}, "s-1", false)
	if out.Result != NoSuchSession {
		t.Errorf("terminated session should be unsubscribable, got %v", out.Result)
	}
}

func TestSubscribeRacingTerminationIsNeverSilent(t *testing.T) {
	// A subscription landing concurrently with the session's termination
	// must either be refused or receive the termination event; it may not
	// end up attached to a dead session with no notice.
	for i := 0; i < 100; i++ {
		b, reg := testBroker(10)
		reg.OnTerminated(func(id string) { b.SessionTerminated(id, "log_removed") })
		addSession(reg, "s-1")

		sub := &fakeSubscriber{id: "c-1", deviceID: "phone-1"}

		var out Outcome
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			out = b.Subscribe(sub, "s-1", false)
		}()
		go func() {
			defer wg.Done()
			reg.MarkTerminated("s-1")
		}()
		wg.Wait()

		if out.Result != Subscribed {
			continue
		}
		notified := false
		for _, env := range sub.envelopes() {
			if env.Type == wire.TypeSessionTerminated {
				notified = true
			}
		}
		if !notified {
			t.Fatalf("iteration %d: subscription landed on a terminated session without a termination event", i)
		}
	}
}

func TestSubscribePreludeOrdering(t *testing.T) {
	b, reg := testBroker(10)
	addSession(reg, "s-1")

	b.PublishRecord("s-1", rec("one"), false)
	b.PublishRecord("s-1", rec("two"), false)

	sub := &fakeSubscriber{id: "c-1", deviceID: "phone-1"}
	out := b.Subscribe(sub, "s-1", false)
	if out.Result != Subscribed {
		t.Fatalf("expected Subscribed, got %v", out.Result)
	}

	want := []string{
		wire.TypeSubscribed,
		wire.TypeHistoryStart,
		wire.TypeSessionMessage,
		wire.TypeSessionMessage,
		wire.TypeHistoryEnd,
	}
	got := sub.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prelude out of order: expected %v, got %v", want, got)
		}
	}

	// Buffered records replay as historical, oldest first.
	var first wire.SessionMessagePayload
	if err := sub.delivered[2].Decode(&first); err != nil {
		t.Fatal(err)
	}
	if first.Content != "one" || !first.Historical {
		t.Errorf("expected historical \"one\" first, got %+v", first)
	}

	// Live publish lands after the prelude.
	b.PublishRecord("s-1", rec("three"), false)
	last := sub.delivered[len(sub.delivered)-1]
	var live wire.SessionMessagePayload
	if err := last.Decode(&live); err != nil {
		t.Fatal(err)
	}
	if live.Content != "three" || live.Historical {
		t.Errorf("expected live \"three\" last, got %+v", live)
	}
}

func TestSecondSubscriberGetsOccupied(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")

	first := &fakeSubscriber{id: "c-1", deviceID: "phone-1"}
	if out := b.Subscribe(first, "s-1", false); out.Result != Subscribed {
		t.Fatalf("first subscribe failed: %v", out.Result)
	}

	second := &fakeSubscriber{id: "c-2", deviceID: "phone-2"}
	out := b.Subscribe(second, "s-1", false)
	if out.Result != Occupied {
		t.Fatalf("expected Occupied, got %v", out.Result)
	}
	if out.ExistingDevice != "phone-1" {
		t.Errorf("expected phone-1 as holder, got %s", out.ExistingDevice)
	}
	if len(second.delivered) != 0 {
		t.Error("rejected subscriber must receive nothing")
	}
}

func TestTakeover(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")

	first := &fakeSubscriber{id: "c-1", deviceID: "phone-1"}
	b.Subscribe(first, "s-1", false)

	second := &fakeSubscriber{id: "c-2", deviceID: "phone-2"}
	out := b.Subscribe(second, "s-1", true)
	if out.Result != Subscribed {
		t.Fatalf("forced subscribe failed: %v", out.Result)
	}

	// Evicted subscriber: taken-over notice, then the takeover close.
	last := first.delivered[len(first.delivered)-1]
	if last.Type != wire.TypeSessionTakenOver {
		t.Errorf("expected session_taken_over, got %s", last.Type)
	}
	var notice wire.SessionTakenOverPayload
	if err := last.Decode(&notice); err != nil {
		t.Fatal(err)
	}
	if notice.NewDevice != "phone-2" {
		t.Errorf("expected phone-2 as new holder, got %s", notice.NewDevice)
	}
	if len(first.closes) != 1 || first.closes[0] != wire.CloseTakeover {
		t.Errorf("expected close %d, got %v", wire.CloseTakeover, first.closes)
	}

	// Subsequent publishes reach only the new subscriber.
	evicted := len(first.delivered)
	b.PublishRecord("s-1", rec("after"), false)
	if len(first.delivered) != evicted {
		t.Error("evicted subscriber received a post-takeover event")
	}
	if second.delivered[len(second.delivered)-1].Type != wire.TypeSessionMessage {
		t.Error("new subscriber missed the post-takeover event")
	}
}

func TestResubscribeSameClientIsIdempotent(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)
	if out := b.Subscribe(sub, "s-1", false); out.Result != Subscribed {
		t.Errorf("same client resubscribe should succeed, got %v", out.Result)
	}
	if len(sub.closes) != 0 {
		t.Error("resubscribe must not close the client")
	}
}

func TestPublishWithoutSubscriberDiscards(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")

	b.PublishRecord("s-1", rec("lost"), false)

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)
	for _, env := range sub.delivered {
		if env.Type == wire.TypeSessionMessage {
			t.Error("discarded event leaked into the prelude with buffering off")
		}
	}
}

func TestDeadSubscriberIsDropped(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)
	sub.dead = true

	b.PublishRecord("s-1", rec("x"), false)
	if _, held := b.SubscriberOf("s-1"); held {
		t.Error("dead subscriber should be dropped on failed delivery")
	}
}

func TestUnsubscribeAndDropClient(t *testing.T) {
	b, reg := testBroker(0)
	addSession(reg, "s-1")
	addSession(reg, "s-2")

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)

	if !b.Unsubscribe("c-1", "s-1") {
		t.Error("expected unsubscribe to succeed")
	}
	if b.Unsubscribe("c-1", "s-1") {
		t.Error("double unsubscribe should report nothing removed")
	}

	b.Subscribe(sub, "s-2", false)
	b.DropClient("c-1")
	if _, held := b.SubscriberOf("s-2"); held {
		t.Error("DropClient should release the slot")
	}
}

func TestHistoryRingBoundsReplay(t *testing.T) {
	b, reg := testBroker(3)
	addSession(reg, "s-1")

	for _, c := range []string{"a", "b", "c", "d", "e"} {
		b.PublishRecord("s-1", rec(c), false)
	}

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)

	var contents []string
	for _, env := range sub.delivered {
		if env.Type != wire.TypeSessionMessage {
			continue
		}
		var p wire.SessionMessagePayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		contents = append(contents, p.Content)
	}
	want := []string{"c", "d", "e"}
	if len(contents) != len(want) {
		t.Fatalf("expected %v, got %v", want, contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, contents)
		}
	}
}

func TestRotationClearsHistory(t *testing.T) {
	b, reg := testBroker(10)
	addSession(reg, "s-1")

	b.PublishRecord("s-1", rec("stale"), false)
	b.SessionRotated("s-1")

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)
	for _, env := range sub.delivered {
		if env.Type == wire.TypeSessionMessage {
			t.Error("stale pre-rotation record replayed")
		}
	}
}

func TestSessionTerminatedNotifiesAndReleases(t *testing.T) {
	b, reg := testBroker(10)
	addSession(reg, "s-1")

	sub := &fakeSubscriber{id: "c-1"}
	b.Subscribe(sub, "s-1", false)

	b.SessionTerminated("s-1", "log_removed")

	last := sub.delivered[len(sub.delivered)-1]
	if last.Type != wire.TypeSessionTerminated {
		t.Fatalf("expected session_terminated, got %s", last.Type)
	}
	var p wire.SessionTerminatedPayload
	if err := last.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Reason != "log_removed" {
		t.Errorf("expected log_removed, got %s", p.Reason)
	}
	if _, held := b.SubscriberOf("s-1"); held {
		t.Error("termination should release the slot")
	}
}
