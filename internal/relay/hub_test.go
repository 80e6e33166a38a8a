package relay

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// sink collects frames written to one client.
type sink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *sink) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *sink) messages(t *testing.T) []protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, 0, len(s.frames))
	for _, f := range s.frames {
		msg, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		out = append(out, msg)
	}
	return out
}

func (s *sink) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.frames)
		s.mu.Unlock()
		if got >= n {
			return s.messages(t)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func TestHub_RegisterFirstComeFirstServed(t *testing.T) {
	hub := NewHub(logging.Discard())
	var s1, s2 sink
	c1 := hub.Attach(s1.write)
	c2 := hub.Attach(s2.write)

	if err := hub.Register(c1, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hub.Register(c2, "alice"); !errors.Is(err, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
	if err := hub.Register(c1, "alice"); err != nil {
		t.Fatalf("re-registering the same name should succeed: %v", err)
	}
	if name, ok := hub.Name(c1); !ok || name != "alice" {
		t.Fatalf("Name = %q, %v", name, ok)
	}
	if _, ok := hub.Name(c2); ok {
		t.Fatalf("loser of the race should stay unnamed")
	}
}

func TestHub_RenameReleasesOldName(t *testing.T) {
	hub := NewHub(logging.Discard())
	var s1, s2 sink
	c1 := hub.Attach(s1.write)
	c2 := hub.Attach(s2.write)

	hub.Register(c1, "alice")
	if err := hub.Register(c1, "alicia"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := hub.Register(c2, "alice"); err != nil {
		t.Fatalf("old name should be free: %v", err)
	}
	if got := hub.ListOthers(c2); len(got) != 1 || got[0] != "alicia" {
		t.Fatalf("ListOthers = %v", got)
	}
}

func TestHub_DeregisterFreesName(t *testing.T) {
	hub := NewHub(logging.Discard())
	var s1, s2 sink
	c1 := hub.Attach(s1.write)
	hub.Register(c1, "alice")

	if !hub.Deregister(c1) {
		t.Fatalf("Deregister should report a named client")
	}
	if hub.Deregister(c1) {
		t.Fatalf("second Deregister should be a no-op")
	}
	c2 := hub.Attach(s2.write)
	if err := hub.Register(c2, "alice"); err != nil {
		t.Fatalf("name should be reusable: %v", err)
	}
	if err := hub.Register(c1, "bob"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("detached client registered: %v", err)
	}
	if attached, registered := hub.Count(); attached != 1 || registered != 1 {
		t.Fatalf("Count = %d, %d", attached, registered)
	}
}

func TestHub_RouteDeliversToRecipientOnly(t *testing.T) {
	hub := NewHub(logging.Discard())
	var sa, sb, sc sink
	a := hub.Attach(sa.write)
	b := hub.Attach(sb.write)
	c := hub.Attach(sc.write)
	hub.Register(a, "alice")
	hub.Register(b, "bob")
	hub.Register(c, "carol")

	env, err := protocol.ParseEnvelope([]byte(`{"type":"FILE_COMPLETE","recipient":"bob","fileName":"a.txt","transferId":"t1"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	env.Stamp("alice")
	if err := hub.Route(env); err != nil {
		t.Fatalf("Route: %v", err)
	}

	msgs := sb.waitFor(t, 1)
	done, ok := msgs[0].(*protocol.FileComplete)
	if !ok || done.Sender != "alice" || done.TransferID != "t1" {
		t.Fatalf("unexpected delivery %#v", msgs[0])
	}
	if got := len(sc.messages(t)) + len(sa.messages(t)); got != 0 {
		t.Fatalf("message leaked to %d other clients", got)
	}

	env.Recipient = "dave"
	if err := hub.Route(env); !errors.Is(err, ErrRecipientUnknown) {
		t.Fatalf("expected ErrRecipientUnknown, got %v", err)
	}
}

func TestHub_RoutePreservesOrder(t *testing.T) {
	hub := NewHub(logging.Discard())
	var sb sink
	b := hub.Attach(sb.write)
	hub.Register(b, "bob")

	const n = 500
	for i := 0; i < n; i++ {
		env, _ := protocol.ParseEnvelope([]byte(`{"type":"FILE_CHUNK","recipient":"bob","transferId":"t","file":{"size":1000,"offset":` +
			strconv.Itoa(i) + `,"data":""}}`))
		if err := hub.Route(env); err != nil {
			t.Fatalf("Route %d: %v", i, err)
		}
	}
	msgs := sb.waitFor(t, n)
	for i, m := range msgs {
		if off := m.(*protocol.FileChunk).File.Offset; off != int64(i) {
			t.Fatalf("message %d has offset %d", i, off)
		}
	}
}

func TestHub_BroadcastRosterExcludesSelf(t *testing.T) {
	hub := NewHub(logging.Discard())
	var sa, sb, sx sink
	a := hub.Attach(sa.write)
	b := hub.Attach(sb.write)
	hub.Attach(sx.write) // connected but unnamed
	hub.Register(a, "alice")
	hub.Register(b, "bob")

	hub.BroadcastRoster()

	la := sa.waitFor(t, 1)[0].(*protocol.UserList)
	lb := sb.waitFor(t, 1)[0].(*protocol.UserList)
	if len(la.Users) != 1 || la.Users[0] != "bob" {
		t.Fatalf("alice sees %v", la.Users)
	}
	if len(lb.Users) != 1 || lb.Users[0] != "alice" {
		t.Fatalf("bob sees %v", lb.Users)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(sx.messages(t)); n != 0 {
		t.Fatalf("unnamed client got %d roster messages", n)
	}
}

func TestHub_WriterStopsOnError(t *testing.T) {
	hub := NewHub(logging.Discard())
	s := &sink{err: errors.New("broken pipe")}
	c := hub.Attach(s.write)
	hub.Register(c, "alice")

	hub.Send(c, &protocol.UserList{})
	select {
	case <-c.stopped:
	case <-time.After(time.Second):
		t.Fatalf("writer should stop after a write error")
	}
	if err := hub.Send(c, &protocol.UserList{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
