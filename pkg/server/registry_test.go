package server

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/transport"
)

// writeFailStream reads from the pipe but fails every write.
type writeFailStream struct {
	net.Conn
}

func (s writeFailStream) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

// stallCloseStream blocks Close until release is closed, like a peer that
// never acknowledges a close frame.
type stallCloseStream struct {
	net.Conn
	closing chan struct{}
	release chan struct{}
}

func (s stallCloseStream) Close() error {
	close(s.closing)
	<-s.release
	return s.Conn.Close()
}

// pipeSession builds a registered session over an in-memory pipe and
// returns the peer end.
func pipeSession(t *testing.T, srv *Server, id int64, name string) (*Session, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	sess := newSession(srv, id, transport.NewConnection(local, time.Second), model.TransportTCP)
	sess.username = name
	sess.state.Store(int32(StateRegistered))
	return sess, peer
}

func newRegistryServer() *Server {
	cfg := testConfig()
	return New(cfg, Dependencies{Store: datastore.NewMemory()})
}

func TestRegistryInsertRemove(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()
	a, _ := pipeSession(t, srv, 0, "alice")

	if err := reg.Insert(a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := reg.Insert(a); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("second Insert: got %v, want ErrDuplicateIdentity", err)
	}
	if reg.Get(0) != a {
		t.Fatalf("Get(0) did not return the inserted session")
	}

	if !reg.Remove(0) {
		t.Fatalf("Remove(0) = false, want true")
	}
	if reg.Remove(0) {
		t.Fatalf("second Remove(0) = true, want false")
	}
	if reg.Remove(99) {
		t.Fatalf("Remove(99) = true for unknown identity")
	}
	if reg.Count() != 0 {
		t.Fatalf("Count = %d, want 0", reg.Count())
	}
}

func TestRegistryBroadcastSkipsFailures(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()

	a, peerA := pipeSession(t, srv, 0, "alice")
	b, peerB := pipeSession(t, srv, 1, "bob")
	c, peerC := pipeSession(t, srv, 2, "carol")
	for _, s := range []*Session{a, b, c} {
		if err := reg.Insert(s); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	_ = peerB.Close()

	got := make(chan protocol.Envelope, 2)
	for _, peer := range []net.Conn{peerA, peerC} {
		go func(p net.Conn) {
			if e, err := protocol.ReadEnvelope(p); err == nil {
				got <- e
			}
		}(peer)
	}

	env := protocol.Chat(0, "[alice]: hi").From(0, "alice")
	if n := reg.Broadcast(env); n != 2 {
		t.Fatalf("Broadcast delivered to %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			if e != env {
				t.Fatalf("received %v, want %v", e, env)
			}
		case <-time.After(time.Second):
			t.Fatalf("recipient %d never received the envelope", i)
		}
	}

	if !b.conn.Broken() {
		t.Fatalf("failed recipient not marked broken")
	}
	if got := srv.Metrics().DeliveryFailures.Load(); got != 1 {
		t.Fatalf("DeliveryFailures = %d, want 1", got)
	}
	if got := srv.Metrics().EnvelopesDelivered.Load(); got != 2 {
		t.Fatalf("EnvelopesDelivered = %d, want 2", got)
	}
	if reg.Count() != 3 {
		t.Fatalf("Broadcast must not remove sessions, Count = %d", reg.Count())
	}
}

func TestRegistryReap(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()
	st := srv.store

	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	conn := transport.NewConnection(writeFailStream{local}, time.Second)
	doomed := newSession(srv, 0, conn, model.TransportTCP)
	doomed.username = "ghost"
	if err := reg.Insert(doomed); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	srv.openAudit(doomed)
	go doomed.run()

	healthy, _ := pipeSession(t, srv, 1, "alive")
	if err := reg.Insert(healthy); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if ids := reg.Reap(); len(ids) != 0 {
		t.Fatalf("Reap before any failure removed %v", ids)
	}

	if err := conn.Send(protocol.Chat(1, "x")); err == nil {
		t.Fatalf("send on write-failing stream succeeded")
	}

	ids := reg.Reap()
	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("Reap = %v, want [0]", ids)
	}
	select {
	case <-doomed.Done():
	case <-time.After(time.Second):
		t.Fatalf("reaped session loop did not exit")
	}

	rec, err := st.GetSession(srv.RunID(), 0)
	if err != nil || rec == nil {
		t.Fatalf("GetSession: %v, %v", rec, err)
	}
	if rec.Reason != model.ReasonReaped {
		t.Fatalf("reason = %v, want reaped", rec.Reason)
	}
	if reg.Count() != 1 || reg.Get(1) != healthy {
		t.Fatalf("healthy session disturbed by reap")
	}
	if got := srv.Metrics().ReapedSessions.Load(); got != 1 {
		t.Fatalf("ReapedSessions = %d, want 1", got)
	}
}

func TestRegistryShutdownRefusesInsert(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()
	a, peerA := pipeSession(t, srv, 0, "alice")
	if err := reg.Insert(a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reg.Shutdown()
	reg.Shutdown()

	if !a.conn.Closed() {
		t.Fatalf("Shutdown left a connection open")
	}
	if _, err := protocol.ReadEnvelope(peerA); err == nil {
		t.Fatalf("peer still readable after Shutdown")
	}
	if n := reg.Broadcast(protocol.Chat(0, "late")); n != 0 {
		t.Fatalf("Broadcast after Shutdown reached %d", n)
	}

	b, _ := pipeSession(t, srv, 1, "bob")
	if err := reg.Insert(b); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Insert after Shutdown: got %v, want ErrRegistryClosed", err)
	}
}

func TestRegistryShutdownClosesOutsideLock(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()

	local, peer := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	stream := stallCloseStream{Conn: local, closing: make(chan struct{}), release: make(chan struct{})}
	stalled := newSession(srv, 0, transport.NewConnection(stream, time.Second), model.TransportWebSocket)
	stalled.username = "stuck"
	if err := reg.Insert(stalled); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		reg.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-stream.closing:
	case <-time.After(time.Second):
		t.Fatalf("Shutdown never closed the connection")
	}

	// The close is stuck; the registry must still answer.
	counted := make(chan int, 1)
	go func() { counted <- reg.Count() }()
	select {
	case n := <-counted:
		if n != 0 {
			t.Fatalf("Count during Shutdown = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("registry lock held while a connection was closing")
	}
	if reg.Remove(0) {
		t.Fatalf("stalled session still registered")
	}

	close(stream.release)
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return after the close finished")
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	srv := newRegistryServer()
	reg := srv.Registry()
	for _, id := range []int64{3, 1, 2} {
		s, _ := pipeSession(t, srv, id, "u")
		if err := reg.Insert(s); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	snap := reg.Snapshot()
	for i, want := range []int64{1, 2, 3} {
		if snap[i].ID != want {
			t.Fatalf("Snapshot[%d].ID = %d, want %d", i, snap[i].ID, want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting: "connecting",
		StateRegistered: "registered",
		StateActive:     "active",
		StateClosed:     "closed",
		State(9):        "State(9)",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(st), got, want)
		}
	}
}
