package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/transport"
)

func TestMain(m *testing.M) {
	slog.SetDefault(logging.Discard())
	os.Exit(m.Run())
}

const waitTimeout = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.ReapInterval = 0
	cfg.MetricsLogInterval = 0
	return cfg
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, *datastore.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	st := datastore.NewMemory()
	srv := New(cfg, Dependencies{Store: st})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv, st
}

// dialRaw connects without registering.
func dialRaw(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join connects, registers and waits until the registry holds want sessions.
func join(t *testing.T, srv *Server, name string, want int) net.Conn {
	t.Helper()
	conn := dialRaw(t, srv)
	require.NoError(t, protocol.WriteEnvelope(conn, protocol.Register(name)))
	waitForCount(t, srv, want)
	return conn
}

func waitForCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Registry().Count() == want },
		waitTimeout, 5*time.Millisecond, "registry never reached %d sessions", want)
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	env, err := protocol.ReadEnvelope(conn)
	require.NoError(t, err)
	return env
}

// expectSilence asserts nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	env, err := protocol.ReadEnvelope(conn)
	require.Error(t, err, "unexpected envelope %v", env)
	assert.True(t, transport.IsTimeout(err), "want timeout, got %v", err)
}

// expectClosed asserts the server hangs up on conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := protocol.ReadEnvelope(conn)
	require.Error(t, err)
	assert.False(t, transport.IsTimeout(err), "server never closed the connection")
}

func waitForAudit(t *testing.T, st datastore.DataStore, runID string, id int64) *model.SessionRecord {
	t.Helper()
	var rec *model.SessionRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = st.GetSession(runID, id)
		return err == nil && rec != nil && !rec.Open()
	}, waitTimeout, 5*time.Millisecond, "audit record %d never closed", id)
	return rec
}

func TestAliceAndBob(t *testing.T) {
	srv, _ := startServer(t, nil)

	alice := join(t, srv, "alice", 1)
	bob := join(t, srv, "bob", 2)

	assert.Equal(t, []SessionInfo{{ID: 0, Username: "alice"}, {ID: 1, Username: "bob"}}, srv.Registry().Snapshot())

	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Chat(0, "[alice]: hi")))

	got := readEnvelope(t, bob)
	assert.Equal(t, protocol.TypeChat, got.Type)
	assert.Equal(t, "[alice]: hi", got.Payload)
	assert.Equal(t, int64(0), got.SenderID)
	assert.Equal(t, "alice", got.Sender)
	expectSilence(t, bob)

	// The sender is a recipient too.
	echo := readEnvelope(t, alice)
	assert.Equal(t, "[alice]: hi", echo.Payload)

	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Logout(0)))
	waitForCount(t, srv, 1)
	expectClosed(t, alice)

	assert.Equal(t, 1, srv.Registry().Broadcast(protocol.Chat(1, "still here").From(1, "bob")))
	assert.Equal(t, "still here", readEnvelope(t, bob).Payload)
	assert.False(t, srv.Registry().Remove(0))
}

func TestSenderIdentityIsStamped(t *testing.T) {
	srv, _ := startServer(t, nil)
	alice := join(t, srv, "alice", 1)

	// A client cannot claim someone else's identity or name.
	forged := protocol.Chat(42, "[bob]: not really").From(42, "bob")
	require.NoError(t, protocol.WriteEnvelope(alice, forged))

	got := readEnvelope(t, alice)
	assert.Equal(t, int64(0), got.SenderID)
	assert.Equal(t, "alice", got.Sender)
}

func TestConcurrentClientsGetUniqueIdentities(t *testing.T) {
	srv, _ := startServer(t, nil)

	const clients = 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
			assert.NoError(t, protocol.WriteEnvelope(conn, protocol.Register("user")))
		}()
	}
	wg.Wait()
	waitForCount(t, srv, clients)

	seen := make(map[int64]bool)
	for _, info := range srv.Registry().Snapshot() {
		assert.False(t, seen[info.ID], "identity %d assigned twice", info.ID)
		seen[info.ID] = true
		assert.GreaterOrEqual(t, info.ID, int64(0))
		assert.Less(t, info.ID, int64(clients))
	}
	assert.Len(t, seen, clients)
}

func TestIdentitiesFollowAcceptOrder(t *testing.T) {
	srv, _ := startServer(t, nil)

	names := []string{"alice", "bob", "carol"}
	for i, name := range names {
		join(t, srv, name, i+1)
	}
	for i, name := range names {
		sess := srv.Registry().Get(int64(i))
		require.NotNil(t, sess, "identity %d", i)
		assert.Equal(t, name, sess.Username())
	}
}

func TestFirstEnvelopeMustBeRegister(t *testing.T) {
	srv, st := startServer(t, nil)
	bob := join(t, srv, "bob", 1)

	intruder := dialRaw(t, srv)
	require.NoError(t, protocol.WriteEnvelope(intruder, protocol.Chat(protocol.UnregisteredID, "hello?")))
	expectClosed(t, intruder)

	expectSilence(t, bob)
	assert.Equal(t, 1, srv.Registry().Count())
	assert.Equal(t, int64(1), srv.Metrics().FailedRegs.Load())

	// The failed handshake still consumed identity 1.
	join(t, srv, "carol", 2)
	assert.NotNil(t, srv.Registry().Get(2))
	rec, err := st.GetSession(srv.RunID(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBlankUsernameRejected(t *testing.T) {
	srv, _ := startServer(t, nil)

	conn := dialRaw(t, srv)
	require.NoError(t, protocol.WriteEnvelope(conn, protocol.Register("   ")))
	expectClosed(t, conn)
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestUsernameIsTrimmed(t *testing.T) {
	srv, _ := startServer(t, nil)
	join(t, srv, "  dave \t", 1)
	assert.Equal(t, "dave", srv.Registry().Get(0).Username())
}

func TestHandshakeTimeoutUnblocksAccept(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.HandshakeTimeout = 50 * time.Millisecond })

	silent := dialRaw(t, srv)
	expectClosed(t, silent)

	join(t, srv, "alice", 1)
	assert.Equal(t, int64(1), srv.Metrics().FailedRegs.Load())
}

func TestStrayRegisterIgnored(t *testing.T) {
	srv, _ := startServer(t, nil)
	alice := join(t, srv, "alice", 1)

	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Register("mallory")))
	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Chat(0, "[alice]: after")))

	got := readEnvelope(t, alice)
	assert.Equal(t, "[alice]: after", got.Payload)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "alice", srv.Registry().Get(0).Username())
}

func TestExternalKillTearsDownOnlyThatSession(t *testing.T) {
	srv, st := startServer(t, nil)
	join(t, srv, "alice", 1)
	bob := join(t, srv, "bob", 2)

	sess := srv.Registry().Get(0)
	require.NotNil(t, sess)
	require.NoError(t, sess.conn.Close())

	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session was not torn down")
	}
	assert.Equal(t, StateClosed, sess.State())
	assert.False(t, sess.Alive())
	waitForCount(t, srv, 1)

	require.NoError(t, protocol.WriteEnvelope(bob, protocol.Chat(1, "[bob]: anyone?")))
	assert.Equal(t, "[bob]: anyone?", readEnvelope(t, bob).Payload)

	rec := waitForAudit(t, st, srv.RunID(), 0)
	assert.Equal(t, model.ReasonIOError, rec.Reason)
}

func TestMalformedFrameEndsSession(t *testing.T) {
	srv, st := startServer(t, nil)
	alice := join(t, srv, "alice", 1)

	_, err := alice.Write([]byte{0, 0, 0, 3, 0x7f, '{', '}'})
	require.NoError(t, err)
	waitForCount(t, srv, 0)

	rec := waitForAudit(t, st, srv.RunID(), 0)
	assert.Equal(t, model.ReasonDecodeError, rec.Reason)
	assert.Equal(t, int64(1), srv.Metrics().DecodeErrors.Load())
}

func TestChatTooLargeOnceStampedEndsSession(t *testing.T) {
	srv, st := startServer(t, nil)
	alice := join(t, srv, "alice", 1)
	bob := join(t, srv, "bob", 2)

	// Fills a frame exactly, so the sender stamp pushes it over the limit.
	base, err := json.Marshal(protocol.Chat(0, ""))
	require.NoError(t, err)
	payload := strings.Repeat("x", protocol.MaxFrameSize-1-len(base))
	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Chat(0, payload)))

	waitForCount(t, srv, 1)
	expectClosed(t, alice)
	expectSilence(t, bob)
	assert.Equal(t, "bob", srv.Registry().Get(1).Username())

	rec := waitForAudit(t, st, srv.RunID(), 0)
	assert.Equal(t, model.ReasonDecodeError, rec.Reason)
	assert.Equal(t, int64(1), srv.Metrics().DecodeErrors.Load())
	assert.Equal(t, int64(0), srv.Metrics().DeliveryFailures.Load())
}

func TestAuditRecordLifecycle(t *testing.T) {
	srv, st := startServer(t, nil)
	alice := join(t, srv, "alice", 1)

	var open *model.SessionRecord
	require.Eventually(t, func() bool {
		open, _ = st.GetSession(srv.RunID(), 0)
		return open != nil
	}, waitTimeout, 5*time.Millisecond)
	assert.True(t, open.Open())
	assert.Equal(t, "alice", open.Username)
	assert.Equal(t, model.TransportTCP, open.Transport)
	assert.Equal(t, alice.LocalAddr().String(), open.RemoteAddr)

	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Logout(0)))
	rec := waitForAudit(t, st, srv.RunID(), 0)
	assert.Equal(t, model.ReasonLogout, rec.Reason)
	assert.False(t, rec.DisconnectedAt.Before(rec.ConnectedAt))
}

func TestAnnounceLeave(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.AnnounceLeave = true })
	alice := join(t, srv, "alice", 1)
	bob := join(t, srv, "bob", 2)

	require.NoError(t, protocol.WriteEnvelope(alice, protocol.Logout(0)))

	got := readEnvelope(t, bob)
	assert.Equal(t, "alice has left", got.Payload)
	assert.Equal(t, int64(0), got.SenderID)
	assert.Equal(t, "alice", got.Sender)
}

func TestShutdown(t *testing.T) {
	srv, st := startServer(t, nil)
	alice := join(t, srv, "alice", 1)
	bob := join(t, srv, "bob", 2)
	pending := dialRaw(t, srv)

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Shutdown did not return")
	}

	assert.Equal(t, 0, srv.Registry().Count())
	assert.True(t, srv.Registry().Closed())
	assert.Equal(t, 0, srv.Registry().Broadcast(protocol.Chat(0, "nobody")))
	expectClosed(t, alice)
	expectClosed(t, bob)
	expectClosed(t, pending)

	for id := int64(0); id < 2; id++ {
		rec, err := st.GetSession(srv.RunID(), id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, model.ReasonShutdown, rec.Reason, "session %d", id)
	}

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener still accepting")

	// Repeated and concurrent calls are harmless.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}
	wg.Wait()

	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
}

func TestServeReturnsAfterShutdown(t *testing.T) {
	srv := New(testConfig(), Dependencies{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, waitTimeout, 5*time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteEnvelope(conn, protocol.Register("solo")))
	waitForCount(t, srv, 1)

	srv.Shutdown()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrServerClosed), "got %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}

	_, err = io.ReadAll(conn)
	assert.NoError(t, err)
}
