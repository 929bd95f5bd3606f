package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/branch-queue/internal/dispatch"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

type fakeConn struct {
	inbound  chan string
	outbound chan string
	closed   chan struct{}
	gate     chan struct{}

	mu     sync.Mutex
	code   uint32
	reason string
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan string, 16),
		outbound: make(chan string, 256),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Recv() (string, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return "", errors.New("session closed")
	}
}

func (c *fakeConn) Send(msg string) error {
	if c.gate != nil && strings.Contains(msg, `"type":"event"`) {
		<-c.gate
	}
	select {
	case <-c.closed:
		return errors.New("session closed")
	default:
	}
	c.outbound <- msg
	return nil
}

func (c *fakeConn) Close(status uint32, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code, c.reason = status, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closeCode() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *fakeConn) write(t *testing.T, msg ClientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	c.inbound <- string(raw)
}

func (c *fakeConn) read(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case raw := <-c.outbound:
		var msg ServerMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return ServerMessage{}
	}
}

type harness struct {
	bus    *dispatch.Bus
	server *Server
}

func newHarness(t *testing.T, queueSize int, status StatusFunc) *harness {
	t.Helper()
	bus := dispatch.NewBus(dispatch.Config{Capacity: 100, QueueSize: queueSize}, nil)
	t.Cleanup(bus.Close)
	return &harness{
		bus:    bus,
		server: NewServer(Options{Bus: bus, Status: status}),
	}
}

func (h *harness) connect(t *testing.T, identity models.Identity) (*fakeConn, func()) {
	t.Helper()
	return h.attach(newFakeConn(), identity)
}

func (h *harness) attach(conn *fakeConn, identity models.Identity) (*fakeConn, func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.server.Serve(context.Background(), conn, identity)
	}()
	return conn, func() {
		_ = conn.Close(1000, "bye")
		<-done
	}
}

func customerEvent(customerID, eventType string) models.Event {
	return models.Event{
		Type:    eventType,
		TokenID: "tok-" + customerID,
		Rooms:   []string{models.CustomerRoom(customerID), models.RoomStaff},
	}
}

var customer = models.Identity{UserID: "cust-1", Role: models.RoleCustomer}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	h := newHarness(t, 0, nil)
	conn, stop := h.connect(t, customer)
	defer stop()

	conn.write(t, ClientMessage{Type: TypeSubscribe})
	subscribed := conn.read(t)
	require.Equal(t, TypeSubscribed, subscribed.Type)
	assert.Equal(t, "customer:cust-1", subscribed.Room)
	assert.NotEmpty(t, subscribed.SessionID)
	assert.Zero(t, subscribed.Replayed)

	h.bus.Publish(customerEvent("cust-2", models.EventTokenCreated))
	h.bus.Publish(customerEvent("cust-1", models.EventTokenCalled))

	msg := conn.read(t)
	require.Equal(t, TypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, models.EventTokenCalled, msg.Event.Type)
	assert.Equal(t, int64(2), msg.Event.Sequence)
	assert.Equal(t, "customer:cust-1", msg.Event.Audience)
}

func TestSubscribeReplaysAfterLastSeen(t *testing.T) {
	h := newHarness(t, 0, nil)
	for i := 0; i < 3; i++ {
		h.bus.Publish(customerEvent("cust-1", models.EventTokenEstimate))
	}

	conn, stop := h.connect(t, customer)
	defer stop()

	lastSeen := int64(1)
	conn.write(t, ClientMessage{Type: TypeSubscribe, LastSeen: &lastSeen})
	subscribed := conn.read(t)
	require.Equal(t, TypeSubscribed, subscribed.Type)
	assert.Equal(t, 2, subscribed.Replayed)

	assert.Equal(t, int64(2), conn.read(t).Event.Sequence)
	assert.Equal(t, int64(3), conn.read(t).Event.Sequence)
}

func TestSubscribeOutsideWindowResyncs(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.bus.Publish(customerEvent("cust-1", models.EventTokenCreated))

	conn, stop := h.connect(t, customer)
	defer stop()

	ahead := int64(99)
	conn.write(t, ClientMessage{Type: TypeSubscribe, LastSeen: &ahead})
	resync := conn.read(t)
	require.Equal(t, TypeResync, resync.Type)
	assert.Equal(t, int64(1), resync.Sequence)
	require.Equal(t, TypeSubscribed, conn.read(t).Type)

	h.bus.Publish(customerEvent("cust-1", models.EventTokenCalled))
	msg := conn.read(t)
	require.Equal(t, TypeEvent, msg.Type)
	assert.Equal(t, int64(2), msg.Event.Sequence)
}

func TestResumeBySessionID(t *testing.T) {
	h := newHarness(t, 0, nil)

	first, stopFirst := h.connect(t, customer)
	first.write(t, ClientMessage{Type: TypeSubscribe})
	sessionID := first.read(t).SessionID
	h.bus.Publish(customerEvent("cust-1", models.EventTokenCreated))
	require.Equal(t, int64(1), first.read(t).Event.Sequence)
	stopFirst()

	h.bus.Publish(customerEvent("cust-1", models.EventTokenCalled))
	h.bus.Publish(customerEvent("cust-1", models.EventTokenCompleted))

	second, stopSecond := h.connect(t, customer)
	defer stopSecond()
	second.write(t, ClientMessage{Type: TypeSubscribe, SessionID: sessionID})
	subscribed := second.read(t)
	require.Equal(t, TypeSubscribed, subscribed.Type)
	assert.Equal(t, sessionID, subscribed.SessionID)
	assert.Equal(t, 2, subscribed.Replayed)
	assert.Equal(t, models.EventTokenCalled, second.read(t).Event.Type)
	assert.Equal(t, models.EventTokenCompleted, second.read(t).Event.Type)

	other, stopOther := h.connect(t, models.Identity{UserID: "cust-2", Role: models.RoleCustomer})
	defer stopOther()
	other.write(t, ClientMessage{Type: TypeSubscribe, SessionID: sessionID})
	assert.Zero(t, other.read(t).Replayed)
}

func TestUnauthorizedIdentityIsClosed(t *testing.T) {
	h := newHarness(t, 0, nil)
	conn := newFakeConn()
	h.server.Serve(context.Background(), conn, models.Identity{Role: "guest"})
	assert.Equal(t, uint32(CloseUnauthorized), conn.closeCode())
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t, 1, nil)
	gated := newFakeConn()
	gated.gate = make(chan struct{})
	conn, stop := h.attach(gated, customer)
	defer stop()

	conn.write(t, ClientMessage{Type: TypeSubscribe})
	require.Equal(t, TypeSubscribed, conn.read(t).Type)

	for i := 0; i < 4; i++ {
		h.bus.Publish(customerEvent("cust-1", models.EventTokenEstimate))
	}
	close(conn.gate)

	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not closed")
	}
	assert.Equal(t, uint32(CloseSlowConsumer), conn.closeCode())
	assert.Zero(t, h.bus.Sessions("customer:cust-1"))
}

func TestPingAndStatus(t *testing.T) {
	status := func(ctx context.Context, tokenID string) (models.Token, error) {
		switch tokenID {
		case "mine":
			return models.Token{TokenID: tokenID, CustomerID: "cust-1", Status: models.StatusWaiting}, nil
		case "theirs":
			return models.Token{TokenID: tokenID, CustomerID: "cust-9"}, nil
		default:
			return models.Token{}, store.ErrTokenNotFound
		}
	}
	h := newHarness(t, 0, status)
	conn, stop := h.connect(t, customer)
	defer stop()

	conn.write(t, ClientMessage{Type: TypePing})
	assert.Equal(t, TypePong, conn.read(t).Type)

	conn.write(t, ClientMessage{Type: TypeGetStatus, TokenID: "mine"})
	msg := conn.read(t)
	require.Equal(t, TypeStatus, msg.Type)
	assert.Equal(t, models.StatusWaiting, msg.Token.Status)

	conn.write(t, ClientMessage{Type: TypeGetStatus, TokenID: "theirs"})
	msg = conn.read(t)
	require.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "forbidden", msg.Error.Code)

	conn.write(t, ClientMessage{Type: TypeGetStatus, TokenID: "missing"})
	assert.Equal(t, "not_found", conn.read(t).Error.Code)

	conn.inbound <- "not json"
	assert.Equal(t, "invalid_message", conn.read(t).Error.Code)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, 0, nil)
	conn := newFakeConn()
	go h.server.Serve(h.server.ctx, conn, customer)

	conn.write(t, ClientMessage{Type: TypeSubscribe})
	require.Equal(t, TypeSubscribed, conn.read(t).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
	assert.Equal(t, uint32(CloseShutdown), conn.closeCode())
}

func TestHandlerServesSockJSInfo(t *testing.T) {
	h := newHarness(t, 0, nil)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/realtime/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, true, info["websocket"])
}
