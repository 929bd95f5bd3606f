package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"qms/branch-queue/internal/dispatch"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

// Conn is the part of a SockJS session the server needs.
type Conn interface {
	Recv() (string, error)
	Send(msg string) error
	Close(status uint32, reason string) error
}

type IdentifyFunc func(r *http.Request) (models.Identity, bool)

type StatusFunc func(ctx context.Context, tokenID string) (models.Token, error)

type Options struct {
	Bus       *dispatch.Bus
	Identify  IdentifyFunc
	Status    StatusFunc
	Heartbeat time.Duration
	ResumeTTL time.Duration
	Logger    *zap.Logger
}

type Server struct {
	bus       *dispatch.Bus
	identify  IdentifyFunc
	status    StatusFunc
	heartbeat time.Duration
	resume    *cache.Cache
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type resumePoint struct {
	Room     string
	Sequence int64
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.ResumeTTL <= 0 {
		opts.ResumeTTL = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus:       opts.Bus,
		identify:  opts.Identify,
		status:    opts.Status,
		heartbeat: opts.Heartbeat,
		resume:    cache.New(opts.ResumeTTL, opts.ResumeTTL),
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler serves SockJS under /realtime, including the raw /realtime/websocket endpoint.
func (s *Server) Handler() http.Handler {
	options := sockjs.DefaultOptions
	options.HeartbeatDelay = s.heartbeat
	return sockjs.NewHandler("/realtime", options, func(session sockjs.Session) {
		var identity models.Identity
		ok := false
		if s.identify != nil {
			identity, ok = s.identify(session.Request())
		}
		if !ok {
			_ = session.Close(CloseUnauthorized, "unauthorized")
			return
		}
		s.Serve(s.ctx, session, identity)
	})
}

// Shutdown closes every live session and waits for their pumps to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the protocol on conn until the peer disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, conn Conn, identity models.Identity) {
	room, ok := identity.Room()
	if !ok {
		_ = conn.Close(CloseUnauthorized, "unauthorized")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		server:   s,
		conn:     conn,
		identity: identity,
		room:     room,
		logger:   s.logger.With(zap.String("room", room), zap.String("user_id", identity.UserID)),
	}
	defer sess.stop()

	for {
		raw, err := conn.Recv()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			sess.sendError("invalid_message", "message must be a JSON object")
			continue
		}
		switch msg.Type {
		case TypeSubscribe:
			sess.subscribe(ctx, msg)
		case TypePing:
			_ = sess.send(ServerMessage{Type: TypePong, Sequence: s.bus.Sequence()})
		case TypeGetStatus:
			sess.tokenStatus(ctx, msg.TokenID)
		default:
			sess.sendError("unknown_type", "unknown message type "+msg.Type)
		}
	}
}

func (s *Server) remember(sessionID, room string, sequence int64) {
	if sessionID == "" || sequence <= 0 {
		return
	}
	s.resume.Set(sessionID, resumePoint{Room: room, Sequence: sequence}, cache.DefaultExpiration)
}

func (s *Server) lookup(sessionID, room string) (int64, bool) {
	if sessionID == "" {
		return 0, false
	}
	value, ok := s.resume.Get(sessionID)
	if !ok {
		return 0, false
	}
	point := value.(resumePoint)
	if point.Room != room {
		return 0, false
	}
	return point.Sequence, true
}

type session struct {
	server   *Server
	conn     Conn
	identity models.Identity
	room     string
	logger   *zap.Logger

	sendMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	sub       *dispatch.Subscription
	stopPump  context.CancelFunc
	pumpDone  chan struct{}
}

func (s *session) subscribe(ctx context.Context, msg ClientMessage) {
	s.stop()

	sessionID := msg.SessionID
	lastSeen := msg.LastSeen
	if lastSeen == nil {
		if seq, ok := s.server.lookup(sessionID, s.room); ok {
			lastSeen = &seq
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	bus := s.server.bus
	sub, err := bus.Subscribe(s.room, lastSeen)
	if errors.Is(err, dispatch.ErrResync) {
		current := bus.Sequence()
		sub, err = bus.Subscribe(s.room, nil)
		if err == nil {
			s.logger.Info("session must resync", zap.String("session_id", sessionID), zap.Int64p("last_seen", lastSeen))
			_ = s.send(ServerMessage{Type: TypeResync, SessionID: sessionID, Sequence: current})
		}
	}
	if err != nil {
		s.sendError("unavailable", "subscription failed")
		return
	}

	if err := s.send(ServerMessage{
		Type:      TypeSubscribed,
		SessionID: sessionID,
		Room:      s.room,
		Replayed:  sub.Replayed(),
		Sequence:  bus.Sequence(),
	}); err != nil {
		sub.Close()
		return
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.sessionID = sessionID
	s.sub = sub
	s.stopPump = stopPump
	s.pumpDone = done
	s.mu.Unlock()

	go s.pump(pumpCtx, sub, sessionID, done)
}

func (s *session) pump(ctx context.Context, sub *dispatch.Subscription, sessionID string, done chan struct{}) {
	defer close(done)
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, dispatch.ErrClosed) && sub.Reason() == dispatch.ReasonSlowConsumer:
				s.logger.Warn("closing slow session", zap.String("session_id", sessionID), zap.Int64("last_sequence", sub.LastSequence()))
				_ = s.conn.Close(CloseSlowConsumer, dispatch.ReasonSlowConsumer)
			case errors.Is(err, dispatch.ErrClosed) && sub.Reason() == dispatch.ReasonShutdown:
				_ = s.conn.Close(CloseShutdown, "server shutting down")
			case errors.Is(err, context.Canceled) && s.server.ctx.Err() != nil:
				_ = s.conn.Close(CloseShutdown, "server shutting down")
			}
			return
		}
		if err := s.send(ServerMessage{Type: TypeEvent, Event: &event}); err != nil {
			return
		}
		s.server.remember(sessionID, s.room, event.Sequence)
	}
}

func (s *session) stop() {
	s.mu.Lock()
	sub, stopPump, done := s.sub, s.stopPump, s.pumpDone
	s.sub, s.stopPump, s.pumpDone = nil, nil, nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	stopPump()
	<-done
	sub.Close()
}

func (s *session) tokenStatus(ctx context.Context, tokenID string) {
	if s.server.status == nil {
		s.sendError("unavailable", "status lookups are not available")
		return
	}
	token, err := s.server.status(ctx, tokenID)
	switch {
	case store.IsNotFound(err):
		s.sendError("not_found", err.Error())
		return
	case err != nil:
		s.logger.Warn("status lookup failed", zap.String("token_id", tokenID), zap.Error(err))
		s.sendError("unavailable", "status lookup failed")
		return
	}
	if !s.identity.CanView(token.CustomerID) {
		s.sendError("forbidden", store.ErrNotTokenOwner.Error())
		return
	}
	_ = s.send(ServerMessage{Type: TypeStatus, Token: &token})
}

func (s *session) send(msg ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Send(string(payload))
}

func (s *session) sendError(code, message string) {
	_ = s.send(ServerMessage{Type: TypeError, Error: &WireError{Code: code, Message: message}})
}
