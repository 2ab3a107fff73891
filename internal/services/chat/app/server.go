// Package server hosts the chat HTTP/WebSocket process.
//
// The gateway is transport-only: invite resolution, membership, message
// movement, and destruction all live in the chat core packages. Each
// connection runs one sync loop that mirrors store state into frames.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/tedyzhu/ququer-sub001/internal/chat/channel"
	"github.com/tedyzhu/ququer-sub001/internal/chat/domain"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/invite"
	"github.com/tedyzhu/ququer-sub001/internal/chat/join"
	"github.com/tedyzhu/ququer-sub001/internal/chat/lifecycle"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	chatsync "github.com/tedyzhu/ququer-sub001/internal/chat/sync"
	apperrors "github.com/tedyzhu/ququer-sub001/internal/platform/errors"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
)

// Deps are the chat core components the gateway fronts.
type Deps struct {
	Resolver    *invite.Resolver
	Coordinator *join.Coordinator
	Channel     *channel.Channel
	Store       storage.SessionStore
	Broker      *feed.Broker
	Destroyer   *lifecycle.Destroyer
	// NewRetrier supplies one retrier per sync loop so breaker state is
	// scoped to a connection.
	NewRetrier func(name string) *retry.Retrier
	// SyncTick overrides the sync loop fallback cadence; zero keeps the
	// default.
	SyncTick time.Duration
}

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type joinPayload struct {
	InviteToken string `json:"invite_token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	Cursor      string `json:"cursor,omitempty"`
}

type joinedPayload struct {
	SessionID    string           `json:"session_id"`
	Status       string           `json:"status"`
	Title        string           `json:"title"`
	Participants []participantDTO `json:"participants"`
	ServerTime   string           `json:"server_time"`
}

type participantDTO struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	Role        string `json:"role"`
}

type sessionPayload struct {
	SessionID    string           `json:"session_id"`
	Status       string           `json:"status"`
	Title        string           `json:"title"`
	Participants []participantDTO `json:"participants"`
}

type sendPayload struct {
	Body                  string `json:"body"`
	DestroyTimeoutSeconds int    `json:"destroy_timeout_seconds,omitempty"`
}

type viewPayload struct {
	MessageID string `json:"message_id"`
}

type messageEnvelope struct {
	Message messageDTO `json:"message"`
}

type messageDTO struct {
	MessageID        string `json:"message_id"`
	SessionID        string `json:"session_id"`
	SenderID         string `json:"sender_id"`
	Kind             string `json:"kind"`
	Body             string `json:"body,omitempty"`
	SentAt           string `json:"sent_at"`
	Status           string `json:"status"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Redacted         bool   `json:"redacted,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks one connection's joined state.
type wsSession struct {
	mu        sync.Mutex
	peer      *wsPeer
	userID    string
	sessionID string
	loopStop  context.CancelFunc
	loopDone  chan struct{}
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

func (s *wsSession) joined() (sessionID, userID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.userID, s.sessionID != ""
}

func (s *wsSession) setJoined(sessionID, userID string, stop context.CancelFunc, done chan struct{}) {
	s.mu.Lock()
	previousStop := s.loopStop
	previousDone := s.loopDone
	s.sessionID = sessionID
	s.userID = userID
	s.loopStop = stop
	s.loopDone = done
	s.mu.Unlock()

	if previousStop != nil {
		previousStop()
		<-previousDone
	}
}

func (s *wsSession) leave() {
	s.mu.Lock()
	stop := s.loopStop
	done := s.loopDone
	s.sessionID = ""
	s.userID = ""
	s.loopStop = nil
	s.loopDone = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// NewHandler creates the chat routes.
func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, deps Deps) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(peer)
	defer session.leave()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case "chat.join":
			handleJoinFrame(conn.Request().Context(), session, deps, frame)
		case "chat.send":
			handleSendFrame(conn.Request().Context(), session, deps, frame)
		case "chat.view":
			handleViewFrame(conn.Request().Context(), session, deps, frame)
		case "chat.leave":
			session.leave()
			_ = peer.writeFrame(wsFrame{
				Type:      "chat.ack",
				RequestID: frame.RequestID,
				Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
			})
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload", false)
		return
	}
	if strings.TrimSpace(payload.InviteToken) == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invite_token is required", false)
		return
	}
	cursor, err := chatsync.DecodeCursor(payload.Cursor)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid cursor", false)
		return
	}

	resolved, err := deps.Resolver.ResolveOrCreate(ctx, payload.InviteToken)
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	result, err := deps.Coordinator.Join(ctx, resolved.ID, domain.CreateParticipantInput{
		UserID:      payload.UserID,
		DisplayName: payload.DisplayName,
		AvatarRef:   payload.AvatarRef,
	})
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	loop := chatsync.NewLoop(chatsync.Config{
		SessionID:    resolved.ID,
		UserID:       userID,
		Store:        deps.Store,
		Channel:      deps.Channel,
		Retrier:      deps.NewRetrier("sync " + resolved.ID),
		Broker:       deps.Broker,
		Destroyer:    deps.Destroyer,
		Handler:      &peerSyncHandler{peer: session.peer, clock: time.Now},
		Cursor:       cursor,
		TickInterval: deps.SyncTick,
	})
	go func() {
		defer close(done)
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("chat: sync loop for %s: %v", resolved.ID, err)
		}
	}()
	session.setJoined(resolved.ID, userID, stop, done)

	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			SessionID:    result.Session.ID,
			Status:       result.Session.Status.String(),
			Title:        domain.DisplayTitle(userID, result.Session.Participants),
			Participants: participantDTOs(result.Session.Participants),
			ServerTime:   time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func handleSendFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload", false)
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body is required", false)
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters", false)
		return
	}

	sessionID, userID, ok := session.joined()
	if !ok {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a session before sending", false)
		return
	}

	message, err := deps.Channel.Send(ctx, domain.CreateMessageInput{
		SessionID:             sessionID,
		SenderID:              userID,
		Payload:               body,
		DestroyTimeoutSeconds: payload.DestroyTimeoutSeconds,
	})
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", MessageID: message.ID},
		}),
	})
}

func handleViewFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	var payload viewPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid view payload", false)
		return
	}
	if strings.TrimSpace(payload.MessageID) == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "message_id is required", false)
		return
	}
	if _, _, ok := session.joined(); !ok {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a session before viewing", false)
		return
	}

	message, err := deps.Channel.MarkRead(ctx, payload.MessageID)
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	if deps.Destroyer != nil {
		deps.Destroyer.Track(message)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", MessageID: message.ID},
		}),
	})
}

// peerSyncHandler mirrors sync loop observations into frames.
type peerSyncHandler struct {
	peer  *wsPeer
	clock func() time.Time
}

func (h *peerSyncHandler) OnSessionChanged(session domain.Session, title string) {
	_ = h.peer.writeFrame(wsFrame{
		Type: "chat.session",
		Payload: mustJSON(sessionPayload{
			SessionID:    session.ID,
			Status:       session.Status.String(),
			Title:        title,
			Participants: participantDTOs(session.Participants),
		}),
	})
}

func (h *peerSyncHandler) OnMessage(message domain.Message) {
	_ = h.peer.writeFrame(wsFrame{
		Type:    "chat.message",
		Payload: mustJSON(messageEnvelope{Message: toMessageDTO(message, h.clock())}),
	})
}

func (h *peerSyncHandler) OnMessageStateChanged(message domain.Message) {
	_ = h.peer.writeFrame(wsFrame{
		Type:    "chat.message_state",
		Payload: mustJSON(messageEnvelope{Message: toMessageDTO(message, h.clock())}),
	})
}

func (h *peerSyncHandler) OnDegraded(err error) {
	_ = writeWSError(h.peer, "", string(apperrors.CodeSyncDegraded), "sync is degraded; retrying shortly", true)
}

func participantDTOs(participants []domain.Participant) []participantDTO {
	dtos := make([]participantDTO, 0, len(participants))
	for _, p := range participants {
		dtos = append(dtos, participantDTO{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarRef:   p.AvatarRef,
			Role:        p.Role.String(),
		})
	}
	return dtos
}

func toMessageDTO(message domain.Message, now time.Time) messageDTO {
	dto := messageDTO{
		MessageID: message.ID,
		SessionID: message.SessionID,
		SenderID:  message.SenderID,
		Kind:      message.Type.String(),
		Body:      message.Payload,
		SentAt:    message.SentAt.UTC().Format(time.RFC3339),
		Status:    message.StatusAt(now).String(),
		Redacted:  message.Redacted,
	}
	if remaining := message.RemainingAt(now); remaining > 0 {
		dto.RemainingSeconds = int(remaining.Round(time.Second) / time.Second)
	}
	return dto
}

func writeDomainError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeUnknown
	}
	retryable := !apperrors.IsTerminal(err)
	_ = writeWSError(peer, requestID, string(code), err.Error(), retryable)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured chat server.
func NewServer(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
