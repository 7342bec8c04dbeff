package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"darkfarm.ai/internal/protocol"
	"darkfarm.ai/internal/sim/catalogs"
	"darkfarm.ai/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
	writeTimeout     = 5 * time.Second
	submitTimeout    = 5 * time.Second
)

// Server is the presentation feed: it streams STATE/EVENT frames of one
// world and forwards ACTs into it.
type Server struct {
	world *world.World
	cats  *catalogs.Catalogs
	log   zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, cats *catalogs.Catalogs, logger zerolog.Logger) *Server {
	return &Server{
		world: w,
		cats:  cats,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced by the HTTP layer
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, maxQ, ok := s.handshake(conn)
		if !ok {
			return
		}
		log := s.log.With().Str("session", sessionID).Logger()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		frames, unsubscribe, err := s.world.Subscribe(ctx, maxQ)
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, "world unavailable")
			return
		}
		defer unsubscribe()

		acks := make(chan protocol.AckMsg, maxQ)
		log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

		// Writer goroutine: the only writer on conn after the handshake.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			// Closing the conn unblocks the reader when the writer gives up.
			defer conn.Close()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-frames:
					if !ok {
						closeWith(conn, websocket.CloseGoingAway, "world stopped")
						return
					}
					if err := writeFrame(conn, f); err != nil {
						return
					}
				case ack := <-acks:
					if err := writeJSON(conn, ack); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			ack, ok := s.handleMessage(ctx, msg)
			if !ok {
				continue
			}
			select {
			case acks <- ack:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		<-writerDone
		log.Info().Msg("client disconnected")
	}
}

// handleMessage turns one inbound message into an ACK. Messages other than
// ACT are ignored.
func (s *Server) handleMessage(ctx context.Context, msg []byte) (protocol.AckMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeAct {
		return protocol.AckMsg{}, false
	}
	var act protocol.ActMsg
	decodeErr := json.Unmarshal(msg, &act)
	reject := func(code, message string) (protocol.AckMsg, bool) {
		return protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          act.ActID,
			Code:            code,
			Message:         message,
		}, true
	}
	if err := validate("act.schema.json", msg); err != nil {
		return reject(protocol.ErrProtoBadRequest, err.Error())
	}
	if decodeErr != nil {
		return reject(protocol.ErrProtoBadRequest, decodeErr.Error())
	}
	if act.ProtocolVersion != protocol.Version {
		return reject(protocol.ErrProtoBadRequest, "bad protocol_version")
	}

	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	ack, err := s.world.Submit(sctx, act)
	switch {
	case errors.Is(err, world.ErrStopped):
		return reject(protocol.ErrWorldStopped, "world stopped")
	case err != nil:
		return reject(protocol.ErrWorldBusy, "world busy, retry")
	}
	return ack, true
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, maxQ int, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", 0, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return "", 0, false
	}
	if err := validate("hello.schema.json", msg); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return "", 0, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", 0, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return "", 0, false
	}

	maxQ = hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}

	sessionID = uuid.NewString()
	tune := s.world.Tuning()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		SlotID:          s.world.SlotID(),
		TickIntervalMs:  tune.TickIntervalMs,
		Catalogs: protocol.CatalogDigests{
			SeedsDigest:   s.cats.Seeds.Digest,
			ElixirsDigest: s.cats.Elixirs.Digest,
			TuningDigest:  tune.Digest(),
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", 0, false
	}
	return sessionID, maxQ, true
}

// StateHandler serves the current STATE as JSON for polling clients.
func (s *Server) StateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
		defer cancel()
		st, err := s.world.State(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st)
	}
}

func writeFrame(conn *websocket.Conn, f world.Frame) error {
	for _, ev := range f.Events {
		if err := writeJSON(conn, protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: ev}); err != nil {
			return err
		}
	}
	return writeJSON(conn, f.State)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func validate(schema string, raw []byte) error {
	sch, err := protocol.Schema(schema)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
