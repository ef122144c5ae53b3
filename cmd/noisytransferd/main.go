// Command noisytransferd is the rendezvous relay. It pairs a sender and a
// receiver by join code and forwards their signaling envelopes; no transfer
// payload ever touches it.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collapsinghierarchy/noisytransfercli/internal/config"
	"github.com/collapsinghierarchy/noisytransfercli/internal/logging"
	"github.com/collapsinghierarchy/noisytransfercli/internal/rendezvous"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.ParseServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	logger := logging.New("noisytransferd", cfg.LogLevel)

	store := rendezvous.NewStore(cfg.SessionTTL)
	hub := rendezvous.NewHub()

	if cfg.SessionTTL > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				if n := store.CleanupExpired(time.Now()); n > 0 {
					logger.Info("expired sessions removed", "count", n)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleConn(w, r, store, hub, cfg, logger)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("relay listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("relay failed", "err", err)
		os.Exit(1)
	}
}

// conn wraps a websocket with the write lock gorilla requires for
// concurrent writers.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) sendEnvelope(env rendezvous.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

func (c *conn) sendError(sessionID, code, message string) {
	env, err := rendezvous.NewEnvelope(rendezvous.TypeError, sessionID, rendezvous.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.sendEnvelope(env)
}

// handleConn drives one client connection: an opening create or join
// envelope claims a session role, then everything else is forwarded to the
// counterpart verbatim.
func handleConn(w http.ResponseWriter, r *http.Request, store *rendezvous.Store, hub *rendezvous.Hub, cfg config.ServerConfig, logger *slog.Logger) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(int64(cfg.MaxMessageBytes))
	}

	c := &conn{ws: ws}
	if cfg.IdleTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
			return nil
		})
		ws.SetPingHandler(func(appData string) error {
			ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			return err
		})
	}

	env, ok := readEnvelope(ws, c, cfg, logger)
	if !ok {
		return
	}

	var (
		sess rendezvous.Session
		role string
	)
	switch env.Type {
	case rendezvous.TypeCreate:
		if cfg.MaxSessions > 0 && store.Count() >= cfg.MaxSessions {
			c.sendError("", "session_limit", "session limit reached")
			return
		}
		role = rendezvous.RoleSender
		sess = store.Create()

	case rendezvous.TypeJoin:
		var join rendezvous.Join
		if err := env.DecodePayload(&join); err != nil {
			c.sendError("", "bad_payload", "join payload is malformed")
			return
		}
		role = rendezvous.RoleReceiver
		var found bool
		sess, found = store.Redeem(join.JoinCode)
		if !found {
			c.sendError("", "invalid_code", "invalid or expired join code")
			return
		}

	default:
		c.sendError("", "bad_handshake", "first message must be create or join")
		return
	}

	detach, err := hub.Attach(sess.ID, role, c.sendEnvelope)
	if err != nil {
		c.sendError(sess.ID, "role_taken", "session already has a "+role)
		return
	}
	defer detach()
	defer func() {
		left, _ := rendezvous.NewEnvelope(rendezvous.TypePeerLeft, sess.ID, nil)
		hub.Forward(sess.ID, role, left)
		if role == rendezvous.RoleSender {
			store.Delete(sess.ID)
		}
		logger.Info("peer left", "session", sess.ID, "role", role)
	}()

	created, err := rendezvous.NewEnvelope(rendezvous.TypeCreated, sess.ID, rendezvous.Created{
		SessionID: sess.ID,
		JoinCode:  sess.JoinCode,
	})
	if err != nil {
		logger.Error("could not build created envelope", "err", err)
		return
	}
	if err := c.sendEnvelope(created); err != nil {
		return
	}
	logger.Info("peer attached", "session", sess.ID, "role", role)

	if role == rendezvous.RoleReceiver {
		joined, err := rendezvous.NewEnvelope(rendezvous.TypePeerJoined, sess.ID, rendezvous.PeerJoined{Role: role})
		if err == nil {
			hub.Forward(sess.ID, role, joined)
		}
	}

	for {
		env, ok := readEnvelope(ws, c, cfg, logger)
		if !ok {
			return
		}
		switch env.Type {
		case rendezvous.TypeOffer, rendezvous.TypeAnswer, rendezvous.TypeCandidate:
			env.SessionID = sess.ID
			if !hub.Forward(sess.ID, role, env) {
				c.sendError(sess.ID, "no_peer", "counterpart is not connected")
			}
		default:
			logger.Warn("dropping unexpected envelope", "type", env.Type, "session", sess.ID)
		}
	}
}

func readEnvelope(ws *websocket.Conn, c *conn, cfg config.ServerConfig, logger *slog.Logger) (rendezvous.Envelope, bool) {
	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read ended", "err", err)
			}
			return rendezvous.Envelope{}, false
		}
		if cfg.IdleTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env rendezvous.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			logger.Warn("invalid envelope", "err", err)
			continue
		}
		if env.V != rendezvous.ProtocolVersion {
			c.sendError(env.SessionID, "bad_version", "unsupported protocol version")
			continue
		}
		return env, true
	}
}
