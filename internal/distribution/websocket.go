package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

const readLimit = 4096

// Authenticator resolves the user behind an upgrade request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.@]{1,64}$`)

// HeaderAuthenticator trusts an identity asserted by the fronting gateway,
// taken from X-User-ID, a bearer token, or the user query parameter.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			user = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	if user == "" {
		return "", domain.NewValidationError("user", "missing")
	}
	if !userIDPattern.MatchString(user) {
		return "", domain.NewValidationError("user", "malformed")
	}
	return user, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// Handler serves the websocket endpoint
type Handler struct {
	distributor *Distributor
	auth        Authenticator
	origins     []string
}

// NewHandler creates the websocket handler. An empty origin list accepts any origin.
func NewHandler(d *Distributor, auth Authenticator, origins []string) *Handler {
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	return &Handler{distributor: d, auth: auth, origins: origins}
}

// ServeHTTP authenticates, upgrades and pumps client messages until the
// connection ends
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.distributor.log

	userID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	c, err := h.distributor.Open(r.Context(), userID, &wsTransport{conn: conn})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to open connection")
		conn.CloseNow()
		return
	}
	defer c.Close("client disconnected")

	// Close on the connection closes conn, which ends the read below
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.State() != StateDisconnected && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("user_id", userID).Msg("Websocket read ended")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.HandleClient(ClientMessage{Type: "malformed"})
			continue
		}
		c.HandleClient(msg)
	}
}
