package distribution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
)

func TestHeaderAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *http.Request)
		want    string
		wantErr bool
	}{
		{name: "header", setup: func(r *http.Request) { r.Header.Set("X-User-ID", "u1") }, want: "u1"},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer trader.7") }, want: "trader.7"},
		{name: "query", setup: func(r *http.Request) { r.URL.RawQuery = "user=alice@desk" }, want: "alice@desk"},
		{name: "missing", setup: func(r *http.Request) {}, wantErr: true},
		{name: "malformed", setup: func(r *http.Request) { r.Header.Set("X-User-ID", "u 1; drop") }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			got, err := HeaderAuthenticator{}.Authenticate(r)
			if tt.wantErr {
				assert.True(t, domain.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(NewHandler(f.distributor, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.distributor.Registry().Count())
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var msg map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestHandler_RoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	f.subscribe(t, "u1", "ACME", "")
	srv := httptest.NewServer(NewHandler(f.distributor, nil, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hello := readMessage(t, ctx, conn)
	assert.Equal(t, TypeConnection, hello["type"])
	assert.Equal(t, []interface{}{"ACME"}, hello["watchlist"])

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: TypeHeartbeat}))
	assert.Equal(t, TypeHeartbeatAck, readMessage(t, ctx, conn)["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	bad := readMessage(t, ctx, conn)
	assert.Equal(t, TypeError, bad["type"])

	require.Eventually(t, func() bool { return f.distributor.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)
	_, err = f.distributor.Distribute(ctx, newAlert("a1", domain.SeverityCritical))
	require.NoError(t, err)

	alert := readMessage(t, ctx, conn)
	assert.Equal(t, TypeAlert, alert["type"])
	assert.Equal(t, PriorityImmediate, alert["priority"])
	assert.Equal(t, "a1", alert["data"].(map[string]interface{})["id"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return f.distributor.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
