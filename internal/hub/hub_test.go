package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/iojanis/bcon-hub/internal/correlator"
	"github.com/iojanis/bcon-hub/internal/ratelimit"
	"github.com/iojanis/bcon-hub/internal/router"
	"github.com/iojanis/bcon-hub/internal/token"
)

func newTestHub(t *testing.T, ctx context.Context) (*Hub, *token.Service) {
	t.Helper()

	tokens, err := token.New(strings.Repeat("a", 32), strings.Repeat("b", 32))
	require.NoError(t, err)

	h := New(Config{
		RateLimits: ratelimit.Limits{
			GuestPerMinute: 1000, PlayerPerMinute: 1000, AdminPerMinute: 1000,
			SystemPerMinute: 1000, UnauthAdapterPerMinute: 1000,
			WindowDuration: time.Minute, BanThreshold: 1000, BanDuration: time.Hour,
		},
		HeartbeatInterval:  time.Hour,
		ConnectionTimeout:  time.Hour,
		AuthTimeout:        200 * time.Millisecond,
		CommandTimeout:     time.Second,
		ShutdownTimeout:    time.Second,
		CorrelatorCapacity: 100,
		SendQueueSize:      16,
	}, tokens, nil)

	// Run ordinarily constructs these against its own ctx before starting
	// the listeners; tests drive the upgrade handlers directly via
	// httptest, bypassing Run, so they're built the same way here.
	h.limit = ratelimit.New(ctx, h.cfg.RateLimits, nil)
	h.corr = correlator.New(ctx, h.cfg.CorrelatorCapacity, time.Second, nil)
	h.route = router.New(h.reg, h.corr, nil, h.cfg.CommandTimeout, nil)

	return h, tokens
}

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialWithBearer(ctx context.Context, url, tok string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
}

func TestAdapterAndClient_EventFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, tokens := newTestHub(t, ctx)

	adapterSrv := httptest.NewServer(http.HandlerFunc(h.handleAdapterUpgrade))
	defer adapterSrv.Close()
	clientSrv := httptest.NewServer(http.HandlerFunc(h.handleClientUpgrade))
	defer clientSrv.Close()

	adapterToken, err := tokens.Mint(token.KindAdapter, "mc-1", time.Hour)
	require.NoError(t, err)
	clientToken, err := tokens.Mint(token.KindClient, string(token.RoleSystem), time.Hour)
	require.NoError(t, err)

	clientWS, _, err := websocket.Dial(ctx, toWS(clientSrv.URL), nil)
	require.NoError(t, err)
	defer clientWS.Close(websocket.StatusNormalClosure, "")

	authFrame, _ := json.Marshal(map[string]any{
		"eventType": "auth",
		"data":      map[string]string{"token": clientToken},
	})
	require.NoError(t, clientWS.Write(ctx, websocket.MessageText, authFrame))

	time.Sleep(50 * time.Millisecond) // let the hub finish registering the client

	adapterWS, _, err := dialWithBearer(ctx, toWS(adapterSrv.URL), adapterToken)
	require.NoError(t, err)
	defer adapterWS.Close(websocket.StatusNormalClosure, "")

	event, _ := json.Marshal(map[string]any{
		"eventType": "player_joined",
		"data":      map[string]string{"name": "steve"},
	})
	require.NoError(t, adapterWS.Write(ctx, websocket.MessageText, event))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	_, data, err := clientWS.Read(readCtx)
	require.NoError(t, err)
	require.Contains(t, string(data), "player_joined")
}

func TestHandleAdapterUpgrade_RateLimitedAttemptGets429(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, _ := newTestHub(t, ctx)
	h.cfg.RateLimits.UnauthAdapterPerMinute = 1
	h.limit = ratelimit.New(ctx, h.cfg.RateLimits, nil)

	adapterSrv := httptest.NewServer(http.HandlerFunc(h.handleAdapterUpgrade))
	defer adapterSrv.Close()

	resp1, err := http.Get(adapterSrv.URL)
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp1.StatusCode, "first attempt consumes the budget but isn't yet over it")

	resp2, err := http.Get(adapterSrv.URL)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp2.StatusCode, "second attempt within the window exceeds the budget of 1")
}

func TestHandleClientUpgrade_RateLimitedAttemptGets429(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, _ := newTestHub(t, ctx)
	h.cfg.RateLimits.GuestPerMinute = 1
	h.limit = ratelimit.New(ctx, h.cfg.RateLimits, nil)

	clientSrv := httptest.NewServer(http.HandlerFunc(h.handleClientUpgrade))
	defer clientSrv.Close()

	ctx1, cancel1 := context.WithTimeout(ctx, time.Second)
	defer cancel1()
	ws, _, err := websocket.Dial(ctx1, toWS(clientSrv.URL), nil)
	require.NoError(t, err, "first attempt is within the guest budget of 1")
	ws.Close(websocket.StatusNormalClosure, "")

	resp, err := http.Get(clientSrv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "second attempt within the window exceeds the budget of 1")
}

func TestClientListener_ServesHealthAlongsideUpgrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, _ := newTestHub(t, ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealthHTTP)
	mux.HandleFunc("/", h.handleClientUpgrade)
	clientSrv := httptest.NewServer(mux)
	defer clientSrv.Close()

	resp, err := http.Get(clientSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		UptimeS  int64  `json:"uptime_s"`
		Adapters int    `json:"adapters"`
		Clients  int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
}

func TestClientCommand_RoundTripsThroughAdapter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, tokens := newTestHub(t, ctx)

	adapterSrv := httptest.NewServer(http.HandlerFunc(h.handleAdapterUpgrade))
	defer adapterSrv.Close()
	clientSrv := httptest.NewServer(http.HandlerFunc(h.handleClientUpgrade))
	defer clientSrv.Close()

	adapterToken, err := tokens.Mint(token.KindAdapter, "mc-1", time.Hour)
	require.NoError(t, err)
	clientToken, err := tokens.Mint(token.KindClient, string(token.RoleAdmin), time.Hour)
	require.NoError(t, err)

	adapterWS, _, err := dialWithBearer(ctx, toWS(adapterSrv.URL), adapterToken)
	require.NoError(t, err)
	defer adapterWS.Close(websocket.StatusNormalClosure, "")

	clientWS, _, err := websocket.Dial(ctx, toWS(clientSrv.URL), nil)
	require.NoError(t, err)
	defer clientWS.Close(websocket.StatusNormalClosure, "")

	authFrame, _ := json.Marshal(map[string]any{
		"eventType": "auth",
		"data":      map[string]string{"token": clientToken},
	})
	require.NoError(t, clientWS.Write(ctx, websocket.MessageText, authFrame))
	time.Sleep(50 * time.Millisecond)

	cmdFrame, _ := json.Marshal(map[string]any{
		"eventType": "execute_command",
		"data": map[string]any{
			"server_id": "mc-1",
			"command":   "say",
			"message":   "hello",
		},
	})
	require.NoError(t, clientWS.Write(ctx, websocket.MessageText, cmdFrame))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	_, cmdData, err := adapterWS.Read(readCtx)
	require.NoError(t, err)

	var received struct {
		MessageID string `json:"messageId"`
		Type      string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(cmdData, &received))
	require.Equal(t, "say", received.Type)
	require.NotEmpty(t, received.MessageID)

	reply, _ := json.Marshal(map[string]any{
		"eventType": "command_result",
		"replyTo":   received.MessageID,
		"data":      map[string]any{"success": true, "result": "ok"},
	})
	require.NoError(t, adapterWS.Write(ctx, websocket.MessageText, reply))

	_, resultData, err := clientWS.Read(readCtx)
	require.NoError(t, err)
	require.Contains(t, string(resultData), received.MessageID)
	require.Contains(t, string(resultData), `"success":true`)
}
