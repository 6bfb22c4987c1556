// ABOUTME: End-to-end tests for the websocket endpoints over real
// ABOUTME: in-process sockets: session bootstrap, device ops, admin ops.

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnvend/vend-gateway/internal/auth"
	"github.com/lnvend/vend-gateway/internal/config"
	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/payments"
	"github.com/lnvend/vend-gateway/internal/store"
	"github.com/lnvend/vend-gateway/internal/wire"
)

const testJWTSecret = "test-secret-key"

type testServer struct {
	gw    *Gateway
	store *store.MockStore
	node  *stubNode
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Devices.HeartbeatInterval = config.DefaultHeartbeatInterval
	cfg.Devices.HeartbeatTimeout = config.DefaultHeartbeatTimeout
	cfg.Payments.InvoiceExpiry = config.DefaultInvoiceExpiry

	ms := store.NewMockStore()
	node := newStubNode()
	gw := New(cfg, ms, node, testLogger())
	t.Cleanup(gw.coordinator.Close)

	srv := httptest.NewServer(gw.routes())
	t.Cleanup(srv.Close)

	return &testServer{gw: gw, store: ms, node: node, url: srv.URL}
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.url, "http") + path
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var env wire.Envelope
	require.NoError(t, wsjson.Read(ctx, ws, &env))
	return &env
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, env))
}

func deviceHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Cookie", DeviceSessionCookie+"="+token)
	return h
}

func TestDeviceBootstrapIssuesSessionCookie(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, resp, err := websocket.Dial(ctx, ts.wsURL("/ws/device"), nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// The handshake response carries the newly issued session cookie.
	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == DeviceSessionCookie {
			token = cookie.Value
		}
	}
	require.NotEmpty(t, token, "handshake must set the session cookie")

	env := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeNoSession, env.Type)
}

func TestDeviceConnectAndGetState(t *testing.T) {
	ts := newTestServer(t)

	ws := dialWS(t, ts.wsURL("/ws/device"), deviceHeader("token-1"))

	env := readEnvelope(t, ws)
	require.Equal(t, wire.TypeConnReady, env.Type)

	writeEnvelope(t, ws, &wire.Envelope{Type: wire.TypeGetState, ID: 1})

	reply := readEnvelope(t, ws)
	require.Equal(t, wire.TypeReply, reply.Type)
	require.Equal(t, uint64(1), reply.ID)

	var state wire.DeviceState
	require.NoError(t, reply.Decode(&state))
	require.NotNil(t, state.Unclaimed, "unknown token resolves unclaimed")
	assert.NotEmpty(t, state.Unclaimed.SetupCode)
}

func TestDisconnectDuringResolutionLeavesNoBinding(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	before := ts.gw.devices.Len()

	// The peer dropped while resolution was in flight: the latch is
	// already set when the handshake finishes.
	c := newFakeConn("conn-raced")
	c.gone = true

	bound, err := ts.gw.finishDeviceHandshake(ctx, c, "token-raced")
	require.NoError(t, err)
	assert.False(t, bound)

	// No registry entry, no connReady; the registry is back to its
	// pre-connection size.
	assert.Equal(t, before, ts.gw.devices.Len())
	assert.Empty(t, c.messages(wire.TypeConnReady))

	// The token was still provisioned, so a reconnect resolves the same
	// unclaimed identity and binds normally.
	ud, err := ts.store.UnclaimedBySessionToken(ctx, "token-raced")
	require.NoError(t, err)
	assert.False(t, ts.gw.devices.IsOnline(identity.Unclaimed{ID: ud.ID}))

	c2 := newFakeConn("conn-retry")
	bound, err = ts.gw.finishDeviceHandshake(ctx, c2, "token-raced")
	require.NoError(t, err)
	assert.True(t, bound)
	assert.True(t, ts.gw.devices.IsOnline(identity.Unclaimed{ID: ud.ID}))
}

func TestDeviceCreateInvoiceRequiresClaim(t *testing.T) {
	ts := newTestServer(t)

	ws := dialWS(t, ts.wsURL("/ws/device"), deviceHeader("token-1"))
	require.Equal(t, wire.TypeConnReady, readEnvelope(t, ws).Type)

	env, err := wire.Marshal(wire.TypeCreateInvoice, 1, wire.CreateInvoiceRequest{AmountSats: 1000})
	require.NoError(t, err)
	writeEnvelope(t, ws, env)

	reply := readEnvelope(t, ws)
	var inv wire.CreateInvoiceReply
	require.NoError(t, reply.Decode(&inv))
	assert.Empty(t, inv.PaymentRequest, "unclaimed devices cannot issue invoices")
}

func TestClaimedDeviceFullFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ud, err := ts.store.CreateUnclaimedDevice(ctx, "token-1")
	require.NoError(t, err)
	_, err = ts.store.ClaimDevice(ctx, ud.SetupCode, "op-1", "Machine")
	require.NoError(t, err)

	ws := dialWS(t, ts.wsURL("/ws/device"), deviceHeader("token-1"))
	require.Equal(t, wire.TypeConnReady, readEnvelope(t, ws).Type)

	// Claimed state comes back from getState.
	writeEnvelope(t, ws, &wire.Envelope{Type: wire.TypeGetState, ID: 1})
	reply := readEnvelope(t, ws)
	var state wire.DeviceState
	require.NoError(t, reply.Decode(&state))
	require.NotNil(t, state.Device)
	assert.Equal(t, "Machine", state.Device.DisplayName)

	// Command inventory push succeeds for a claimed device.
	env, err := wire.Marshal(wire.TypeSetCommands, 2, wire.CommandInventory{
		NullCommands: []string{"vend_1"},
	})
	require.NoError(t, err)
	writeEnvelope(t, ws, env)
	reply = readEnvelope(t, ws)
	var cmdReply wire.SetCommandsReply
	require.NoError(t, reply.Decode(&cmdReply))
	assert.True(t, cmdReply.OK)

	// Invoice issuance returns a payment request and records the creator.
	env, err = wire.Marshal(wire.TypeCreateInvoice, 3, wire.CreateInvoiceRequest{AmountSats: 1500})
	require.NoError(t, err)
	writeEnvelope(t, ws, env)
	reply = readEnvelope(t, ws)
	var inv wire.CreateInvoiceReply
	require.NoError(t, reply.Decode(&inv))
	require.NotEmpty(t, inv.PaymentRequest)

	_, ok := ts.gw.coordinator.Tracker().CreatorOf(inv.PaymentRequest)
	assert.True(t, ok)
}

func TestDeviceReceivesSettlementNotice(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ud, err := ts.store.CreateUnclaimedDevice(ctx, "token-1")
	require.NoError(t, err)
	_, err = ts.store.ClaimDevice(ctx, ud.SetupCode, "op-1", "Machine")
	require.NoError(t, err)

	ws := dialWS(t, ts.wsURL("/ws/device"), deviceHeader("token-1"))
	require.Equal(t, wire.TypeConnReady, readEnvelope(t, ws).Type)

	env, err := wire.Marshal(wire.TypeCreateInvoice, 1, wire.CreateInvoiceRequest{AmountSats: 1500})
	require.NoError(t, err)
	writeEnvelope(t, ws, env)
	reply := readEnvelope(t, ws)
	var inv wire.CreateInvoiceReply
	require.NoError(t, reply.Decode(&inv))

	// Settlement arrives from the payment stream.
	ts.gw.coordinator.handlePaymentEvent(ctx, payments.Event{
		PaymentRequest: inv.PaymentRequest,
		State:          payments.StateSettled,
	})

	notice := readEnvelope(t, ws)
	require.Equal(t, wire.TypeSettlementNotice, notice.Type)
	require.NotZero(t, notice.ID)

	var sn wire.SettlementNotice
	require.NoError(t, notice.Decode(&sn))
	assert.Equal(t, inv.PaymentRequest, sn.PaymentRequest)

	// Device acks; the unacked record clears.
	dev, err := ts.store.DeviceBySessionToken(ctx, "token-1")
	require.NoError(t, err)
	ident := identity.Device{Owner: dev.Owner, DeviceID: dev.DeviceID}

	writeEnvelope(t, ws, &wire.Envelope{Type: wire.TypeAck, ID: notice.ID})

	require.Eventually(t, func() bool {
		return len(ts.gw.coordinator.Tracker().UnackedFor(ident)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAdminHandshakeRequiresValidJWT(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.wsURL("/ws/admin"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminClaimFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ud, err := ts.store.CreateUnclaimedDevice(ctx, "token-1")
	require.NoError(t, err)

	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))
	jwt, err := verifier.Generate("op-1", time.Hour)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Cookie", auth.AdminSessionCookie+"="+jwt)
	ws := dialWS(t, ts.wsURL("/ws/admin"), h)

	require.Equal(t, wire.TypeConnReady, readEnvelope(t, ws).Type)

	// Initial aggregate view: no devices yet.
	env := readEnvelope(t, ws)
	require.Equal(t, wire.TypeAdminState, env.Type)
	var state wire.AdminState
	require.NoError(t, env.Decode(&state))
	assert.Equal(t, "op-1", state.Operator)
	assert.Empty(t, state.Devices)

	// Claim the pending device.
	claim, err := wire.Marshal(wire.TypeClaimDevice, 1, wire.ClaimDeviceRequest{
		SetupCode:   ud.SetupCode,
		DisplayName: "Lobby Machine",
	})
	require.NoError(t, err)
	writeEnvelope(t, ws, claim)

	// A refreshed admin state and the reply both arrive; order between
	// the push and the reply is not fixed.
	var result *wire.Result
	var lastState *wire.AdminState
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, ws)
		switch env.Type {
		case wire.TypeReply:
			var res wire.Result
			require.NoError(t, env.Decode(&res))
			result = &res
		case wire.TypeAdminState:
			var st wire.AdminState
			require.NoError(t, env.Decode(&st))
			lastState = &st
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, wire.ResultOK, result.Code)
	require.NotNil(t, lastState)
	require.Len(t, lastState.Devices, 1)
	assert.Equal(t, "Lobby Machine", lastState.Devices[0].Device.DisplayName)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
