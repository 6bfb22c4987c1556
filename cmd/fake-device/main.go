// ABOUTME: Minimal fake vending device for E2E testing — connects over websocket.
// ABOUTME: Usage: fake-device [-addr localhost:8080] [-token-file /tmp/fake-device.token]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lnvend/vend-gateway/internal/gateway"
	"github.com/lnvend/vend-gateway/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway address")
	tokenFile := flag.String("token-file", "/tmp/fake-device.token", "where the session token is stored")
	buy := flag.Int64("buy", 0, "request an invoice for this many sats after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *tokenFile, *buy); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, tokenFile string, buy int64) error {
	token, err := loadToken(tokenFile)
	if err != nil {
		return err
	}

	for {
		newToken, err := session(ctx, addr, token, buy)
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return err
		}
		if newToken == "" {
			return nil
		}

		// First contact: the gateway issued a session token. Store it and
		// reconnect as that device.
		if err := os.WriteFile(tokenFile, []byte(newToken), 0600); err != nil {
			return fmt.Errorf("storing session token: %w", err)
		}
		fmt.Fprintf(os.Stderr, "session token stored in %s, reconnecting\n", tokenFile)
		token = newToken
	}
}

// session runs one websocket connection. It returns a non-empty token when
// the gateway issued a fresh session and the caller should reconnect.
func session(ctx context.Context, addr, token string, buy int64) (string, error) {
	url := fmt.Sprintf("ws://%s/ws/device", addr)

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{
			"Cookie": []string{gateway.DeviceSessionCookie + "=" + token},
		}
	}

	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", url, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	var reqID uint64

	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			if ctx.Err() != nil {
				return "", nil
			}
			return "", fmt.Errorf("read error: %w", err)
		}

		switch env.Type {
		case wire.TypeNoSession:
			tok := sessionCookie(resp)
			if tok == "" {
				return "", fmt.Errorf("gateway sent noSession but no session cookie")
			}
			return tok, nil

		case wire.TypeConnReady:
			reqID++
			req, err := wire.Marshal(wire.TypeGetState, reqID, nil)
			if err != nil {
				return "", err
			}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				return "", fmt.Errorf("requesting state: %w", err)
			}

		case wire.TypeReply:
			if err := handleReply(ctx, ws, &env, &reqID, buy); err != nil {
				return "", err
			}

		case wire.TypeDeviceState:
			var state wire.DeviceState
			if err := env.Decode(&state); err != nil {
				return "", err
			}
			printState(&state)

		case wire.TypeSettlementNotice:
			var notice wire.SettlementNotice
			if err := env.Decode(&notice); err != nil {
				return "", err
			}
			fmt.Printf("PAID: %s\n", notice.PaymentRequest)

			ack, err := wire.Marshal(wire.TypeAck, env.ID, nil)
			if err != nil {
				return "", err
			}
			if err := wsjson.Write(ctx, ws, ack); err != nil {
				return "", fmt.Errorf("acking settlement: %w", err)
			}

		default:
			log.Printf("ignoring message type %q", env.Type)
		}
	}
}

// handleReply deals with the getState and createInvoice replies. The state
// reply triggers the optional invoice request; the invoice reply prints the
// payment request a buyer would scan.
func handleReply(ctx context.Context, ws *websocket.Conn, env *wire.Envelope, reqID *uint64, buy int64) error {
	var state wire.DeviceState
	if err := env.Decode(&state); err == nil && (state.Device != nil || state.Unclaimed != nil) {
		printState(&state)

		if buy > 0 && state.Device != nil {
			*reqID++
			req, err := wire.Marshal(wire.TypeCreateInvoice, *reqID, &wire.CreateInvoiceRequest{AmountSats: buy})
			if err != nil {
				return err
			}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				return fmt.Errorf("requesting invoice: %w", err)
			}
		}
		return nil
	}

	var invoice wire.CreateInvoiceReply
	if err := env.Decode(&invoice); err == nil && invoice.PaymentRequest != "" {
		fmt.Printf("invoice: %s\n", invoice.PaymentRequest)
		return nil
	}

	log.Printf("unrecognized reply: %s", string(env.Data))
	return nil
}

func printState(state *wire.DeviceState) {
	switch {
	case state.Unclaimed != nil:
		fmt.Printf("unclaimed device %s\n", state.Unclaimed.Name)
		fmt.Printf("setup code: %s\n", state.Unclaimed.SetupCode)
	case state.Device != nil:
		fmt.Printf("claimed device %s (%s)\n", state.Device.Name, state.Device.DisplayName)
		for _, item := range state.Device.Inventory {
			fmt.Printf("  %s — %d sats (%s)\n", item.DisplayName, item.PriceSats, item.Command)
		}
	}
}

func sessionCookie(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Cookies() {
		if c.Name == gateway.DeviceSessionCookie {
			return c.Value
		}
	}
	return ""
}

func loadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading session token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
