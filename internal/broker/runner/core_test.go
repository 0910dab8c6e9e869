package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeTransport records outbound payloads and lets tests inject failures
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	closed   bool
	closedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closedCh: make(chan struct{}, 1)}
}

func (f *fakeTransport) send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.closedCh <- struct{}{}:
	default:
	}
}

func (f *fakeTransport) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestCore(t *testing.T) (*core, *fakeTransport, *Registry) {
	t.Helper()
	transport := newFakeTransport()
	registry := NewRegistry()
	c := newCore("run-1", true, registry, testLogger())
	c.sendRaw = transport.send
	c.closeConn = transport.close
	c.oneOffGrace = 10 * time.Millisecond
	registry.Register(c)
	return c, transport, registry
}

func TestSendOverridesInitializeProtocolVersion(t *testing.T) {
	ctx := context.Background()
	c, transport, _ := newTestCore(t)

	env, err := protocol.NewRequest("1", string(mcp.MethodInitialize), map[string]any{
		"protocolVersion": "1999-01-01",
		"clientInfo":      map[string]string{"name": "test"},
	})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if err := c.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := transport.payloads()
	if len(sent) != 1 {
		t.Fatalf("Sent %d payloads, want 1", len(sent))
	}
	out, err := protocol.Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(out.Params, &params); err != nil {
		t.Fatalf("Unmarshal params failed: %v", err)
	}
	var version string
	if err := json.Unmarshal(params["protocolVersion"], &version); err != nil {
		t.Fatalf("Bad protocolVersion: %v", err)
	}
	if version != mcp.LATEST_PROTOCOL_VERSION {
		t.Errorf("protocolVersion = %q, want %q", version, mcp.LATEST_PROTOCOL_VERSION)
	}
	if string(params["clientInfo"]) != `{"name":"test"}` {
		t.Errorf("clientInfo disturbed: %s", params["clientInfo"])
	}
}

func TestSendFailureEmitsError(t *testing.T) {
	ctx := context.Background()
	c, transport, _ := newTestCore(t)
	transport.sendErr = errors.New("connection refused")

	got := make(chan error, 1)
	c.OnError(func(err error) { got <- err })

	env, _ := protocol.NewRequest("1", "tools/list", nil)
	if err := c.Send(ctx, env); err == nil {
		t.Error("Send should return the transport error")
	}

	select {
	case err := <-got:
		if err == nil {
			t.Error("Nil error emitted")
		}
	case <-time.After(time.Second):
		t.Fatal("Error never emitted")
	}

	if c.isClosed() {
		t.Error("Send failure must not close the adapter")
	}
}

func TestSendAndWaitCorrelatesResponse(t *testing.T) {
	ctx := context.Background()
	c, transport, _ := newTestCore(t)

	leaked := make(chan *protocol.Envelope, 1)
	c.OnMessage(func(env *protocol.Envelope) { leaked <- env })

	env, _ := protocol.NewRequest("", "tools/list", nil)
	type result struct {
		resp *protocol.Envelope
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := c.SendAndWait(ctx, env)
		resCh <- result{resp, err}
	}()

	// Wait for the request to go out, then answer it on the inbound path.
	var sentID string
	deadline := time.Now().Add(2 * time.Second)
	for sentID == "" {
		if time.Now().After(deadline) {
			t.Fatal("Request never sent")
		}
		if payloads := transport.payloads(); len(payloads) > 0 {
			out, err := protocol.Decode(payloads[0])
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			sentID = out.IDString()
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !protocol.HasMarker(sentID, protocol.MarkerOneOff) {
		t.Errorf("One-off request id %q missing marker", sentID)
	}

	resp := &protocol.Envelope{JSONRPC: mcp.JSONRPC_VERSION, Result: json.RawMessage(`{"tools":[]}`)}
	resp.SetID(sentID)
	c.dispatchInbound(resp)

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("SendAndWait failed: %v", res.err)
		}
		if string(res.resp.Result) != `{"tools":[]}` {
			t.Errorf("Result = %s", res.resp.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndWait never resolved")
	}

	// The intercepted response must not reach generic subscribers.
	select {
	case env := <-leaked:
		t.Errorf("One-off response leaked to OnMessage: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundPingIsAbsorbedAndAnswered(t *testing.T) {
	c, transport, _ := newTestCore(t)

	leaked := make(chan *protocol.Envelope, 1)
	c.OnMessage(func(env *protocol.Envelope) { leaked <- env })

	// A ping request from the server gets an empty-result answer.
	ping, _ := protocol.NewRequest("srv-ping-1", string(mcp.MethodPing), nil)
	c.dispatchInbound(ping)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if payloads := transport.payloads(); len(payloads) > 0 {
			out, err := protocol.Decode(payloads[0])
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if out.IDString() != "srv-ping-1" || string(out.Result) != `{}` {
				t.Errorf("Ping answer = %+v", out)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Ping never answered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A pong for one of our own pings is silently absorbed.
	pong := &protocol.Envelope{JSONRPC: mcp.JSONRPC_VERSION, Result: json.RawMessage(`{}`)}
	pong.SetID(protocol.NewPingID())
	c.dispatchInbound(pong)

	select {
	case env := <-leaked:
		t.Errorf("Ping traffic leaked to OnMessage: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundTrafficRefreshesLastMessageAt(t *testing.T) {
	c, _, _ := newTestCore(t)

	before := c.LastMessageAt()
	time.Sleep(5 * time.Millisecond)
	note, _ := protocol.NewNotification("notifications/progress", nil)
	c.dispatchInbound(note)

	if !c.LastMessageAt().After(before) {
		t.Error("LastMessageAt not refreshed by inbound traffic")
	}
}

func TestCloseIsIdempotentAndUnregisters(t *testing.T) {
	c, transport, registry := newTestCore(t)

	var closeCount int
	var mu sync.Mutex
	c.OnClose(func() {
		mu.Lock()
		closeCount++
		mu.Unlock()
	})

	if registry.Len() != 1 {
		t.Fatalf("Registry len = %d, want 1", registry.Len())
	}

	c.Close()
	c.Close()

	mu.Lock()
	if closeCount != 1 {
		t.Errorf("Close handlers fired %d times, want 1", closeCount)
	}
	mu.Unlock()

	if registry.Len() != 0 {
		t.Errorf("Registry len after close = %d, want 0", registry.Len())
	}
	transport.mu.Lock()
	if !transport.closed {
		t.Error("Transport teardown never ran")
	}
	transport.mu.Unlock()

	if _, err := c.SendAndWait(context.Background(), &protocol.Envelope{}); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("SendAndWait after close = %v, want ErrAdapterClosed", err)
	}
}
