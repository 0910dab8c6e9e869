package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeRejectsNonJSONRPC(t *testing.T) {
	if _, err := Decode([]byte(`{"jsonrpc":"1.0","method":"x"}`)); err == nil {
		t.Error("Expected error for wrong jsonrpc version")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    MessageType
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, TypeRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, TypeNotification},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, TypeResponse},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad"}}`, TypeError},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, TypeNotification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got := env.Classify(); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIDStringPreservesNumericIDs(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := env.IDString(); got != "42" {
		t.Errorf("IDString() = %q, want %q", got, "42")
	}

	// The raw id must survive re-encoding byte-for-byte.
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"id":42`) {
		t.Errorf("Numeric id not preserved in %s", data)
	}
}

func TestIDStringUnquotesStringIDs(t *testing.T) {
	env := &Envelope{}
	env.SetID("abc-123")
	if got := env.IDString(); got != "abc-123" {
		t.Errorf("IDString() = %q, want %q", got, "abc-123")
	}
}

func TestIsPing(t *testing.T) {
	req, _ := NewRequest(NewPingID(), "ping", nil)
	if !req.IsPing() {
		t.Error("Ping request not recognized")
	}

	pong := &Envelope{JSONRPC: "2.0", Result: json.RawMessage(`{}`)}
	pong.SetID(NewPingID())
	if !pong.IsPing() {
		t.Error("Ping response not recognized by marker")
	}

	other := &Envelope{JSONRPC: "2.0", Result: json.RawMessage(`{}`)}
	other.SetID("client-1")
	if other.IsPing() {
		t.Error("Ordinary response misclassified as ping")
	}
}

func TestOverrideParamsFieldKeepsOtherFields(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-01-01","clientInfo":{"name":"t"}}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := env.OverrideParamsField("protocolVersion", "2025-03-26"); err != nil {
		t.Fatalf("OverrideParamsField failed: %v", err)
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &params); err != nil {
		t.Fatalf("Unmarshal params failed: %v", err)
	}
	if string(params["protocolVersion"]) != `"2025-03-26"` {
		t.Errorf("protocolVersion = %s, want %q", params["protocolVersion"], "2025-03-26")
	}
	if string(params["clientInfo"]) != `{"name":"t"}` {
		t.Errorf("clientInfo was disturbed: %s", params["clientInfo"])
	}
}

func TestUnifiedID(t *testing.T) {
	a := UnifiedID("session-1", "42")
	b := UnifiedID("session-1", "42")
	if a != b {
		t.Errorf("UnifiedID not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, UnifiedIDPrefix) {
		t.Errorf("UnifiedID %q missing prefix", a)
	}
	if UnifiedID("session-2", "42") == a {
		t.Error("UnifiedID should differ across sessions")
	}
	if UnifiedID("session-1", "43") == a {
		t.Error("UnifiedID should differ across original ids")
	}

	// Already-unified ids pass through unchanged.
	if got := UnifiedID("session-1", a); got != a {
		t.Errorf("UnifiedID(%q) = %q, want unchanged", a, got)
	}
	if got := UnifiedID("session-1", ""); got != "" {
		t.Errorf("UnifiedID of empty id = %q, want empty", got)
	}
}

func TestMarkers(t *testing.T) {
	if !HasMarker(NewInitID(), MarkerInit) {
		t.Error("Init id missing init marker")
	}
	if !HasMarker(NewPingID(), MarkerPing) {
		t.Error("Ping id missing ping marker")
	}
	if !HasMarker(NewOneOffID(), MarkerOneOff) {
		t.Error("One-off id missing one-off marker")
	}
	if HasMarker("client-1", MarkerPing) {
		t.Error("Plain id should carry no marker")
	}
	if NewOneOffID() == NewOneOffID() {
		t.Error("Minted ids should be unique")
	}
}
