// Package protocol implements the JSON-RPC 2.0 envelope handling the broker
// relays between client sessions and server runs, including the id marker
// scheme used to classify traffic and the unified-id derivation that keeps
// request/response correlation stable across participants.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// MessageType is the logical classification of a relayed JSON-RPC message
type MessageType string

const (
	// TypeRequest is a method call carrying an id
	TypeRequest MessageType = "request"
	// TypeResponse is a result correlated to a request id
	TypeResponse MessageType = "response"
	// TypeNotification is a method call without an id
	TypeNotification MessageType = "notification"
	// TypeError is an error object correlated to a request id
	TypeError MessageType = "error"
	// TypeServerError is a broker-synthesized out-of-band server failure
	TypeServerError MessageType = "server_error"
)

// RelayTypes lists the message types a run manager pulls from the bus
var RelayTypes = []MessageType{TypeRequest, TypeResponse, TypeNotification, TypeError}

var (
	// ErrNotJSONRPC is returned for payloads that are not JSON-RPC 2.0 envelopes
	ErrNotJSONRPC = errors.New("payload is not a JSON-RPC 2.0 envelope")
	// ErrNoID is returned when an operation needs an envelope id and none is set
	ErrNoID = errors.New("envelope has no id")
)

// Envelope is a decoded JSON-RPC 2.0 message. The id is kept as raw JSON so
// numeric client ids survive relay byte-for-byte.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Decode parses a raw payload into an Envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.JSONRPC != mcp.JSONRPC_VERSION {
		return nil, ErrNotJSONRPC
	}
	return &env, nil
}

// Encode serializes the envelope back to raw JSON
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// HasID reports whether the envelope carries a non-null id
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

// IDString renders the envelope id for classification and correlation.
// String ids are unquoted; numeric ids keep their literal form.
func (e *Envelope) IDString() string {
	if !e.HasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(e.ID)
}

// SetID replaces the envelope id with a string id
func (e *Envelope) SetID(id string) {
	e.ID = json.RawMessage(strconv.Quote(id))
}

// Classify determines the logical message type from the envelope shape
func (e *Envelope) Classify() MessageType {
	switch {
	case e.Method != "" && e.HasID():
		return TypeRequest
	case e.Method != "":
		return TypeNotification
	case len(e.Error) > 0:
		return TypeError
	default:
		return TypeResponse
	}
}

// IsPing reports whether the envelope is ping traffic: either a ping method
// call or a response whose id carries the ping marker
func (e *Envelope) IsPing() bool {
	if e.Method == string(mcp.MethodPing) {
		return true
	}
	return e.Method == "" && HasMarker(e.IDString(), MarkerPing)
}

// IsInitialize reports whether the envelope is an initialize request
func (e *Envelope) IsInitialize() bool {
	return e.Method == string(mcp.MethodInitialize)
}

// NewRequest builds a request envelope with the given string id
func NewRequest(id, method string, params any) (*Envelope, error) {
	env := &Envelope{JSONRPC: mcp.JSONRPC_VERSION, Method: method}
	env.SetID(id)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// NewNotification builds a notification envelope
func NewNotification(method string, params any) (*Envelope, error) {
	env := &Envelope{JSONRPC: mcp.JSONRPC_VERSION, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// OverrideParamsField rewrites one top-level field of the params object,
// leaving every other field untouched
func (e *Envelope) OverrideParamsField(key string, value any) error {
	raw, err := overrideField(e.Params, key, value)
	if err != nil {
		return err
	}
	e.Params = raw
	return nil
}

// OverrideResultField rewrites one top-level field of the result object
func (e *Envelope) OverrideResultField(key string, value any) error {
	raw, err := overrideField(e.Result, key, value)
	if err != nil {
		return err
	}
	e.Result = raw
	return nil
}

func overrideField(raw json.RawMessage, key string, value any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
	}
	enc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	obj[key] = enc
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	return out, nil
}
