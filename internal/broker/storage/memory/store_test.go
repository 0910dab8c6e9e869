package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	session := &storage.Session{ID: "s1", GroupID: "g1", VariantID: "v1"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.CreateSession(ctx, session); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Duplicate create = %v, want ErrAlreadyExists", err)
	}

	if err := store.MarkInitialized(ctx, "s1", storage.HandshakeState{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      json.RawMessage(`{"name":"test"}`),
	}); err != nil {
		t.Fatalf("MarkInitialized failed: %v", err)
	}
	if err := store.AddUsage(ctx, "s1", storage.ParticipantClient, 3); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if err := store.MarkSessionStopped(ctx, "s1"); err != nil {
		t.Fatalf("MarkSessionStopped failed: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.MCPInitialized || got.ProtocolVersion != "2024-11-05" {
		t.Errorf("Handshake not persisted: %+v", got)
	}
	if got.ClientMessageCount != 3 {
		t.Errorf("ClientMessageCount = %d, want 3", got.ClientMessageCount)
	}
	if !got.Stopped {
		t.Error("Session not marked stopped")
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}
}

func TestRunTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	run := &storage.ServerRun{ID: "r1", SessionID: "s1", Type: storage.RunTypeExternal, Status: storage.RunStatusActive}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if ok, err := store.MarkRunActive(ctx, "r1", now); err != nil || !ok {
		t.Fatalf("MarkRunActive = %v, %v; want true", ok, err)
	}

	active, err := store.GetActiveRun(ctx, "s1")
	if err != nil || active.ID != "r1" {
		t.Fatalf("GetActiveRun = %v, %v; want r1", active, err)
	}

	// A failure marker wins; a later complete must not overwrite it.
	failed, err := store.FailRun(ctx, "r1", now)
	if err != nil || !failed {
		t.Fatalf("FailRun = %v, %v; want true", failed, err)
	}
	completed, err := store.CompleteRun(ctx, "r1", now)
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if completed {
		t.Error("CompleteRun overwrote a failed run")
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != storage.RunStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if _, err := store.GetActiveRun(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetActiveRun after failure = %v, want ErrNotFound", err)
	}

	// Marking active must not resurrect the retired run either.
	ok, err := store.MarkRunActive(ctx, "r1", now)
	if err != nil {
		t.Fatalf("MarkRunActive failed: %v", err)
	}
	if ok {
		t.Error("MarkRunActive resurrected a failed run")
	}
	got, err = store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != storage.RunStatusFailed {
		t.Errorf("Status after MarkRunActive = %q, want failed", got.Status)
	}
	if _, err := store.GetActiveRun(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetActiveRun after MarkRunActive = %v, want ErrNotFound", err)
	}
}

func TestCompleteRunFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	run := &storage.ServerRun{ID: "r1", SessionID: "s1", Status: storage.RunStatusActive}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	first, err := store.CompleteRun(ctx, "r1", now)
	if err != nil || !first {
		t.Fatalf("First CompleteRun = %v, %v; want true", first, err)
	}
	second, err := store.CompleteRun(ctx, "r1", now)
	if err != nil {
		t.Fatalf("Second CompleteRun failed: %v", err)
	}
	if second {
		t.Error("Second CompleteRun reported a transition")
	}
}

func seedMessages(t *testing.T, store *Store, sessionID string, n int) []*storage.Message {
	t.Helper()
	msgs := make([]*storage.Message, 0, n)
	for i := 0; i < n; i++ {
		originalID := protocol.NewMessageID()
		msgs = append(msgs, &storage.Message{
			SessionID:  sessionID,
			Type:       protocol.TypeRequest,
			Sender:     storage.ParticipantClient,
			OriginalID: originalID,
			UnifiedID:  protocol.UnifiedID(sessionID, originalID),
			Payload:    json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"x"}`),
		})
	}
	created, err := store.CreateMessages(context.Background(), msgs)
	if err != nil {
		t.Fatalf("CreateMessages failed: %v", err)
	}
	return created
}

func TestCreateMessagesAssignsMonotonicSeq(t *testing.T) {
	store := NewStore()
	created := seedMessages(t, store, "s1", 5)

	var prev int64
	for i, msg := range created {
		if msg.ID == "" {
			t.Errorf("Message %d has no id", i)
		}
		if msg.Seq <= prev {
			t.Errorf("Seq not monotonic at %d: %d after %d", i, msg.Seq, prev)
		}
		prev = msg.Seq
	}
}

func TestListMessagesFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	created := seedMessages(t, store, "s1", 4)
	seedMessages(t, store, "other", 2)

	// Filter by unified id matches, and results come back in seq order.
	out, err := store.ListMessages(ctx, storage.MessageFilter{
		SessionID: "s1",
		IDs:       []string{created[2].UnifiedID, created[0].OriginalID},
	})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Got %d messages, want 2", len(out))
	}
	if out[0].Seq >= out[1].Seq {
		t.Errorf("Results not seq-ascending: %d, %d", out[0].Seq, out[1].Seq)
	}

	// AfterSeq excludes earlier messages.
	out, err = store.ListMessages(ctx, storage.MessageFilter{SessionID: "s1", AfterSeq: created[1].Seq})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("AfterSeq returned %d messages, want 2", len(out))
	}

	// Limit caps the batch.
	out, err = store.ListMessages(ctx, storage.MessageFilter{SessionID: "s1", Limit: 3})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("Limit returned %d messages, want 3", len(out))
	}
}

func TestMarkHandledExcludesFromDefaultPull(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	created := seedMessages(t, store, "s1", 2)

	if err := store.MarkHandled(ctx, []string{created[0].ID}); err != nil {
		t.Fatalf("MarkHandled failed: %v", err)
	}

	out, err := store.ListMessages(ctx, storage.MessageFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(out) != 1 || out[0].ID != created[1].ID {
		t.Errorf("Default pull returned handled message: %+v", out)
	}

	out, err = store.ListMessages(ctx, storage.MessageFilter{SessionID: "s1", IncludeHandled: true})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("IncludeHandled returned %d messages, want 2", len(out))
	}
}

func TestCatalogCapabilities(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	if err := store.CreateVersion(ctx, &storage.ServerVersion{ID: "ver1"}); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	if err := store.CreateVariant(ctx, &storage.ServerVariant{ID: "var1", VersionID: "ver1", Type: storage.RunTypeExternal}); err != nil {
		t.Fatalf("CreateVariant failed: %v", err)
	}

	version, err := store.GetVersion(ctx, "ver1")
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if !version.Capabilities.Empty() {
		t.Error("Fresh version should have empty capabilities")
	}

	caps := storage.Capabilities{Tools: json.RawMessage(`[{"name":"echo"}]`)}
	if err := store.SaveVersionCapabilities(ctx, "ver1", caps); err != nil {
		t.Fatalf("SaveVersionCapabilities failed: %v", err)
	}
	if err := store.SaveVariantCapabilities(ctx, "var1", caps); err != nil {
		t.Fatalf("SaveVariantCapabilities failed: %v", err)
	}

	version, _ = store.GetVersion(ctx, "ver1")
	variant, _ := store.GetVariant(ctx, "var1")
	if version.Capabilities.Empty() || variant.Capabilities.Empty() {
		t.Error("Capabilities not persisted")
	}
}
