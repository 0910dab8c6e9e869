package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// pagingServer answers list requests on the inbound path, simulating a
// cursor-paginating server
type pagingServer struct {
	c *core
	// respond builds one page for the given cursor
	respond func(cursor string) (items []map[string]any, nextCursor string, fail bool)
	pages   int
}

func newPagingServer(t *testing.T, respond func(cursor string) ([]map[string]any, string, bool)) *pagingServer {
	t.Helper()
	ps := &pagingServer{respond: respond}
	c := newCore("run-1", true, NewRegistry(), testLogger())
	c.closeConn = func() {}
	c.sendRaw = func(ctx context.Context, payload []byte) error {
		req, err := protocol.Decode(payload)
		if err != nil {
			return err
		}
		var params struct {
			Cursor string `json:"cursor"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return err
			}
		}

		ps.pages++
		items, next, fail := ps.respond(params.Cursor)
		resp := &protocol.Envelope{JSONRPC: mcp.JSONRPC_VERSION, ID: req.ID}
		if fail {
			resp.Error = json.RawMessage(`{"code":-32000,"message":"boom"}`)
		} else {
			raw, err := json.Marshal(map[string]any{"tools": items, "nextCursor": next})
			if err != nil {
				return err
			}
			resp.Result = raw
		}
		go c.dispatchInbound(resp)
		return nil
	}
	ps.c = c
	return ps
}

func toolPage(n int, prefix string) []map[string]any {
	items := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"name":        fmt.Sprintf("%s-%d", prefix, i),
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return items
}

func TestListToolsFollowsCursors(t *testing.T) {
	cursors := map[string]string{"": "page2", "page2": "page3", "page3": ""}
	ps := newPagingServer(t, func(cursor string) ([]map[string]any, string, bool) {
		return toolPage(2, "tool"+cursor), cursors[cursor], false
	})

	tools, err := ps.c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 6 {
		t.Errorf("Collected %d tools, want 6", len(tools))
	}
	if ps.pages != 3 {
		t.Errorf("Fetched %d pages, want 3", ps.pages)
	}
}

func TestListToolsStopsAtPageCap(t *testing.T) {
	ps := newPagingServer(t, func(cursor string) ([]map[string]any, string, bool) {
		// Always another page; the cap must stop us.
		return toolPage(1, "tool"), "more", false
	})

	tools, err := ps.c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if ps.pages != 20 {
		t.Errorf("Fetched %d pages, want 20", ps.pages)
	}
	if len(tools) != 20 {
		t.Errorf("Collected %d tools, want 20", len(tools))
	}
}

func TestListToolsStopsAtItemCap(t *testing.T) {
	ps := newPagingServer(t, func(cursor string) ([]map[string]any, string, bool) {
		return toolPage(60, "tool"), "more", false
	})

	tools, err := ps.c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	// 60 after page one, 120 (> 100) after page two stops pagination.
	if ps.pages != 2 {
		t.Errorf("Fetched %d pages, want 2", ps.pages)
	}
	if len(tools) != 120 {
		t.Errorf("Collected %d tools, want 120", len(tools))
	}
}

func TestListToolsReturnsPartialOnError(t *testing.T) {
	ps := newPagingServer(t, func(cursor string) ([]map[string]any, string, bool) {
		if cursor == "page2" {
			return nil, "", true
		}
		return toolPage(2, "tool"), "page2", false
	})

	tools, err := ps.c.ListTools(context.Background())
	if err == nil {
		t.Error("Expected error from failing page")
	}
	if len(tools) != 2 {
		t.Errorf("Collected %d tools before failure, want 2", len(tools))
	}
}
