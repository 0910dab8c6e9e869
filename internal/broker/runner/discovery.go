package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// Capability discovery paginates the corresponding list request with one-off
// ids. Pagination halts at the page cap or once the cumulative item count
// exceeds the item cap, and any error returns whatever was collected so far:
// discovery failures must never block session establishment.

// ListTools pages through tools/list
func (c *core) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return listPaginated(ctx, c, string(mcp.MethodToolsList),
		func(result json.RawMessage) ([]mcp.Tool, string, error) {
			var res mcp.ListToolsResult
			if err := json.Unmarshal(result, &res); err != nil {
				return nil, "", fmt.Errorf("decode tools page: %w", err)
			}
			return res.Tools, string(res.NextCursor), nil
		})
}

// ListPrompts pages through prompts/list
func (c *core) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return listPaginated(ctx, c, string(mcp.MethodPromptsList),
		func(result json.RawMessage) ([]mcp.Prompt, string, error) {
			var res mcp.ListPromptsResult
			if err := json.Unmarshal(result, &res); err != nil {
				return nil, "", fmt.Errorf("decode prompts page: %w", err)
			}
			return res.Prompts, string(res.NextCursor), nil
		})
}

// ListResourceTemplates pages through resources/templates/list
func (c *core) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return listPaginated(ctx, c, string(mcp.MethodResourcesTemplatesList),
		func(result json.RawMessage) ([]mcp.ResourceTemplate, string, error) {
			var res mcp.ListResourceTemplatesResult
			if err := json.Unmarshal(result, &res); err != nil {
				return nil, "", fmt.Errorf("decode resource templates page: %w", err)
			}
			return res.ResourceTemplates, string(res.NextCursor), nil
		})
}

func listPaginated[T any](
	ctx context.Context,
	c *core,
	method string,
	parse func(result json.RawMessage) ([]T, string, error),
) ([]T, error) {
	var items []T
	cursor := ""

	for page := 0; page < config.DefaultDiscoveryMaxPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		env, err := protocol.NewRequest(protocol.NewOneOffID(), method, params)
		if err != nil {
			return items, err
		}

		resp, err := c.SendAndWait(ctx, env)
		if err != nil {
			return items, err
		}
		if len(resp.Error) > 0 {
			return items, fmt.Errorf("%s page %d: %s", method, page, string(resp.Error))
		}

		pageItems, next, err := parse(resp.Result)
		if err != nil {
			return items, err
		}
		items = append(items, pageItems...)

		if next == "" || len(items) > config.DefaultDiscoveryMaxItems {
			break
		}
		cursor = next
	}
	return items, nil
}
