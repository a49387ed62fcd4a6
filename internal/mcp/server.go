// Package mcp provides a Model Context Protocol server for spikekit.
//
// It exposes the refinement engine (recommendations, merge, split, move,
// discard, undo/redo, stats) as MCP tools, and the review queue and cluster
// summaries as MCP resources, over stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spikekit/spikekit/internal/queue"
	"github.com/spikekit/spikekit/internal/refine"
	"github.com/spikekit/spikekit/internal/session"
	"github.com/spikekit/spikekit/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Controller *refine.Controller
	Session    *session.Store // optional, enables spike_save
	SessionID  string
	Version    string
}

// engineMu serializes all MCP tool calls. The mcp-go library dispatches
// handlers concurrently via goroutines, and the refinement engine mutates a
// single shared partition with synchronous observer fan-out, so only one
// operation may run at a time.
var engineMu sync.Mutex

// NewServer creates a configured MCP server with all spikekit tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"spikekit",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerNextTool(s, cfg.Controller)
	registerPreviousTool(s, cfg.Controller)
	registerSkipTool(s, cfg.Controller)
	registerMergeTool(s, cfg.Controller)
	registerSplitTool(s, cfg.Controller)
	registerMoveTool(s, cfg.Controller)
	registerDiscardTool(s, cfg.Controller)
	registerKeepTool(s, cfg.Controller)
	registerUndoTool(s, cfg.Controller)
	registerRedoTool(s, cfg.Controller)
	registerStatsTool(s, cfg.Controller)
	registerClusterTool(s, cfg.Controller)
	registerRenumberTool(s, cfg.Controller)
	if cfg.Session != nil {
		registerSaveTool(s, cfg.Controller, cfg.Session, cfg.SessionID)
	}

	registerStatsResource(s, cfg.Controller)
	registerQueueResource(s, cfg.Controller)

	return s
}

// --- Tools ---

func registerNextTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_next",
		mcp.WithDescription("Get the next review recommendation: either a probably-contaminated cluster or a probable-duplicate pair. Returns null when nothing is left to review."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		item, err := ctl.NextRecommendation()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recommendation error: %v", err)), nil
		}
		if item == nil {
			return mcp.NewToolResultText(`{"done": true, "message": "nothing left to review"}`), nil
		}
		return itemResult(ctl, item)
	})
}

func registerPreviousTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_previous",
		mcp.WithDescription("Step back to the previously served recommendation."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		item := ctl.PreviousRecommendation()
		if item == nil {
			return mcp.NewToolResultError("no earlier recommendation"), nil
		}
		return itemResult(ctl, item)
	})
}

func registerSkipTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_skip",
		mcp.WithDescription("Skip the current recommendation, demoting it to the end of the pass. An item can be skipped once per pass."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		if err := ctl.Skip(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("skip error: %v", err)), nil
		}
		return mcp.NewToolResultText(`{"skipped": true}`), nil
	})
}

func registerMergeTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_merge",
		mcp.WithDescription("Merge two or more clusters into one. The lowest id survives; the others are deactivated. Undoable."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_ids",
			mcp.Required(),
			mcp.Description("Comma-separated cluster ids to merge (e.g. '3,7')"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		raw, err := req.RequireString("cluster_ids")
		if err != nil {
			return mcp.NewToolResultError("cluster_ids is required"), nil
		}
		ids, err := parseIDList(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		survivor, err := ctl.Merge(ids)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("merge error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(map[string]any{
			"survivor": survivor,
			"merged":   ids,
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSplitTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_split",
		mcp.WithDescription("Split a cluster into new clusters. Parts must cover every member exactly once. The original cluster is deactivated. Undoable."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("Cluster to split"),
		),
		mcp.WithString("parts",
			mcp.Required(),
			mcp.Description("Spike id groups: ids comma-separated, groups semicolon-separated (e.g. '1,2,3;4,5')"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		partsRaw, err := req.RequireString("parts")
		if err != nil {
			return mcp.NewToolResultError("parts is required"), nil
		}
		parts, err := parsePartList(partsRaw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		newIDs, err := ctl.Split(int64(clusterVal), parts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("split error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(map[string]any{
			"split":        int64(clusterVal),
			"new_clusters": newIDs,
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerMoveTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_move",
		mcp.WithDescription("Move individual spikes to another cluster. Sources drained to zero members are deactivated. Undoable."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("spike_ids",
			mcp.Required(),
			mcp.Description("Comma-separated spike ids to move"),
		),
		mcp.WithNumber("target",
			mcp.Required(),
			mcp.Description("Destination cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		raw, err := req.RequireString("spike_ids")
		if err != nil {
			return mcp.NewToolResultError("spike_ids is required"), nil
		}
		spikes, err := parseIDList(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		targetVal, err := req.RequireFloat("target")
		if err != nil {
			return mcp.NewToolResultError("target is required"), nil
		}

		if err := ctl.MoveSpikes(spikes, int64(targetVal)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("move error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(map[string]any{
			"moved":  len(spikes),
			"target": int64(targetVal),
		}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerDiscardTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_discard",
		mcp.WithDescription("Discard a cluster as noise. Its spikes move to the noise catch-all cluster. Undoable."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("Cluster to discard"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		if err := ctl.Discard(int64(idVal)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("discard error: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"discarded": %d}`, int64(idVal))), nil
	})
}

func registerKeepTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_keep",
		mcp.WithDescription("Accept a cluster as-is, marking it reviewed. Optionally assign a group label."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("Cluster to accept"),
		),
		mcp.WithString("group",
			mcp.Description("Optional group label"),
			mcp.Enum("good", "mua", "noise", "unsorted"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		id := int64(idVal)
		if err := ctl.Keep(id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("keep error: %v", err)), nil
		}
		if g, err := req.RequireString("group"); err == nil && g != "" {
			group, err := parseGroup(g)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if err := ctl.SetGroup(id, group); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("group error: %v", err)), nil
			}
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"kept": %d}`, id)), nil
	})
}

func registerUndoTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_undo",
		mcp.WithDescription("Undo the most recent merge, split, move, or discard."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		if err := ctl.Undo(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("undo error: %v", err)), nil
		}
		return mcp.NewToolResultText(`{"undone": true}`), nil
	})
}

func registerRedoTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_redo",
		mcp.WithDescription("Redo the most recently undone operation."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		if err := ctl.Redo(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("redo error: %v", err)), nil
		}
		return mcp.NewToolResultText(`{"redone": true}`), nil
	})
}

func registerStatsTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_stats",
		mcp.WithDescription("Session statistics: spike and cluster counts, review progress, history depth."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		data, _ := json.MarshalIndent(sessionStats(ctl), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_cluster",
		mcp.WithDescription("Inspect one cluster: membership size, quality metrics, nearest neighbor, and current status."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("cluster_id",
			mcp.Required(),
			mcp.Description("Cluster to inspect"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		idVal, err := req.RequireFloat("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		summary, err := clusterSummary(ctl, int64(idVal))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(summary, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRenumberTool(s *server.MCPServer, ctl *refine.Controller) {
	tool := mcp.NewTool("spike_renumber",
		mcp.WithDescription("Compact active cluster ids to a contiguous 1..n range. Clears undo history; cannot be undone."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		mapping, err := ctl.Renumber()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("renumber error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(map[string]any{"mapping": mapping}, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSaveTool(s *server.MCPServer, ctl *refine.Controller, sess *session.Store, sessionID string) {
	tool := mcp.NewTool("spike_save",
		mcp.WithDescription("Persist the session (assignments, cluster states, and edit history) to the session database."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		if err := sess.Save(ctx, ctl.Partition(), ctl.History(), sessionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("save error: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"saved": true, "session_id": %q}`, sessionID)), nil
	})
}

// --- helpers ---

func itemResult(ctl *refine.Controller, item *queue.Item) (*mcp.CallToolResult, error) {
	payload := map[string]any{"item": item, "display": item.String()}
	if item.Kind == queue.KindCluster {
		if summary, err := clusterSummary(ctl, item.Cluster); err == nil {
			payload["cluster"] = summary
		}
	}
	data, _ := json.MarshalIndent(payload, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func parseIDList(raw string) ([]int64, error) {
	fields := strings.Split(raw, ",")
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", f)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids given")
	}
	return ids, nil
}

func parsePartList(raw string) ([][]int64, error) {
	groups := strings.Split(raw, ";")
	parts := make([][]int64, 0, len(groups))
	for _, g := range groups {
		if strings.TrimSpace(g) == "" {
			continue
		}
		ids, err := parseIDList(g)
		if err != nil {
			return nil, err
		}
		parts = append(parts, ids)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts given")
	}
	return parts, nil
}

func parseGroup(raw string) (store.Group, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "good":
		return store.GroupGood, nil
	case "mua":
		return store.GroupMUA, nil
	case "noise":
		return store.GroupNoise, nil
	case "unsorted":
		return store.GroupUnsorted, nil
	}
	return "", fmt.Errorf("unknown group %q", raw)
}
