package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spikekit/spikekit/internal/quality"
	"github.com/spikekit/spikekit/internal/refine"
	"github.com/spikekit/spikekit/internal/store"
)

// Stats summarizes review progress for the stats tool and resource.
type Stats struct {
	Spikes         int    `json:"spikes"`
	ActiveClusters int    `json:"active_clusters"`
	Reviewed       int    `json:"reviewed"`
	Unreviewed     int    `json:"unreviewed"`
	HistoryDepth   int    `json:"history_depth"`
	CanUndo        bool   `json:"can_undo"`
	CanRedo        bool   `json:"can_redo"`
	State          string `json:"state"`
}

// ClusterSummary is one cluster's review-facing view.
type ClusterSummary struct {
	ClusterID  int64           `json:"cluster_id"`
	SpikeCount int             `json:"spike_count"`
	Status     store.Status    `json:"status"`
	Group      store.Group     `json:"group"`
	Quality    *quality.Record `json:"quality,omitempty"`
}

func sessionStats(ctl *refine.Controller) Stats {
	part := ctl.Partition()
	stats := Stats{
		Spikes:       part.SpikeTotal(),
		HistoryDepth: ctl.History().Len(),
		CanUndo:      ctl.History().CanUndo(),
		CanRedo:      ctl.History().CanRedo(),
		State:        string(ctl.State()),
	}
	for _, id := range part.ActiveClusters() {
		stats.ActiveClusters++
		if c, err := part.Cluster(id); err == nil && c.Status == store.StatusReviewed {
			stats.Reviewed++
		} else {
			stats.Unreviewed++
		}
	}
	return stats
}

func clusterSummary(ctl *refine.Controller, id int64) (*ClusterSummary, error) {
	part := ctl.Partition()
	c, err := part.Cluster(id)
	if err != nil {
		return nil, err
	}
	summary := &ClusterSummary{
		ClusterID:  c.ID,
		SpikeCount: part.SpikeCount(id),
		Status:     c.Status,
		Group:      c.Group,
	}
	if c.Active {
		record, err := ctl.Scorer().Score(id)
		if err != nil {
			return nil, fmt.Errorf("scoring cluster %d: %w", id, err)
		}
		summary.Quality = record
	}
	return summary, nil
}

func registerStatsResource(s *server.MCPServer, ctl *refine.Controller) {
	resource := mcp.NewResource(
		"spikekit://stats",
		"Session Statistics",
		mcp.WithResourceDescription("Spike and cluster counts, review progress, and history depth."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		data, _ := json.MarshalIndent(sessionStats(ctl), "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerQueueResource(s *server.MCPServer, ctl *refine.Controller) {
	resource := mcp.NewResource(
		"spikekit://clusters",
		"Active Clusters",
		mcp.WithResourceDescription("Every active cluster with size, status, group, and quality metrics."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		part := ctl.Partition()
		summaries := make([]*ClusterSummary, 0, 64)
		for _, id := range part.ActiveClusters() {
			summary, err := clusterSummary(ctl, id)
			if err != nil {
				return nil, fmt.Errorf("summarizing cluster %d: %w", id, err)
			}
			summaries = append(summaries, summary)
		}

		payload := map[string]any{
			"clusters": summaries,
			"count":    len(summaries),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
