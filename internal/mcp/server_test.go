package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"github.com/spikekit/spikekit/internal/refine"
	"github.com/spikekit/spikekit/internal/store"
)

func setupTestServer(t *testing.T) (*server.MCPServer, *refine.Controller) {
	t.Helper()
	p := store.NewPartition()
	specs := []store.SpikeSpec{
		{ID: 1, Time: 0.010, Features: []float32{1, 0}, ClusterID: 1},
		{ID: 2, Time: 0.011, Features: []float32{1.1, 0}, ClusterID: 1},
		{ID: 3, Time: 0.030, Features: []float32{0.9, 0}, ClusterID: 1},
		{ID: 4, Time: 0.050, Features: []float32{0, 6}, ClusterID: 2},
		{ID: 5, Time: 0.070, Features: []float32{0, 6.1}, ClusterID: 2},
		{ID: 6, Time: 0.090, Features: []float32{0, 5.9}, ClusterID: 2},
	}
	if err := p.LoadSpikes(specs); err != nil {
		t.Fatalf("LoadSpikes: %v", err)
	}

	cfg := refine.DefaultConfig()
	cfg.Quality.MinSpikes = 2
	ctl := refine.New(p, cfg, nil)
	if err := ctl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := NewServer(ServerConfig{Controller: ctl, Version: "test"})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	return srv, ctl
}

// callTool invokes an MCP tool through the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	result := srv.HandleMessage(context.Background(), raw)
	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Content) == 0 {
		t.Fatal("no content in result")
	}
	return resp.Result.Content[0].Text, resp.Result.IsError
}

func TestNextTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	text, isErr := callTool(t, srv, "spike_next", map[string]any{})
	if isErr {
		t.Fatalf("spike_next returned error: %s", text)
	}
	if !strings.Contains(text, "cluster") {
		t.Fatalf("unexpected payload: %s", text)
	}
}

func TestMergeToolRoundTrip(t *testing.T) {
	srv, ctl := setupTestServer(t)

	text, isErr := callTool(t, srv, "spike_merge", map[string]any{"cluster_ids": "1,2"})
	if isErr {
		t.Fatalf("spike_merge returned error: %s", text)
	}
	var payload struct {
		Survivor int64 `json:"survivor"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decoding merge payload: %v", err)
	}
	if payload.Survivor != 1 {
		t.Fatalf("survivor = %d, want 1", payload.Survivor)
	}
	if ctl.Partition().IsActive(2) {
		t.Fatal("cluster 2 should be deactivated after merge")
	}

	if text, isErr := callTool(t, srv, "spike_undo", map[string]any{}); isErr {
		t.Fatalf("spike_undo returned error: %s", text)
	}
	if !ctl.Partition().IsActive(2) {
		t.Fatal("cluster 2 should be active after undo")
	}
}

func TestMergeToolRejectsBadIDs(t *testing.T) {
	srv, _ := setupTestServer(t)
	if _, isErr := callTool(t, srv, "spike_merge", map[string]any{"cluster_ids": "1,frog"}); !isErr {
		t.Fatal("expected error for malformed id list")
	}
}

func TestSplitToolParsesParts(t *testing.T) {
	srv, ctl := setupTestServer(t)

	text, isErr := callTool(t, srv, "spike_split", map[string]any{
		"cluster_id": 1,
		"parts":      "1,2;3",
	})
	if isErr {
		t.Fatalf("spike_split returned error: %s", text)
	}
	var payload struct {
		NewClusters []int64 `json:"new_clusters"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decoding split payload: %v", err)
	}
	if len(payload.NewClusters) != 2 {
		t.Fatalf("new clusters = %v, want 2 entries", payload.NewClusters)
	}
	if ctl.Partition().IsActive(1) {
		t.Fatal("split source should be deactivated")
	}
}

func TestStatsTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	text, isErr := callTool(t, srv, "spike_stats", map[string]any{})
	if isErr {
		t.Fatalf("spike_stats returned error: %s", text)
	}
	var stats Stats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Spikes != 6 || stats.ActiveClusters != 2 {
		t.Fatalf("stats = %+v, want 6 spikes in 2 clusters", stats)
	}
}

func TestClusterTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	text, isErr := callTool(t, srv, "spike_cluster", map[string]any{"cluster_id": 1})
	if isErr {
		t.Fatalf("spike_cluster returned error: %s", text)
	}
	var summary ClusterSummary
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.SpikeCount != 3 || summary.Quality == nil {
		t.Fatalf("summary = %+v, want 3 spikes with quality", summary)
	}
}
