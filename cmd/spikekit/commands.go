package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spikekit/spikekit/internal/config"
	"github.com/spikekit/spikekit/internal/history"
	"github.com/spikekit/spikekit/internal/ingest"
	"github.com/spikekit/spikekit/internal/mcp"
	"github.com/spikekit/spikekit/internal/refine"
	"github.com/spikekit/spikekit/internal/session"
	"github.com/spikekit/spikekit/internal/store"
)

// commonFlags strips --config and --session from args, returning the rest.
func commonFlags(args []string) ([]string, config.ResolveOptions, error) {
	var opts config.ResolveOptions
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return nil, opts, fmt.Errorf("--config requires a path")
			}
			i++
			opts.ConfigPath = args[i]
		case "--session":
			if i+1 >= len(args) {
				return nil, opts, fmt.Errorf("--session requires a path")
			}
			i++
			opts.CLISessionPath = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				return nil, opts, fmt.Errorf("unknown flag: %s", args[i])
			}
			rest = append(rest, args[i])
		}
	}
	return rest, opts, nil
}

// env bundles everything a session-backed command needs.
type env struct {
	cfg       config.ResolvedConfig
	store     *session.Store
	ctl       *refine.Controller
	sessionID string
}

func (e *env) close() {
	e.store.Close()
}

func (e *env) save(ctx context.Context) error {
	return e.store.Save(ctx, e.ctl.Partition(), e.ctl.History(), e.sessionID)
}

// openSession loads the saved session and stands the engine up on it.
func openSession(opts config.ResolveOptions) (*env, error) {
	cfg, err := config.Resolve(opts)
	if err != nil {
		return nil, err
	}
	sess, err := session.Open(cfg.SessionPath.Value)
	if err != nil {
		return nil, err
	}
	part, log, sessionID, err := sess.Load(context.Background())
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("loading session from %s: %w (run 'spikekit import' first)", cfg.SessionPath.Value, err)
	}

	ctl := refine.New(part, cfg.Engine, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	ctl.AdoptHistory(log)
	if err := ctl.Start(); err != nil {
		sess.Close()
		return nil, err
	}
	return &env{cfg: cfg, store: sess, ctl: ctl, sessionID: sessionID}, nil
}

func runImport(args []string) error {
	paths, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	if len(paths) != 1 {
		return fmt.Errorf("usage: spikekit import <path>")
	}

	cfg, err := config.Resolve(opts)
	if err != nil {
		return err
	}

	ctx := context.Background()
	specs, err := ingest.Load(ctx, paths[0])
	if err != nil {
		return err
	}

	part := store.NewPartition()
	if err := part.LoadSpikes(specs); err != nil {
		return fmt.Errorf("loading spikes: %w", err)
	}

	sess, err := session.Open(cfg.SessionPath.Value)
	if err != nil {
		return err
	}
	defer sess.Close()

	sessionID := uuid.NewString()
	if err := sess.Save(ctx, part, history.NewLog(part), sessionID); err != nil {
		return err
	}

	fmt.Printf("%s %d spikes in %d clusters from %s\n",
		color.GreenString("Imported"), part.SpikeTotal(), len(part.ActiveClusters()), paths[0])
	fmt.Printf("Session %s saved to %s\n", sessionID, cfg.SessionPath.Value)
	return nil
}

func runMerge(args []string) error {
	rest, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("usage: spikekit merge <id> <id> [...]")
	}
	ids := make([]int64, 0, len(rest))
	for _, a := range rest {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid cluster id %q", a)
		}
		ids = append(ids, id)
	}

	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	survivor, err := e.ctl.Merge(ids)
	if err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Printf("%s clusters %v into %d\n", color.GreenString("Merged"), ids, survivor)
	return nil
}

func runSplit(args []string) error {
	rest, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: spikekit split <id> <parts> (parts like '1,2,3;4,5')")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid cluster id %q", rest[0])
	}
	parts, err := parseParts(rest[1])
	if err != nil {
		return err
	}

	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	newIDs, err := e.ctl.Split(id, parts)
	if err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Printf("%s cluster %d into %v\n", color.GreenString("Split"), id, newIDs)
	return nil
}

func runMove(args []string) error {
	rest, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: spikekit move <spike-ids> <target> (ids comma-separated)")
	}
	spikes, err := parseIDs(rest[0])
	if err != nil {
		return err
	}
	target, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid target cluster %q", rest[1])
	}

	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.ctl.MoveSpikes(spikes, target); err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Printf("%s %d spikes to cluster %d\n", color.GreenString("Moved"), len(spikes), target)
	return nil
}

func runDiscard(args []string) error {
	rest, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: spikekit discard <id>")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid cluster id %q", rest[0])
	}

	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.ctl.Discard(id); err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Printf("%s cluster %d to noise\n", color.YellowString("Discarded"), id)
	return nil
}

func runUndo(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.ctl.Undo(); err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Println(color.GreenString("Undone"))
	return nil
}

func runRedo(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.ctl.Redo(); err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}
	fmt.Println(color.GreenString("Redone"))
	return nil
}

func runStats(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	part := e.ctl.Partition()
	active := part.ActiveClusters()
	fmt.Printf("Session %s\n", e.sessionID)
	fmt.Printf("  %d spikes in %d active clusters, history depth %d\n\n",
		part.SpikeTotal(), len(active), e.ctl.History().Len())

	fmt.Printf("  %-8s %-8s %-12s %-10s %-12s %-10s\n",
		"cluster", "spikes", "status", "group", "refractory", "isolation")
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	for _, id := range active {
		c, err := part.Cluster(id)
		if err != nil {
			return err
		}
		rec, err := e.ctl.Scorer().Score(id)
		if err != nil {
			return err
		}
		refractory, isolation := "n/a", "n/a"
		if !rec.Insufficient {
			refractory = fmt.Sprintf("%.4f", rec.RefractoryRate)
			isolation = fmt.Sprintf("%.4f", rec.Isolation)
		}
		status := string(c.Status)
		if c.Status == store.StatusReviewed {
			status = color.GreenString(status)
		}
		fmt.Printf("  %-8d %-8d %-12s %-10s %-12s %-10s\n",
			id, part.SpikeCount(id), status, c.Group, refractory, isolation)
	}
	return nil
}

func runRenumber(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	mapping, err := e.ctl.Renumber()
	if err != nil {
		return err
	}
	if err := e.save(context.Background()); err != nil {
		return err
	}

	fmt.Printf("%s %d clusters\n", color.GreenString("Renumbered"), len(mapping))
	olds := make([]int64, 0, len(mapping))
	for old := range mapping {
		olds = append(olds, old)
	}
	sort.Slice(olds, func(i, j int) bool { return olds[i] < olds[j] })
	for _, old := range olds {
		if old != mapping[old] {
			fmt.Printf("  %d -> %d\n", old, mapping[old])
		}
	}
	return nil
}

func runServe(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	srv := mcp.NewServer(mcp.ServerConfig{
		Controller: e.ctl,
		Session:    e.store,
		SessionID:  e.sessionID,
		Version:    version,
	})
	if err := server.ServeStdio(srv); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func runConfig(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(opts)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func parseIDs(raw string) ([]int64, error) {
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

func parseParts(raw string) ([][]int64, error) {
	groups := strings.Split(raw, ";")
	parts := make([][]int64, 0, len(groups))
	for _, g := range groups {
		if strings.TrimSpace(g) == "" {
			continue
		}
		ids, err := parseIDs(g)
		if err != nil {
			return nil, err
		}
		parts = append(parts, ids)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("split needs at least two parts")
	}
	return parts, nil
}
