package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/spikekit/spikekit/internal/queue"
	"github.com/spikekit/spikekit/internal/store"
)

// runWizard walks the recommendation queue interactively. Every mutation is
// saved immediately so a killed terminal loses nothing.
func runWizard(args []string) error {
	_, opts, err := commonFlags(args)
	if err != nil {
		return err
	}
	e, err := openSession(opts)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := context.Background()
	fmt.Println(color.CyanString("spikekit wizard") + " — worst clusters and likeliest merges first")
	fmt.Println("Commands: [k]eep [m]erge [s]kip [d]iscard [g]roup <label> [p]rev [u]ndo [q]uit")
	fmt.Println()

	item, err := e.ctl.NextRecommendation()
	if err != nil {
		return err
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		if item == nil {
			fmt.Println(color.GreenString("Nothing left to review."))
			return nil
		}
		printItem(e, item)

		fmt.Print("> ")
		if !in.Scan() {
			return in.Err()
		}
		fields := strings.Fields(strings.ToLower(in.Text()))
		if len(fields) == 0 {
			continue
		}

		var opErr error
		advance := false
		switch fields[0] {
		case "k", "keep":
			if item.Kind == queue.KindPair {
				opErr = fmt.Errorf("keep applies to single clusters; use merge or skip for pairs")
				break
			}
			opErr = e.ctl.Keep(item.Cluster)
			advance = opErr == nil
		case "m", "merge":
			if item.Kind != queue.KindPair {
				opErr = fmt.Errorf("merge applies to pairs")
				break
			}
			var survivor int64
			survivor, opErr = e.ctl.Merge([]int64{item.A, item.B})
			if opErr == nil {
				fmt.Printf("%s into cluster %d\n", color.GreenString("Merged"), survivor)
			}
			advance = opErr == nil
		case "s", "skip":
			opErr = e.ctl.Skip()
			advance = opErr == nil
		case "d", "discard":
			if item.Kind == queue.KindPair {
				opErr = fmt.Errorf("discard applies to single clusters")
				break
			}
			opErr = e.ctl.Discard(item.Cluster)
			advance = opErr == nil
		case "g", "group":
			if item.Kind == queue.KindPair || len(fields) < 2 {
				opErr = fmt.Errorf("usage: group <good|mua|noise|unsorted>")
				break
			}
			var group store.Group
			group, opErr = parseGroupLabel(fields[1])
			if opErr == nil {
				opErr = e.ctl.SetGroup(item.Cluster, group)
			}
		case "p", "prev":
			if prev := e.ctl.PreviousRecommendation(); prev != nil {
				item = prev
			} else {
				fmt.Println("no earlier recommendation")
			}
			continue
		case "u", "undo":
			opErr = e.ctl.Undo()
		case "q", "quit":
			return e.save(ctx)
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			continue
		}

		if opErr != nil {
			fmt.Println(color.RedString("error: ") + opErr.Error())
			continue
		}
		if err := e.save(ctx); err != nil {
			return err
		}
		if advance {
			item, err = e.ctl.NextRecommendation()
			if err != nil {
				return err
			}
		}
	}
}

func printItem(e *env, item *queue.Item) {
	part := e.ctl.Partition()
	if item.Kind == queue.KindPair {
		entry, err := e.ctl.Matrix().Similarity(item.A, item.B)
		if err == nil {
			fmt.Printf("%s similarity %.3f (%d and %d spikes)\n",
				color.MagentaString(item.String()), entry.Score,
				part.SpikeCount(item.A), part.SpikeCount(item.B))
		} else {
			fmt.Println(color.MagentaString(item.String()))
		}
		return
	}

	rec, err := e.ctl.Scorer().Score(item.Cluster)
	if err != nil || rec.Insufficient {
		fmt.Printf("%s (%d spikes, too few for metrics)\n",
			color.CyanString(item.String()), part.SpikeCount(item.Cluster))
		return
	}
	fmt.Printf("%s %d spikes, refractory %.4f, isolation %.4f\n",
		color.CyanString(item.String()), rec.SpikeCount, rec.RefractoryRate, rec.Isolation)
}

func parseGroupLabel(raw string) (store.Group, error) {
	switch raw {
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
