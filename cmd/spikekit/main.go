package main

import (
	"fmt"
	"os"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "wizard":
		err = runWizard(os.Args[2:])
	case "merge":
		err = runMerge(os.Args[2:])
	case "split":
		err = runSplit(os.Args[2:])
	case "move":
		err = runMove(os.Args[2:])
	case "discard":
		err = runDiscard(os.Args[2:])
	case "undo":
		err = runUndo(os.Args[2:])
	case "redo":
		err = runRedo(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "renumber":
		err = runRenumber(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("spikekit %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`spikekit %s — Spike cluster refinement for extracellular recordings

Usage:
  spikekit <command> [arguments]

Commands:
  import <path>            Start a session from a spike dump (.jsonl, .ndjson, .csv, .tsv)
  wizard                   Review recommendations interactively
  merge <id> <id> [...]    Merge clusters; the lowest id survives
  split <id> <parts>       Split a cluster (parts like '1,2,3;4,5')
  move <ids> <target>      Move spikes to another cluster
  discard <id>             Discard a cluster as noise
  undo                     Undo the last refinement operation
  redo                     Redo the last undone operation
  stats                    Show session statistics and cluster quality
  renumber                 Compact cluster ids to 1..n (clears history)
  serve                    Run the MCP server on stdio
  config                   Show the effective configuration and its sources
  version                  Print version

Flags:
  --config <path>          Config file (default ~/.spikekit/config.yaml)
  --session <path>         Session database (default ~/.spikekit/session.db)
  -h, --help               Show this help message
  -v, --version            Print version
`, version)
}
