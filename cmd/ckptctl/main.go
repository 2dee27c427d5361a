// ckptctl operates on a checkpoint root from the command line: listing and
// inspecting the index, pruning by retention count, and pushing/pulling
// checkpoints to and from a remote blobstore.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yottalabsai/verl/checkpoint"
	"github.com/yottalabsai/verl/internal/config"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ckptctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ckptctl [flags] <command> [args]

Commands:
  list          list indexed checkpoints, newest step first
  latest        show the newest complete checkpoint
  stats         show aggregate index statistics
  prune <keep>  delete the oldest complete checkpoints beyond <keep>
  push <step>   replicate a saved step to the remote store
  pull [step]   fetch a step from the remote store (default: remote latest)

Flags:
`)
	flag.PrintDefaults()
}

func run(ctx context.Context) error {
	cfg := config.Load()

	root := flag.String("root", cfg.CheckpointRoot, "checkpoint root directory")
	remote := flag.String("remote", cfg.RemoteURL, "remote blobstore URL (gs://bucket/prefix or file:///dir)")
	jsonOut := flag.Bool("json", false, "emit JSON instead of a table")
	limit := flag.Int("limit", 20, "maximum rows for list")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Log to stderr so stdout stays parseable.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	mgr, err := checkpoint.NewManager(ctx, *root, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "list":
		return cmdList(ctx, mgr, *limit, *jsonOut)
	case "latest":
		return cmdLatest(ctx, mgr, *jsonOut)
	case "stats":
		return cmdStats(ctx, mgr, *jsonOut)
	case "prune":
		return cmdPrune(ctx, mgr, args, *jsonOut)
	case "push":
		return cmdPush(ctx, mgr, args, *remote, *jsonOut)
	case "pull":
		return cmdPull(ctx, mgr, args, *remote, *jsonOut)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdList(ctx context.Context, mgr *checkpoint.Manager, limit int, jsonOut bool) error {
	handles, total, err := mgr.List(ctx, limit, 0)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"checkpoints": handles, "total": total})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATE\tSIZE\tCREATED\tREMOTE")
	for _, h := range handles {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			h.GlobalStep,
			h.State,
			humanize.Bytes(uint64(h.SizeBytes)),
			h.CreatedAt.Format(time.RFC3339),
			h.RemoteURL,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(handles) {
		fmt.Printf("(%d of %d; raise -limit to see more)\n", len(handles), total)
	}
	return nil
}

func cmdLatest(ctx context.Context, mgr *checkpoint.Manager, jsonOut bool) error {
	h, err := mgr.Latest(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(h)
	}
	fmt.Printf("step %d  %s  %s  %s\n",
		h.GlobalStep, h.State, humanize.Bytes(uint64(h.SizeBytes)), h.Dir)
	return nil
}

func cmdStats(ctx context.Context, mgr *checkpoint.Manager, jsonOut bool) error {
	stats, err := mgr.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	for state, count := range stats.CountByState {
		fmt.Fprintf(w, "%s\t%d\n", state, count)
	}
	fmt.Fprintf(w, "complete bytes\t%s\n", humanize.Bytes(uint64(stats.CompleteBytes)))
	return w.Flush()
}

func cmdPrune(ctx context.Context, mgr *checkpoint.Manager, args []string, jsonOut bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ckptctl prune <keep>")
	}
	keep, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("keep count %q is not a number", args[0])
	}

	pruned, err := mgr.Prune(ctx, keep)
	if err != nil {
		return err
	}
	if jsonOut {
		if pruned == nil {
			pruned = []*checkpoint.Handle{}
		}
		return printJSON(map[string]any{"pruned": pruned})
	}
	if len(pruned) == 0 {
		fmt.Println("nothing to prune")
		return nil
	}
	for _, h := range pruned {
		fmt.Printf("pruned step %d (%s)\n", h.GlobalStep, humanize.Bytes(uint64(h.SizeBytes)))
	}
	return nil
}

func cmdPush(ctx context.Context, mgr *checkpoint.Manager, args []string, remote string, jsonOut bool) error {
	if remote == "" {
		return fmt.Errorf("push needs a remote (set -remote or VERL_REMOTE_URL)")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: ckptctl push <step>")
	}
	step, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("step %q is not a number", args[0])
	}

	h, err := mgr.Push(ctx, step, remote)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(h)
	}
	fmt.Printf("pushed step %d to %s\n", h.GlobalStep, h.RemoteURL)
	return nil
}

func cmdPull(ctx context.Context, mgr *checkpoint.Manager, args []string, remote string, jsonOut bool) error {
	if remote == "" {
		return fmt.Errorf("pull needs a remote (set -remote or VERL_REMOTE_URL)")
	}

	// No argument pulls whatever the remote tracker names.
	step := -1
	if len(args) > 1 {
		return fmt.Errorf("usage: ckptctl pull [step]")
	}
	if len(args) == 1 {
		var err error
		step, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("step %q is not a number", args[0])
		}
	}

	h, err := mgr.Pull(ctx, step, remote)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(h)
	}
	fmt.Printf("pulled step %d into %s\n", h.GlobalStep, h.Dir)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
