// queuectl is a thin operational CLI over the task queue: list and count
// queued tasks, inspect or pop a single task, and push new ones.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/orjahren/cerebrum-sub002/internal/config"
	"github.com/orjahren/cerebrum-sub002/internal/models"
	"github.com/orjahren/cerebrum-sub002/internal/store"
	"github.com/orjahren/cerebrum-sub002/internal/taskqueue"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	cfg := config.Load()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	queue := taskqueue.New(st.Pool())

	switch os.Args[1] {
	case "list":
		err = runList(ctx, queue, os.Args[2:])
	case "counts":
		err = runCounts(ctx, queue, os.Args[2:])
	case "get":
		err = runGet(ctx, queue, os.Args[2:])
	case "pop":
		err = runPop(ctx, queue, os.Args[2:])
	case "push":
		err = runPush(ctx, queue, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: queuectl <list|counts|get|pop|push> [flags]")
}

// filterFlags registers the shared search filters on fs and returns a
// builder that resolves them into SearchParams.
func filterFlags(fs *flag.FlagSet) func() (taskqueue.SearchParams, error) {
	queues := fs.String("queues", "", "comma-separated queue names")
	keys := fs.String("keys", "", "comma-separated task keys")
	iatBefore := fs.String("iat-before", "", "issued before (RFC 3339)")
	iatAfter := fs.String("iat-after", "", "issued after (RFC 3339)")
	nbfBefore := fs.String("nbf-before", "", "due before (RFC 3339)")
	nbfAfter := fs.String("nbf-after", "", "due after (RFC 3339)")
	minAttempts := fs.Int("min-attempts", -1, "minimum attempt count")
	maxAttempts := fs.Int("max-attempts", -1, "maximum attempt count (exclusive)")

	return func() (taskqueue.SearchParams, error) {
		var p taskqueue.SearchParams
		p.Queues = splitList(*queues)
		p.Keys = splitList(*keys)
		for _, f := range []struct {
			raw string
			dst **time.Time
		}{
			{*iatBefore, &p.IatBefore},
			{*iatAfter, &p.IatAfter},
			{*nbfBefore, &p.NbfBefore},
			{*nbfAfter, &p.NbfAfter},
		} {
			if f.raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, f.raw)
			if err != nil {
				return p, fmt.Errorf("parse %q: %w", f.raw, err)
			}
			*f.dst = &t
		}
		if *minAttempts >= 0 {
			v := *minAttempts
			p.MinAttempts = &v
		}
		if *maxAttempts >= 0 {
			v := *maxAttempts
			p.MaxAttempts = &v
		}
		return p, nil
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runList(ctx context.Context, queue *taskqueue.Queue, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	build := filterFlags(fs)
	limit := fs.Int("limit", 0, "stop after this many rows (0 = all)")
	verbose := fs.Bool("v", false, "include iat, reason and payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	params, err := build()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	if *verbose {
		fmt.Fprintln(w, "QUEUE\tKEY\tNBF\tATTEMPTS\tIAT\tREASON\tPAYLOAD")
	} else {
		fmt.Fprintln(w, "QUEUE\tKEY\tNBF\tATTEMPTS")
	}

	n := 0
	err = queue.Iterate(ctx, params, func(t models.Task) error {
		if *verbose {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				t.Queue, t.Key, fmtTime(t.NotBefore), t.Attempts,
				t.IssuedAt.Format(time.RFC3339), fmtStr(t.Reason), fmtPayload(t.Payload))
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Queue, t.Key, fmtTime(t.NotBefore), t.Attempts)
		}
		n++
		if *limit > 0 && n >= *limit {
			return errLimitReached
		}
		return nil
	})
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}

var errLimitReached = errors.New("limit reached")

func runCounts(ctx context.Context, queue *taskqueue.Queue, args []string) error {
	fs := flag.NewFlagSet("counts", flag.ExitOnError)
	build := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	params, err := build()
	if err != nil {
		return err
	}

	counts, err := queue.QueueCounts(ctx, params)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "QUEUE\tCOUNT")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Queue, c.Count)
	}
	return nil
}

func runGet(ctx context.Context, queue *taskqueue.Queue, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: queuectl get <queue> <key>")
	}
	task, err := queue.Find(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	return printTask(task)
}

func runPop(ctx context.Context, queue *taskqueue.Queue, args []string) error {
	fs := flag.NewFlagSet("pop", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: queuectl pop <queue> <key>")
	}
	task, err := queue.Pop(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	return printTask(task)
}

func runPush(ctx context.Context, queue *taskqueue.Queue, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	nbf := fs.String("nbf", "", "not before (RFC 3339)")
	attempts := fs.Int("attempts", -1, "attempt count")
	reason := fs.String("reason", "", "status description")
	payload := fs.String("payload", "", "payload as a JSON object")
	ignoreNbfAfter := fs.Bool("ignore-nbf-after", false, "skip the push when it would delay an existing task")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: queuectl push [flags] <queue> <key>")
	}

	change := models.TaskChange{Queue: fs.Arg(0), Key: fs.Arg(1)}
	if *nbf != "" {
		t, err := time.Parse(time.RFC3339, *nbf)
		if err != nil {
			return fmt.Errorf("parse nbf: %w", err)
		}
		change.NotBefore = models.Some(t)
	}
	if *attempts >= 0 {
		change.Attempts = models.Some(*attempts)
	}
	if *reason != "" {
		change.Reason = models.Some(*reason)
	}
	if *payload != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(*payload), &m); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
		change.Payload = models.Some(m)
	}

	task, err := queue.Push(ctx, change, *ignoreNbfAfter)
	if err != nil {
		return err
	}
	if task == nil {
		fmt.Println("unchanged")
		return nil
	}
	return printTask(*task)
}

func printTask(t models.Task) error {
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func fmtStr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func fmtPayload(p map[string]any) string {
	if p == nil {
		return "-"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "?"
	}
	return string(b)
}
