package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cwnats "github.com/Strob0t/crabwalk/internal/adapter/nats"
	"github.com/Strob0t/crabwalk/internal/config"
	"github.com/Strob0t/crabwalk/internal/port/messagequeue"
)

// runTail prints relayed monitor updates, one "subject<TAB>json" line each.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	subject := fs.String("subject", messagequeue.SubjectAll, "subject filter, e.g. crabwalk.exec")
	natsURL := fs.String("nats", "", "NATS URL (default: nats.url from config)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: crabwalk tail [options]

Streams monitor updates relayed over NATS to stdout.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := *natsURL
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		url = cfg.NATS.URL
	}
	if url == "" {
		return fmt.Errorf("no NATS URL: set NATS_URL or pass --nats")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := cwnats.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	cancel, err := queue.Subscribe(ctx, *subject, printer(os.Stdout))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", *subject, err)
	}
	defer cancel()

	<-ctx.Done()
	return nil
}

// printer returns a handler writing each message as one line to w.
func printer(w io.Writer) messagequeue.Handler {
	var mu sync.Mutex
	return func(_ context.Context, subject string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(w, "%s\t%s\n", subject, data)
		return err
	}
}
