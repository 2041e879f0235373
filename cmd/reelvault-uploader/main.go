// Command reelvault-uploader pushes local files to a reelvault server in
// resumable chunks and reports per-file progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reelvault/reelvault/internal/broadcast"
	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/manager"
	"github.com/reelvault/reelvault/internal/models"
	"github.com/reelvault/reelvault/internal/orchestrator"
	"github.com/reelvault/reelvault/internal/queue"
	"github.com/reelvault/reelvault/internal/utils"
)

// consoleGuard satisfies the manager's page-exit guard on a terminal:
// while installed, an interrupt is a deliberate cancellation rather than
// an accident, so it just warns.
type consoleGuard struct{}

func (consoleGuard) Install() {
	slog.Debug("uploads in flight, interrupting will cancel them")
}

func (consoleGuard) Remove() {
	slog.Debug("no uploads in flight")
}

// listingPrinter announces landed files.
type listingPrinter struct{}

func (listingPrinter) RefreshListing(relativePath string) {
	fmt.Printf("uploaded %s\n", relativePath)
}

func main() {
	verbose := flag.Bool("v", false, "verbose logging")
	prefix := flag.String("prefix", "", "destination directory prefix on the server")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: reelvault-uploader [-v] [-prefix dir] <file>...")
		os.Exit(2)
	}

	cfg := config.LoadUploader()
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	var files []manager.File
	var closers []*os.File
	for _, arg := range flag.Args() {
		f, err := os.Open(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open %s: %v\n", arg, err)
			os.Exit(1)
		}
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			fmt.Fprintf(os.Stderr, "%s is not a regular file\n", arg)
			os.Exit(1)
		}
		closers = append(closers, f)

		name := filepath.Base(arg)
		relativePath := utils.NormalizeRelativePath(filepath.ToSlash(filepath.Join(*prefix, name)))
		files = append(files, manager.File{
			Name:         name,
			RelativePath: relativePath,
			Size:         info.Size(),
			Source:       f,
		})
	}
	defer func() {
		for _, f := range closers {
			f.Close()
		}
	}()

	bus := broadcast.NewChannelBus()
	defer bus.Close()

	orch := orchestrator.New(bus, orchestrator.DefaultClientFactory(timeout), orchestrator.Options{
		ChunkTimeout:     timeout,
		DefaultChunkSize: cfg.ChunkSize,
	})
	orch.Start()

	store := queue.NewStore()
	mgr := manager.New(bus, store, *cfg, consoleGuard{}, listingPrinter{})
	if err := mgr.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot start upload manager: %v\n", err)
		os.Exit(1)
	}

	if err := mgr.StartUploads(files); err != nil {
		fmt.Fprintf(os.Stderr, "upload rejected: %v\n", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for store.HasActive() {
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stderr, "interrupted, cancelling in-flight uploads")
			for _, item := range store.Items() {
				if !item.Status.Terminal() {
					orch.Cancel(item.ID)
				}
			}
		case <-ticker.C:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("orchestrator shutdown incomplete", "error", err)
	}
	mgr.Stop()

	failed := false
	for _, item := range store.Items() {
		switch item.Status {
		case models.StatusCompleted:
			// already announced by the listing printer
		case models.StatusAborted:
			fmt.Fprintf(os.Stderr, "cancelled %s\n", item.Name)
			failed = true
		default:
			fmt.Fprintf(os.Stderr, "failed %s: %s\n", item.Name, item.Error)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}
