// Command gorrent downloads a single torrent to disk: it parses a .torrent
// file, opens (or resumes) storage for it, announces to its tracker tier
// list, and drives the block coordinator to completion. It carries no peer
// wire protocol of its own, so without a peer layer wired in it will sit
// announcing and reporting zero peers available to download from; it exists
// to exercise the core end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/gorrent/internal/config"
	"github.com/prxssh/gorrent/internal/coordinator"
	"github.com/prxssh/gorrent/internal/logging"
	"github.com/prxssh/gorrent/internal/meta"
	"github.com/prxssh/gorrent/internal/storage"
	"github.com/prxssh/gorrent/internal/tracker"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", "", "download directory (defaults to config.DefaultDownloadDir)")
	rarestFirst := flag.Bool("rarest-first", false, "use rarest-first piece selection instead of sequential")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log := setupLogger(*verbose)

	if *torrentPath == "" {
		log.Error("missing required flag", "flag", "-torrent")
		os.Exit(2)
	}

	if err := run(*torrentPath, *downloadDir, *rarestFirst, log); err != nil {
		log.Error("gorrent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, downloadDir string, rarestFirst bool, log *slog.Logger) error {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if downloadDir != "" {
		cfg.DefaultDownloadDir = downloadDir
	}
	if rarestFirst {
		cfg.PieceDownloadStrategy = config.PieceDownloadStrategyRarestFirst
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}
	log.Info("loaded torrent", "name", mi.Info.Name, "pieces", len(mi.Info.Pieces), "size", mi.Info.Length)
	for _, w := range mi.Warnings {
		log.Warn("metainfo warning", "warning", w)
	}

	store, err := storage.New(mi, cfg.DefaultDownloadDir, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coord, err := coordinator.New(ctx, mi, store, cfg.PieceDownloadStrategy, log)
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	if coord.IsComplete() {
		log.Info("torrent already complete")
		return nil
	}

	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, cfg, &tracker.Opts{
		Log: log,
		OnAnnounceStart: func() *tracker.AnnounceParams {
			stats := coord.Stats()
			return &tracker.AnnounceParams{
				InfoHash:   mi.InfoHash,
				PeerID:     cfg.ClientID,
				Port:       cfg.Port,
				Downloaded: uint64(stats.DownloadedBytes),
				Left:       uint64(stats.TotalBytes - stats.DownloadedBytes),
				NumWant:    cfg.NumWant,
			}
		},
		OnAnnounceSuccess: func(peers []netip.AddrPort) {
			log.Info("peers available", "count", len(peers))
		},
	})
	if err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	go reportProgress(ctx, coord, log)

	if err := trk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tracker: %w", err)
	}
	return nil
}

func reportProgress(ctx context.Context, coord *coordinator.Coordinator, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := coord.Stats()
			log.Info("progress",
				"percent", fmt.Sprintf("%.1f%%", stats.Progress()),
				"verified", stats.VerifiedPieces,
				"total", stats.TotalPieces,
				"bytes_per_sec", fmt.Sprintf("%.0f", stats.BytesPerSecond()),
			)
			if coord.IsComplete() {
				log.Info("download complete")
				return
			}
		}
	}
}

func setupLogger(verbose bool) *slog.Logger {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
