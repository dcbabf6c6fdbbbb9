// Package coordinator implements the block coordinator: it owns every
// piece and the storage handle, picks the next piece to download, hands
// out block requests, ingests received blocks, and verifies and commits
// completed pieces. It is the single mutator of piece state described in
// the piece package; external components only ever see it through the
// methods below.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/gorrent/internal/bitfield"
	"github.com/prxssh/gorrent/internal/config"
	"github.com/prxssh/gorrent/internal/meta"
	"github.com/prxssh/gorrent/internal/piece"
	"github.com/prxssh/gorrent/internal/storage"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// resumeScanConcurrency bounds how many pieces are hash-verified in
// parallel during the startup resume scan; disk I/O bound work benefits
// from overlap, but an unbounded fan-out would open every file handle's
// worth of concurrent reads at once on large torrents.
const resumeScanConcurrency = 32

// ErrInvalidPieceIndex is returned by any per-piece operation given an
// out-of-range index.
var ErrInvalidPieceIndex = errors.New("coordinator: invalid piece index")

// DownloadStats is an observable snapshot of download progress, safe to
// copy and hold onto after the call that produced it. CompletedPieces counts
// pieces whose every block has arrived but which have not yet been verified
// and committed; once Verified they move into VerifiedPieces.
type DownloadStats struct {
	TotalPieces         int
	VerifiedPieces      int
	CompletedPieces     int
	FailedVerifications int
	TotalBytes          int64
	DownloadedBytes     int64
	StartedAt           time.Time
	UpdatedAt           time.Time
}

// Progress returns the download's completion percentage, in [0, 100].
func (s DownloadStats) Progress() float64 {
	if s.TotalBytes == 0 {
		return 100
	}
	return float64(s.DownloadedBytes) / float64(s.TotalBytes) * 100
}

// BytesPerSecond returns the average download rate since StartedAt.
func (s DownloadStats) BytesPerSecond() float64 {
	elapsed := s.UpdatedAt.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.DownloadedBytes) / elapsed
}

// Coordinator owns the vector of pieces and the storage handle for one
// torrent download. Calls are serialized by an internal mutex: peer I/O
// may run on any number of concurrent goroutines, but the coordinator
// processes their requests one at a time, exactly as the piece state
// machine and storage layer require.
type Coordinator struct {
	mu sync.Mutex

	log   *slog.Logger
	store *storage.Store

	pieces   []*piece.Piece
	verified bitfield.Bitfield
	strategy piece.Strategy

	stats DownloadStats
}

// New constructs every piece from metainfo, scans storage for pieces
// already present and hash-correct on disk (resume), and seeds the
// selection strategy with the rest.
func New(ctx context.Context, metainfo *meta.Metainfo, store *storage.Store, strategyKind config.PieceDownloadStrategy, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "coordinator", "name", metainfo.Info.Name)

	n := len(metainfo.Info.Pieces)
	pieces := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		length, err := piece.PieceLengthAt(i, metainfo.Info.Length, metainfo.Info.PieceLength)
		if err != nil {
			return nil, fmt.Errorf("coordinator: piece %d geometry: %w", i, err)
		}
		pieces[i] = piece.New(i, length, metainfo.Info.Pieces[i])
	}

	now := time.Now()
	c := &Coordinator{
		log:      log,
		store:    store,
		pieces:   pieces,
		verified: bitfield.New(n),
		strategy: newStrategy(strategyKind, n),
		stats: DownloadStats{
			TotalPieces: n,
			TotalBytes:  metainfo.Info.Length,
			StartedAt:   now,
			UpdatedAt:   now,
		},
	}

	if err := c.resume(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func newStrategy(kind config.PieceDownloadStrategy, n int) piece.Strategy {
	if kind == config.PieceDownloadStrategyRarestFirst {
		return piece.NewRarestFirstStrategy(n)
	}
	return piece.NewSequentialStrategy()
}

// resume hash-verifies every piece against storage concurrently, then
// applies the results: already-correct pieces are marked Verified and
// credited to stats without touching the network; the rest seed the
// selection strategy's initial queue.
func (c *Coordinator) resume(ctx context.Context) error {
	n := len(c.pieces)
	present := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeScanConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			present[i] = c.store.IsPieceComplete(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("coordinator: resume scan: %w", err)
	}

	for i, ok := range present {
		if ok {
			c.pieces[i].MarkVerified()
			c.verified.Set(i)
			c.strategy.Done(i)
			c.stats.VerifiedPieces++
			c.stats.DownloadedBytes += c.pieces[i].Length()
		} else {
			c.strategy.Push(i)
		}
	}

	c.log.Info("resume scan complete",
		"verified", c.stats.VerifiedPieces,
		"total", n,
	)
	return nil
}

// NextPiece pops the next piece index the caller should start downloading,
// or (0, false) if none is currently eligible.
func (c *Coordinator) NextPiece() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy.Next()
}

// NextBlockRequest delegates to pieceIndex's piece, transitioning it
// Pending -> InProgress on the first call.
func (c *Coordinator) NextBlockRequest(pieceIndex int, now time.Time) (piece.BlockInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.pieceAt(pieceIndex)
	if err != nil {
		return piece.BlockInfo{}, false, err
	}
	info, ok := p.NextBlockRequest(now)
	return info, ok, nil
}

// OnBlock routes a received block to its owning piece. If the piece
// becomes Complete, the coordinator immediately assembles, verifies, and
// (on success) commits it through storage. Invalid blocks are logged and
// discarded rather than returned as an error, per the failure policy: they
// will simply time out and become re-issuable. Apart from ErrInvalidPieceIndex
// for an out-of-range piece index, a storage write failure is the one case
// surfaced to the caller; the piece stays Complete so the write can be
// retried.
func (c *Coordinator) OnBlock(b piece.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.pieceAt(b.Info.PieceIndex)
	if err != nil {
		return err
	}

	if err := p.Ingest(b); err != nil {
		c.log.Warn("invalid block rejected",
			"piece", b.Info.PieceIndex, "begin", b.Info.Begin, "error", err,
		)
		return nil
	}

	if p.State() != piece.StateComplete {
		return nil
	}

	return c.commit(p)
}

func (c *Coordinator) commit(p *piece.Piece) error {
	data, err := p.Assemble()
	if err != nil {
		return fmt.Errorf("coordinator: assemble piece %d: %w", p.Index(), err)
	}

	if !p.Verify(data) {
		p.MarkFailed()
		c.stats.FailedVerifications++
		c.strategy.Push(p.Index())
		c.log.Warn("piece hash mismatch; re-enqueued", "piece", p.Index())
		return nil
	}

	if err := c.store.WritePiece(p.Index(), data); err != nil {
		c.log.Error("piece write failed", "piece", p.Index(), "error", err)
		return fmt.Errorf("coordinator: write piece %d: %w", p.Index(), err)
	}

	p.MarkVerified()
	c.verified.Set(p.Index())
	c.strategy.Done(p.Index())
	c.stats.VerifiedPieces++
	c.stats.DownloadedBytes += p.Length()
	c.stats.UpdatedAt = time.Now()

	c.log.Info("piece verified", "piece", p.Index(), "verified", c.stats.VerifiedPieces, "total", c.stats.TotalPieces)
	return nil
}

// HasPiece reports whether index has been verified and committed to disk.
func (c *Coordinator) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.pieces) {
		return false
	}
	return c.pieces[index].State() == piece.StateVerified
}

// MissingCount returns how many pieces are not yet Verified.
func (c *Coordinator) MissingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pieces) - c.verified.Count()
}

// IsComplete reports whether every piece has been verified.
func (c *Coordinator) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified.Count() == len(c.pieces)
}

// SetPieceAvailability feeds a rarest-first strategy the number of peers
// known to hold index, per a peer bitfield or HAVE message the (external)
// peer layer observed. Sequential strategies ignore this.
func (c *Coordinator) SetPieceAvailability(index, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.pieces) {
		return
	}
	c.strategy.SetAvailability(index, count)
}

// Stats returns a snapshot of download progress.
func (c *Coordinator) Stats() DownloadStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Coordinator) statsLocked() DownloadStats {
	s := c.stats
	s.CompletedPieces = lo.CountBy(c.pieces, func(p *piece.Piece) bool {
		return p.State() == piece.StateComplete
	})
	s.UpdatedAt = time.Now()
	return s
}

// PendingIndices returns the indices of pieces not yet Verified, in
// ascending order. Intended for diagnostics and tests, not the hot path.
func (c *Coordinator) PendingIndices() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return lo.FilterMap(c.pieces, func(p *piece.Piece, _ int) (int, bool) {
		return p.Index(), p.State() != piece.StateVerified
	})
}

// downloadedBytes recomputes the verified byte total directly from piece
// state, independent of the incrementally maintained stats counter. Used
// by tests to cross-check Stats().DownloadedBytes.
func (c *Coordinator) downloadedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return lo.SumBy(c.pieces, func(p *piece.Piece) int64 {
		if p.State() == piece.StateVerified {
			return p.Length()
		}
		return 0
	})
}

func (c *Coordinator) pieceAt(index int) (*piece.Piece, error) {
	if index < 0 || index >= len(c.pieces) {
		return nil, ErrInvalidPieceIndex
	}
	return c.pieces[index], nil
}
