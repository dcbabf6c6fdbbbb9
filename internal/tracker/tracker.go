// Package tracker implements the HTTP announce client: given an announce
// URL (or BEP 12 announce-list of tiers) and a set of announce parameters,
// it yields a peer list and a re-announce interval. It does not speak the
// peer wire protocol; that is a distinct collaborator the core only
// consumes through an event interface.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/gorrent/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
)

// AnnounceParams is the set of fields an announce request carries.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the decoded tracker reply: the fields the core needs
// (peer list, interval) plus informational fields it passes through.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event is the optional announce event: started, completed, or stopped.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Protocol is one tracker transport. HTTPTracker is the only implementation
// the client ships; udp:// announce URLs are rejected at parse time.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats accumulates lifetime announce counters.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a point-in-time, easily loggable snapshot of Stats.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Tracker fans a single torrent's announces out across the BEP 12
// announce-list tiers: within a tier, trackers are tried left to right,
// falling through to the next tier only once a whole tier is exhausted. A
// tracker that answers successfully is promoted to the front of its tier,
// per BEP 12's "most recently working first" recommendation.
type Tracker struct {
	cfg   config.Config
	tiers [][]*url.URL

	mu       sync.Mutex
	trackers map[string]Protocol

	log   *slog.Logger
	stats *Stats

	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(peers []netip.AddrPort)
}

// Opts configures a Tracker's hooks: the coordinator-facing callbacks that
// build the next announce request and consume a successful response.
type Opts struct {
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(peers []netip.AddrPort)
	Log               *slog.Logger
}

// NewTracker builds the tier structure from announce and announceList (BEP
// 12), shuffling each tier so that clients don't all hammer the same
// tracker first.
func NewTracker(announce string, announceList [][]string, cfg config.Config, opts *Opts) (*Tracker, error) {
	if opts == nil || opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		cfg:               cfg,
		log:               log,
		tiers:             tiers,
		stats:             &Stats{},
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
		trackers:          make(map[string]Protocol),
	}, nil
}

// Run drives the periodic announce loop until ctx is canceled, at which
// point it sends a best-effort "stopped" announce before returning.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

// Stats returns a snapshot of lifetime announce counters.
func (t *Tracker) Stats() Metrics {
	s := t.stats

	var lastAnnounce, lastSuccess time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnnounce = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSuccess = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnnounce,
		LastSuccess:         lastSuccess,
	}
}

// Announce tries every tracker in tier order, across tiers, until one
// succeeds or all are exhausted.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tr.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce success",
				"tier", tierIdx, "url", u.String(),
				"peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers,
			)
			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: no announce urls configured")
	}
	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce-loop")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Debug("context done, sending stopped announce", "error", ctx.Err())
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

			params := t.onAnnounceStart()
			params.Event = EventStopped
			_, _ = t.Announce(sctx, params)

			cancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("tracker: giving up after %d consecutive announce failures", consecutiveFailures)
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				ticker.Reset(t.backoff(consecutiveFailures))
				continue
			}

			t.onAnnounceSuccess(resp.Peers)
			consecutiveFailures = 0
			ticker.Reset(t.nextInterval(resp))
		}
	}
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getTracker(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	tr, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return tr, nil
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host)
	tr, err := NewHTTPTracker(u, t.cfg, log)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = tr
	t.mu.Unlock()

	return tr, nil
}

func (t *Tracker) backoff(failures int) time.Duration {
	const base = 15 * time.Second

	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := base * (1 << uint(shift))

	if t.cfg.MaxAnnounceBackoff > 0 && delay > t.cfg.MaxAnnounceBackoff {
		delay = t.cfg.MaxAnnounceBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}

func (t *Tracker) nextInterval(resp *AnnounceResponse) time.Duration {
	interval := resp.Interval
	if t.cfg.AnnounceInterval > 0 {
		interval = t.cfg.AnnounceInterval
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.cfg.MinAnnounceInterval > 0 && interval < t.cfg.MinAnnounceInterval {
		interval = t.cfg.MinAnnounceInterval
	}
	return interval
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, s := range tier {
			if u, ok := parseTrackerURL(s); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}
