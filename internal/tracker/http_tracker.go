package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/gorrent/internal/bencode"
	"github.com/prxssh/gorrent/internal/config"
)

// maxTrackerResponseSize bounds how much of a tracker's reply body is read,
// guarding against a misbehaving tracker streaming forever.
const maxTrackerResponseSize = 2 * 1024 * 1024

// compactPeerStride is the byte width of one compact peer record: 4-byte
// IPv4 address + 2-byte big-endian port.
const compactPeerStride = 6

// HTTPTracker implements Protocol over the BitTorrent HTTP tracker
// announce convention (BEP 3).
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

// NewHTTPTracker builds an HTTPTracker for the announce endpoint at u.
func NewHTTPTracker(u *url.URL, cfg config.Config, log *slog.Logger) (*HTTPTracker, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("type", "http")

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		baseURL: u,
		log:     log,
		client:  &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// Announce issues a GET to the tracker's announce endpoint and parses its
// bencoded reply.
func (h *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, string(body))
	}

	out, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if out.TrackerID != "" {
		h.mu.Lock()
		h.trackerID = out.TrackerID
		h.mu.Unlock()
	}
	return out, nil
}

// buildAnnounceURL assembles the announce request. Binary fields
// (info_hash, peer_id) are percent-encoded against the tracker protocol's
// exact unreserved set (A-Z a-z 0-9 - _ . ~). This is hand-rolled rather
// than built on url.Values.Encode, which escapes space as '+' and otherwise
// follows application/x-www-form-urlencoded rules that diverge from that
// byte-for-byte.
func (h *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *h.baseURL

	var q strings.Builder
	if u.RawQuery != "" {
		q.WriteString(u.RawQuery)
		q.WriteByte('&')
	}

	writeParam(&q, "info_hash", string(params.InfoHash[:]))
	q.WriteByte('&')
	writeParam(&q, "peer_id", string(params.PeerID[:]))
	q.WriteByte('&')
	writeParam(&q, "port", strconv.Itoa(int(params.Port)))
	q.WriteByte('&')
	writeParam(&q, "uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.WriteByte('&')
	writeParam(&q, "downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.WriteByte('&')
	writeParam(&q, "left", strconv.FormatUint(params.Left, 10))
	q.WriteByte('&')
	writeParam(&q, "compact", "1")

	if params.NumWant > 0 {
		q.WriteByte('&')
		writeParam(&q, "numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.WriteByte('&')
		writeParam(&q, "key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.WriteByte('&')
		writeParam(&q, "event", params.Event.String())
	}

	h.mu.RLock()
	trackerID := h.trackerID
	h.mu.RUnlock()
	if trackerID != "" {
		q.WriteByte('&')
		writeParam(&q, "trackerid", trackerID)
	}

	u.RawQuery = q.String()
	return u.String()
}

func writeParam(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(percentEncode(value))
}

// percentEncode escapes s against the tracker protocol's unreserved set:
// letters, digits, '-', '_', '.', '~' pass through unescaped; every other
// byte (including space) becomes %XX.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"

	needsEscape := 0
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			needsEscape++
		}
	}
	if needsEscape == 0 {
		return s
	}

	out := make([]byte, 0, len(s)+2*needsEscape)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0F])
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	root, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode announce response: %w", err)
	}

	dict, ok := root.AsDict()
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dictionary")
	}

	if v, ok := dict.Get("failure reason"); ok {
		reason, _ := v.AsString()
		return nil, fmt.Errorf("tracker: announce failure: %s", reason)
	}

	interval, ok := getInt(dict, "interval")
	if !ok {
		return nil, fmt.Errorf("tracker: announce response missing 'interval'")
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := getInt(dict, "min interval")
	seeders, _ := getInt(dict, "complete")
	leechers, _ := getInt(dict, "incomplete")
	trackerID, _ := getString(dict, "tracker id")

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func getInt(dict *bencode.Dict, key string) (int64, bool) {
	v, ok := dict.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func getString(dict *bencode.Dict, key string) (string, bool) {
	v, ok := dict.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// parsePeers dispatches on the two shapes trackers return: a compact byte
// string of concatenated 6-byte records, or a list of dictionaries each
// with 'ip' and 'port'.
func parsePeers(dict *bencode.Dict) ([]netip.AddrPort, error) {
	v, ok := dict.Get("peers")
	if !ok {
		return nil, nil
	}

	if raw, ok := v.AsBytes(); ok {
		return decodeCompactPeers(raw)
	}
	if list, ok := v.AsList(); ok {
		return decodeDictPeers(list)
	}
	return nil, fmt.Errorf("peers field is neither a byte string nor a list")
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%compactPeerStride != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(data), compactPeerStride)
	}

	n := len(data) / compactPeerStride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+compactPeerStride {
		chunk := data[off : off+compactPeerStride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}

func decodeDictPeers(list []*bencode.Value) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))

	for i, item := range list {
		dict, ok := item.AsDict()
		if !ok {
			return nil, fmt.Errorf("peer[%d]: not a dictionary", i)
		}

		ipVal, ok := dict.Get("ip")
		if !ok {
			return nil, fmt.Errorf("peer[%d]: missing 'ip'", i)
		}
		ipStr, ok := ipVal.AsString()
		if !ok {
			return nil, fmt.Errorf("peer[%d]: 'ip' is not a string", i)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		portVal, ok := dict.Get("port")
		if !ok {
			return nil, fmt.Errorf("peer[%d]: missing 'port'", i)
		}
		port, ok := portVal.AsInt()
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port", i)
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}

	return out, nil
}
