// Package config holds tunables for the tracker client, storage layer, and
// piece coordinator. It carries no peer-wire-protocol fields: that
// collaborator lives outside this module.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceDownloadStrategy enumerates the piece-selection policies the
// coordinator's picker can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. This is the coordinator's baseline strategy.
	PieceDownloadStrategySequential PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, as reported by the (external) peer swarm.
	PieceDownloadStrategyRarestFirst
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the directory new torrents are saved into.
	DefaultDownloadDir string

	// ClientID is the unique identifier for our client, sent to trackers
	// as the peer_id.
	ClientID [sha1.Size]byte

	// ========== Tracker / Announce ==========

	// DialTimeout bounds the tracker HTTP request.
	DialTimeout time.Duration

	// NumWant is the number of peers requested from the tracker per
	// announce.
	NumWant uint32

	// AnnounceInterval overrides the tracker's suggested interval. 0 uses
	// the tracker-supplied value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces,
	// regardless of what the tracker requests.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port this client advertises for incoming peer
	// connections.
	Port uint16

	// ========== Piece Picker ==========

	// PieceDownloadStrategy chooses how the coordinator ranks eligible
	// pieces.
	PieceDownloadStrategy PieceDownloadStrategy

	// ========== Miscellaneous ==========

	// EnableIPv6 reports whether this host has a global IPv6 address. No
	// component reads it; the tracker client does not choose an address
	// family by it.
	EnableIPv6 bool
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:    getDefaultDownloadDir(),
		ClientID:              clientID,
		DialTimeout:           15 * time.Second,
		NumWant:               50,
		AnnounceInterval:      0,
		MinAnnounceInterval:   20 * time.Minute,
		MaxAnnounceBackoff:    45 * time.Minute,
		Port:                  6969,
		PieceDownloadStrategy: PieceDownloadStrategySequential,
		EnableIPv6:            hasIPV6(),
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "gorrent")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "gorrent", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-GR0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
