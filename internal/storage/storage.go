// Package storage maps piece-space byte ranges onto one or more on-disk
// files. A Store serves exactly one coordinator and performs no internal
// synchronization: writes are serialized through that single caller, while
// ReadPiece and IsPieceComplete only issue positioned reads and so may be
// called from concurrent goroutines (the coordinator's resume scan does).
package storage

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/gorrent/internal/meta"
)

// ErrHashMismatch is returned by WritePiece when data does not hash to the
// piece's expected SHA-1.
type ErrHashMismatch struct {
	Index int
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("storage: piece %d: hash mismatch", e.Index)
}

// ErrMissingOrShortFile is returned by ReadPiece when a mapping touching the
// requested range is absent or too short to satisfy the read.
type ErrMissingOrShortFile struct {
	Path string
}

func (e *ErrMissingOrShortFile) Error() string {
	return fmt.Sprintf("storage: file %q missing or shorter than required", e.Path)
}

// mapping is one on-disk file and the piece-space byte range it occupies.
// complete records whether the file already existed at its full declared
// size when the Store was constructed; integrity is still decided by
// per-piece hash verification, not by this flag.
type mapping struct {
	path        string
	startOffset int64
	length      int64
	complete    bool
	f           *os.File
}

// Overlap is one entry of affected_files: the mapping touched by a piece-space
// range, and the overlapping sub-range expressed in that same piece-space
// coordinate system.
type Overlap struct {
	Path         string
	OverlapStart int64
	OverlapEnd   int64

	mapping *mapping
}

// Store is the file-mapping storage layer: it translates piece-space I/O
// into multi-file byte-range reads and writes.
type Store struct {
	log *slog.Logger

	name        string
	downloadDir string
	pieceLength int64
	totalLength int64
	pieceHashes [][sha1.Size]byte
	mappings    []*mapping
}

// New constructs the file mappings for metainfo under downloadDir, creating
// parent directories and any missing files (truncated to their final size)
// along the way. Existing files are left in place so partial downloads
// resume at their correct offsets.
func New(metainfo *meta.Metainfo, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage", "name", metainfo.Info.Name)

	mappings, err := setupMappings(metainfo, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup mappings: %w", err)
	}

	preexisting := 0
	for _, m := range mappings {
		if m.complete {
			preexisting++
		}
	}
	if preexisting > 0 {
		log.Info("found files at full size", "files", preexisting, "total", len(mappings))
	}

	return &Store{
		log:         log,
		name:        metainfo.Info.Name,
		downloadDir: downloadDir,
		pieceLength: metainfo.Info.PieceLength,
		totalLength: metainfo.Info.Length,
		pieceHashes: metainfo.Info.Pieces,
		mappings:    mappings,
	}, nil
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	var firstErr error
	for _, m := range s.mappings {
		if err := m.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pieceLengthAt returns the declared length of piece index, accounting for a
// shorter final piece.
func (s *Store) pieceLengthAt(index int) int64 {
	start := int64(index) * s.pieceLength
	end := start + s.pieceLength
	if end > s.totalLength {
		end = s.totalLength
	}
	return end - start
}

// AffectedFiles returns the ordered sequence of (mapping, overlap_start,
// overlap_end) tuples for every mapping whose byte range intersects the
// half-open piece-space range [start, end). The concatenated overlap ranges
// cover [start, end) exactly, without gap or duplication.
func (s *Store) AffectedFiles(start, end int64) []Overlap {
	var out []Overlap

	for _, m := range s.mappings {
		mStart := m.startOffset
		mEnd := mStart + m.length

		overlapStart := max(start, mStart)
		overlapEnd := min(end, mEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		out = append(out, Overlap{
			Path:         m.path,
			OverlapStart: overlapStart,
			OverlapEnd:   overlapEnd,
			mapping:      m,
		})
	}

	return out
}

// WritePiece verifies data against the piece's expected hash, then writes it
// through the affected file mappings, flushing after each write.
func (s *Store) WritePiece(index int, data []byte) error {
	if index < 0 || index >= len(s.pieceHashes) {
		return fmt.Errorf("storage: piece index %d out of range", index)
	}

	if sha1.Sum(data) != s.pieceHashes[index] {
		return &ErrHashMismatch{Index: index}
	}

	pieceStart := int64(index) * s.pieceLength
	pieceEnd := pieceStart + int64(len(data))
	if pieceEnd > s.totalLength {
		pieceEnd = s.totalLength
	}

	for _, ov := range s.AffectedFiles(pieceStart, pieceEnd) {
		offsetInFile := ov.OverlapStart - ov.mapping.startOffset
		offsetInData := ov.OverlapStart - pieceStart
		writeLen := ov.OverlapEnd - ov.OverlapStart

		n, err := ov.mapping.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("storage: write %s: %w", ov.Path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("storage: short write to %s: wrote %d, want %d", ov.Path, n, writeLen)
		}
		if err := ov.mapping.f.Sync(); err != nil {
			return fmt.Errorf("storage: flush %s: %w", ov.Path, err)
		}
	}

	s.log.Debug("wrote piece", "index", index, "bytes", len(data))
	return nil
}

// ReadPiece returns the bytes of piece index: piece_length bytes, or the
// shorter last-piece length.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if index < 0 || index >= len(s.pieceHashes) {
		return nil, fmt.Errorf("storage: piece index %d out of range", index)
	}

	length := s.pieceLengthAt(index)
	data := make([]byte, length)

	pieceStart := int64(index) * s.pieceLength
	pieceEnd := pieceStart + length

	for _, ov := range s.AffectedFiles(pieceStart, pieceEnd) {
		offsetInFile := ov.OverlapStart - ov.mapping.startOffset
		offsetInData := ov.OverlapStart - pieceStart
		readLen := ov.OverlapEnd - ov.OverlapStart

		n, err := ov.mapping.f.ReadAt(data[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil || int64(n) != readLen {
			return nil, &ErrMissingOrShortFile{Path: ov.Path}
		}
	}

	return data, nil
}

// IsPieceComplete attempts to read and hash-verify index. Any I/O failure
// yields false rather than an error, making this safe to use as a resume
// probe over partially-populated files.
func (s *Store) IsPieceComplete(index int) bool {
	data, err := s.ReadPiece(index)
	if err != nil {
		return false
	}
	return sha1.Sum(data) == s.pieceHashes[index]
}

func setupMappings(metainfo *meta.Metainfo, downloadDir string) ([]*mapping, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	if metainfo.Info.Files == nil {
		path := filepath.Join(downloadDir, metainfo.Info.Name)
		m, err := openMapping(path, metainfo.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*mapping{m}, nil
	}

	root := filepath.Join(downloadDir, metainfo.Info.Name)

	var (
		offset   int64
		mappings []*mapping
	)
	for _, f := range metainfo.Info.Files {
		parts := append([]string{root}, f.Path...)
		path := filepath.Join(parts...)

		m, err := openMapping(path, f.Length, offset)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
		offset += f.Length
	}

	return mappings, nil
}

func openMapping(path string, length, offset int64) (*mapping, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// Existence pass: record whether the file was already at its full
	// declared size before we size it. Shorter (partial) files are kept as
	// they are and extended, so prior writes stay at their correct offsets.
	complete := false
	if fi, err := os.Stat(path); err == nil && fi.Size() == length {
		complete = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, err
	}

	return &mapping{path: path, length: length, startOffset: offset, complete: complete, f: f}, nil
}
