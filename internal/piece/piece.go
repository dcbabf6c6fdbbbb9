// Package piece implements the single-piece download state machine: a
// piece starts Pending with every block missing, moves to InProgress as
// requests go out, becomes Complete once every block has arrived, and is
// promoted to Verified or kicked back to Pending depending on the SHA-1
// check.
package piece

import (
	"crypto/sha1"
	"fmt"
	"time"
)

// RequestTimeout is how long an outstanding block request is given before
// it is reaped back into the missing set.
const RequestTimeout = 30 * time.Second

// MaxPendingRequests caps the number of simultaneously outstanding block
// requests for one piece.
const MaxPendingRequests = 10

// State is a piece's position in its download lifecycle.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateComplete
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BlockInfo identifies a block request: which piece, what byte offset within
// it, and how many bytes.
type BlockInfo struct {
	PieceIndex int
	Begin      int64
	Length     int64
}

// Block is a received block: the request it answers plus its payload.
type Block struct {
	Info BlockInfo
	Data []byte
}

// ErrInvalidBlock is returned by Ingest when a block doesn't belong to this
// piece or overruns its declared length.
type ErrInvalidBlock struct {
	Reason string
}

func (e *ErrInvalidBlock) Error() string { return fmt.Sprintf("piece: invalid block: %s", e.Reason) }

// ErrNotComplete is returned by Assemble when the piece hasn't received
// every block yet.
type ErrNotComplete struct {
	Index int
	State State
}

func (e *ErrNotComplete) Error() string {
	return fmt.Sprintf("piece %d: not complete (state=%s)", e.Index, e.State)
}

// ErrOverlappingBlocks is returned by Assemble if two received blocks claim
// the same byte range, a programming error upstream, since Ingest should
// never have allowed it.
type ErrOverlappingBlocks struct {
	Index int
	Begin int64
}

func (e *ErrOverlappingBlocks) Error() string {
	return fmt.Sprintf("piece %d: overlapping blocks at offset %d", e.Index, e.Begin)
}

// Piece is one piece's download state machine. A Piece is not safe for
// concurrent use; the coordinator serializes all access to it.
type Piece struct {
	index        int
	length       int64
	expectedHash [sha1.Size]byte
	state        State

	missing   map[int64]BlockInfo
	requested map[int64]time.Time
	received  map[int64][]byte
}

// New constructs a Piece covering length bytes, fully unrequested, with
// missing populated per BlockLength-sized blocks (the last block may be
// shorter).
func New(index int, length int64, expectedHash [sha1.Size]byte) *Piece {
	p := &Piece{
		index:        index,
		length:       length,
		expectedHash: expectedHash,
		state:        StatePending,
	}
	p.populateMissing()
	return p
}

func (p *Piece) populateMissing() {
	count := BlockCountForPiece(p.length, BlockLength)
	p.missing = make(map[int64]BlockInfo, count)
	p.requested = make(map[int64]time.Time, count)
	p.received = make(map[int64][]byte, count)

	for i := 0; i < count; i++ {
		begin, length, err := BlockOffsetBounds(p.length, BlockLength, i)
		if err != nil {
			// BlockCountForPiece and BlockOffsetBounds agree by construction.
			panic(fmt.Sprintf("piece: internal inconsistency building block %d: %v", i, err))
		}
		p.missing[begin] = BlockInfo{PieceIndex: p.index, Begin: begin, Length: length}
	}
}

// Index returns the piece's index.
func (p *Piece) Index() int { return p.index }

// Length returns the piece's declared byte length.
func (p *Piece) Length() int64 { return p.length }

// State returns the piece's current lifecycle state.
func (p *Piece) State() State { return p.state }

// NextBlockRequest reaps timed-out requests, then, if under
// MaxPendingRequests, moves one block from missing to requested and
// returns it. Returns (BlockInfo{}, false) if there is nothing to request
// right now.
func (p *Piece) NextBlockRequest(now time.Time) (BlockInfo, bool) {
	for begin, t := range p.requested {
		if now.Sub(t) > RequestTimeout {
			p.missing[begin] = BlockInfo{PieceIndex: p.index, Begin: begin, Length: p.blockLengthAt(begin)}
			delete(p.requested, begin)
		}
	}

	if len(p.requested) >= MaxPendingRequests {
		return BlockInfo{}, false
	}

	if len(p.missing) == 0 {
		return BlockInfo{}, false
	}

	var chosen BlockInfo
	chosenBegin := int64(-1)
	for begin, info := range p.missing {
		if chosenBegin == -1 || begin < chosenBegin {
			chosenBegin = begin
			chosen = info
		}
	}

	delete(p.missing, chosenBegin)
	p.requested[chosenBegin] = now
	if p.state == StatePending {
		p.state = StateInProgress
	}

	return chosen, true
}

func (p *Piece) blockLengthAt(begin int64) int64 {
	end := begin + BlockLength
	if end > p.length {
		end = p.length
	}
	return end - begin
}

// Ingest records a received block. It validates that the block belongs to
// this piece and fits within its declared length, then removes it from
// requested (if present; unsolicited blocks are still accepted) and adds
// it to received. Once every byte of the piece is covered exactly once, the
// piece transitions to Complete.
func (p *Piece) Ingest(b Block) error {
	// A late duplicate for an already-committed piece must not regress it
	// to Complete, or the caller would verify and write it a second time.
	if p.state == StateVerified {
		return nil
	}
	if b.Info.PieceIndex != p.index {
		return &ErrInvalidBlock{Reason: fmt.Sprintf("piece index %d != %d", b.Info.PieceIndex, p.index)}
	}
	if b.Info.Begin < 0 || b.Info.Begin+int64(len(b.Data)) > p.length {
		return &ErrInvalidBlock{Reason: fmt.Sprintf("range [%d,%d) exceeds piece length %d", b.Info.Begin, b.Info.Begin+int64(len(b.Data)), p.length)}
	}

	delete(p.requested, b.Info.Begin)
	delete(p.missing, b.Info.Begin)
	p.received[b.Info.Begin] = b.Data

	if p.coverageComplete() {
		p.state = StateComplete
	}
	return nil
}

// coverageComplete reports whether every byte of the piece is covered by
// exactly one received block.
func (p *Piece) coverageComplete() bool {
	if len(p.missing) != 0 || len(p.requested) != 0 {
		return false
	}

	var sum int64
	for _, data := range p.received {
		sum += int64(len(data))
	}
	return sum == p.length
}

// Assemble requires state Complete and returns a contiguous buffer built by
// copying each received block to its offset. It fails if two blocks claim
// overlapping ranges, which should never happen given Ingest's bookkeeping.
func (p *Piece) Assemble() ([]byte, error) {
	if p.state != StateComplete {
		return nil, &ErrNotComplete{Index: p.index, State: p.state}
	}

	buf := make([]byte, p.length)
	covered := make([]bool, p.length)

	for begin, data := range p.received {
		for i, b := range data {
			pos := begin + int64(i)
			if covered[pos] {
				return nil, &ErrOverlappingBlocks{Index: p.index, Begin: begin}
			}
			covered[pos] = true
			buf[pos] = b
		}
	}

	return buf, nil
}

// Verify reports whether data's SHA-1 matches the piece's expected hash.
func (p *Piece) Verify(data []byte) bool {
	return sha1.Sum(data) == p.expectedHash
}

// MarkVerified transitions a Complete piece to Verified after the caller has
// independently confirmed the hash and committed the data to storage.
func (p *Piece) MarkVerified() { p.state = StateVerified }

// MarkFailed transitions a Complete piece to Failed and immediately resets
// it back to Pending with missing repopulated: hash mismatches are
// recoverable, so the piece goes back in flight.
func (p *Piece) MarkFailed() {
	p.state = StateFailed
	p.Reset()
}

// Reset clears requested and received, repopulates missing, and returns the
// piece to Pending.
func (p *Piece) Reset() {
	p.populateMissing()
	p.state = StatePending
}
