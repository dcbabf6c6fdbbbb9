package piece

import (
	"crypto/sha1"
	"testing"
	"time"
)

func TestNew_PopulatesMissingBlocks(t *testing.T) {
	length := int64(BlockLength*2 + 100)
	hash := sha1.Sum(make([]byte, length))
	p := New(0, length, hash)

	if p.State() != StatePending {
		t.Fatalf("State() = %v, want Pending", p.State())
	}
	if len(p.missing) != 3 {
		t.Fatalf("len(missing) = %d, want 3", len(p.missing))
	}
	if got := p.missing[BlockLength*2].Length; got != 100 {
		t.Fatalf("last block length = %d, want 100", got)
	}
}

func TestNextBlockRequest_AscendingOrderAndTransitionsToInProgress(t *testing.T) {
	length := int64(BlockLength * 3)
	p := New(0, length, sha1.Sum(make([]byte, length)))
	now := time.Now()

	var gotBegins []int64
	for i := 0; i < 3; i++ {
		b, ok := p.NextBlockRequest(now)
		if !ok {
			t.Fatalf("NextBlockRequest(%d) returned !ok", i)
		}
		gotBegins = append(gotBegins, b.Begin)
	}

	want := []int64{0, BlockLength, BlockLength * 2}
	for i := range want {
		if gotBegins[i] != want[i] {
			t.Fatalf("begins = %v, want %v", gotBegins, want)
		}
	}
	if p.State() != StateInProgress {
		t.Fatalf("State() = %v, want InProgress", p.State())
	}

	if _, ok := p.NextBlockRequest(now); ok {
		t.Fatalf("expected no more blocks to request, all three in flight")
	}
}

func TestNextBlockRequest_CapsAtMaxPendingRequests(t *testing.T) {
	length := int64(BlockLength * (MaxPendingRequests + 2))
	p := New(0, length, sha1.Sum(make([]byte, length)))
	now := time.Now()

	for i := 0; i < MaxPendingRequests; i++ {
		if _, ok := p.NextBlockRequest(now); !ok {
			t.Fatalf("NextBlockRequest(%d) returned !ok before reaching cap", i)
		}
	}

	if _, ok := p.NextBlockRequest(now); ok {
		t.Fatalf("expected NextBlockRequest to refuse once MaxPendingRequests in flight")
	}
}

func TestNextBlockRequest_ReapsTimeouts(t *testing.T) {
	length := int64(BlockLength)
	p := New(0, length, sha1.Sum(make([]byte, length)))
	start := time.Now()

	if _, ok := p.NextBlockRequest(start); !ok {
		t.Fatalf("expected a request to be issued")
	}
	if _, ok := p.NextBlockRequest(start.Add(time.Second)); ok {
		t.Fatalf("expected no blocks left to request immediately after")
	}

	later := start.Add(RequestTimeout + time.Second)
	b, ok := p.NextBlockRequest(later)
	if !ok {
		t.Fatalf("expected the timed-out block to be reissued")
	}
	if b.Begin != 0 {
		t.Fatalf("reissued block begin = %d, want 0", b.Begin)
	}
}

func TestIngest_RejectsWrongPieceIndex(t *testing.T) {
	p := New(1, BlockLength, sha1.Sum(make([]byte, BlockLength)))
	err := p.Ingest(Block{Info: BlockInfo{PieceIndex: 0, Begin: 0, Length: BlockLength}, Data: make([]byte, BlockLength)})
	if _, ok := err.(*ErrInvalidBlock); !ok {
		t.Fatalf("err = %v, want *ErrInvalidBlock", err)
	}
}

func TestIngest_RejectsOutOfRangeBlock(t *testing.T) {
	p := New(0, BlockLength, sha1.Sum(make([]byte, BlockLength)))
	err := p.Ingest(Block{
		Info: BlockInfo{PieceIndex: 0, Begin: BlockLength - 10, Length: 20},
		Data: make([]byte, 20),
	})
	if _, ok := err.(*ErrInvalidBlock); !ok {
		t.Fatalf("err = %v, want *ErrInvalidBlock", err)
	}
}

func TestIngest_CompletesWhenAllBlocksReceived(t *testing.T) {
	length := int64(BlockLength*2 + 50)
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)
	p := New(0, length, hash)
	now := time.Now()

	var reqs []BlockInfo
	for {
		b, ok := p.NextBlockRequest(now)
		if !ok {
			break
		}
		reqs = append(reqs, b)
	}
	if len(reqs) != 3 {
		t.Fatalf("len(reqs) = %d, want 3", len(reqs))
	}

	for _, b := range reqs {
		if err := p.Ingest(Block{Info: b, Data: data[b.Begin : b.Begin+b.Length]}); err != nil {
			t.Fatalf("Ingest(%+v): %v", b, err)
		}
	}

	if p.State() != StateComplete {
		t.Fatalf("State() = %v, want Complete", p.State())
	}

	assembled, err := p.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if string(assembled) != string(data) {
		t.Fatalf("Assemble() mismatch")
	}
	if !p.Verify(assembled) {
		t.Fatalf("Verify() = false, want true")
	}
}

func TestIngest_DuplicateBlockIsNoOp(t *testing.T) {
	length := int64(BlockLength * 2)
	p := New(0, length, sha1.Sum(make([]byte, length)))
	now := time.Now()

	b, _ := p.NextBlockRequest(now)
	if err := p.Ingest(Block{Info: b, Data: make([]byte, b.Length)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := p.Ingest(Block{Info: b, Data: make([]byte, b.Length)}); err != nil {
		t.Fatalf("re-Ingest of same block: %v, want nil", err)
	}
	if p.State() == StateComplete {
		t.Fatalf("State() = Complete with one of two blocks received")
	}
}

func TestIngest_AfterVerifiedKeepsStateVerified(t *testing.T) {
	length := int64(BlockLength)
	p := New(0, length, sha1.Sum(make([]byte, length)))
	now := time.Now()

	b, _ := p.NextBlockRequest(now)
	if err := p.Ingest(Block{Info: b, Data: make([]byte, b.Length)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p.MarkVerified()

	if err := p.Ingest(Block{Info: b, Data: make([]byte, b.Length)}); err != nil {
		t.Fatalf("Ingest after Verified: %v, want nil", err)
	}
	if p.State() != StateVerified {
		t.Fatalf("State() = %v after late duplicate, want Verified", p.State())
	}
}

func TestAssemble_FailsBeforeComplete(t *testing.T) {
	p := New(0, BlockLength, sha1.Sum(make([]byte, BlockLength)))
	if _, err := p.Assemble(); err == nil {
		t.Fatalf("expected ErrNotComplete")
	}
}

func TestMarkFailed_ResetsToPendingWithMissingRepopulated(t *testing.T) {
	length := int64(BlockLength)
	p := New(0, length, sha1.Sum(make([]byte, length)))
	now := time.Now()

	b, _ := p.NextBlockRequest(now)
	_ = p.Ingest(Block{Info: b, Data: make([]byte, b.Length)})
	if p.State() != StateComplete {
		t.Fatalf("State() = %v, want Complete before failing", p.State())
	}

	p.MarkFailed()
	if p.State() != StatePending {
		t.Fatalf("State() = %v, want Pending after MarkFailed", p.State())
	}
	if len(p.missing) != 1 {
		t.Fatalf("len(missing) = %d, want 1 after reset", len(p.missing))
	}
}

func TestVerify_DetectsMismatch(t *testing.T) {
	p := New(0, BlockLength, sha1.Sum(make([]byte, BlockLength)))
	if p.Verify(make([]byte, BlockLength-1)) {
		t.Fatalf("Verify() = true for wrong-length data, want false")
	}
	wrong := make([]byte, BlockLength)
	wrong[0] = 1
	if p.Verify(wrong) {
		t.Fatalf("Verify() = true for mismatched hash, want false")
	}
}
