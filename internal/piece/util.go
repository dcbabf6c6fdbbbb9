package piece

import "fmt"

// BlockLength is the fixed block size: pieces are requested and received in
// units of this size, except for a possibly shorter final block per piece.
const BlockLength = 16384

// PieceCount returns how many pieces are needed to cover size bytes at
// pieceLen each: ceil(size / pieceLen).
func PieceCount(size int64, pieceLen int64) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + pieceLen - 1) / pieceLen)
}

// LastPieceLength returns the byte length of the final piece.
func LastPieceLength(size, pieceLen int64) (int64, error) {
	if size <= 0 || pieceLen <= 0 {
		return 0, fmt.Errorf("piece: size and pieceLen must be positive")
	}

	if rem := size % pieceLen; rem != 0 {
		return rem, nil
	}
	return pieceLen, nil
}

// PieceLengthAt returns the length of piece index; all pieces are pieceLen
// long except possibly the last.
func PieceLengthAt(index int, size, pieceLen int64) (int64, error) {
	count := PieceCount(size, pieceLen)
	if index < 0 || index >= count {
		return 0, fmt.Errorf("piece: index %d out of range [0,%d)", index, count)
	}

	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}
	return pieceLen, nil
}

// PieceOffsetBounds returns the half-open [start, end) byte offsets of piece
// index in stream space.
func PieceOffsetBounds(index int, size, pieceLen int64) (start, end int64, err error) {
	length, err := PieceLengthAt(index, size, pieceLen)
	if err != nil {
		return 0, 0, err
	}

	start = int64(index) * pieceLen
	return start, start + length, nil
}

// BlockCountForPiece returns the number of blockLen-sized blocks needed to
// cover a piece of length pieceLen.
func BlockCountForPiece(pieceLen, blockLen int64) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	return int((pieceLen + blockLen - 1) / blockLen)
}

// LastBlockLength returns the byte length of the final block in a piece.
func LastBlockLength(pieceLen, blockLen int64) int64 {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	if rem := pieceLen % blockLen; rem != 0 {
		return rem
	}
	return blockLen
}

// BlockOffsetBounds returns the begin offset (within the piece) and length
// of block blockIdx, given the piece's length and the block size in use.
func BlockOffsetBounds(pieceLen, blockLen int64, blockIdx int) (begin, length int64, err error) {
	count := BlockCountForPiece(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= count {
		return 0, 0, fmt.Errorf("piece: block index %d out of range [0,%d)", blockIdx, count)
	}

	begin = int64(blockIdx) * blockLen
	length = blockLen
	if blockIdx == count-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}
	return begin, length, nil
}
