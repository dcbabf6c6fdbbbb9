// Package meta projects a decoded bencode dictionary into a typed view of a
// .torrent file: the announce URL, the info-hash, the piece-hash vector, and
// the file layout.
package meta

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/prxssh/gorrent/internal/bencode"
)

// Metainfo is the typed view of a decoded .torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Info         Info
	InfoHash     [sha1.Size]byte

	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string

	// Warnings holds non-fatal issues noticed while decoding, such as
	// duplicate dictionary keys. The data they describe is preserved in
	// the parsed structures; callers should surface them rather than
	// treat them as failures.
	Warnings []string
}

// Info is the typed view of the info dictionary: piece geometry plus the
// single-file or multi-file layout.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool

	// Length is the total size across all files, in piece space.
	Length int64

	// Files is nil for a single-file torrent; Info.Name is then the file
	// name. For a multi-file torrent, Files holds one entry per declared
	// file and Info.Name is the root directory name.
	Files []File
}

// File is one entry of a multi-file torrent's layout.
type File struct {
	Path   []string
	Length int64
}

// MissingFieldError reports a required metainfo field that was absent.
type MissingFieldError struct{ Field string }

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("metainfo: missing required field %q", e.Field)
}

// MalformedFieldError reports a metainfo field that was present but
// violated its required shape or range.
type MalformedFieldError struct {
	Field string
	Why   string
}

func (e *MalformedFieldError) Error() string {
	return fmt.Sprintf("metainfo: field %q malformed: %s", e.Field, e.Why)
}

func missingField(field string) error { return &MissingFieldError{Field: field} }

func malformedField(field, why string) error { return &MalformedFieldError{Field: field, Why: why} }

func malformedFieldf(field, f string, a ...any) error {
	return &MalformedFieldError{Field: field, Why: fmt.Sprintf(f, a...)}
}

// ParseMetainfo decodes data as a bencoded metainfo dictionary and projects
// it into a Metainfo. It fails with a *MissingFieldError or
// *MalformedFieldError naming the offending field; bencode syntax failures
// are returned as-is (*bencode.SyntaxError).
func ParseMetainfo(data []byte) (*Metainfo, error) {
	root, warnings, err := bencode.UnmarshalWithWarnings(data)
	if err != nil {
		return nil, err
	}

	dict, ok := root.AsDict()
	if !ok {
		return nil, malformedField("<root>", "top-level value is not a dictionary")
	}

	announce, err := projectAnnounce(dict)
	if err != nil {
		return nil, err
	}
	announceList, err := projectAnnounceList(dict)
	if err != nil {
		return nil, err
	}

	infoVal, ok := dict.Get("info")
	if !ok {
		return nil, missingField("info")
	}
	infoDict, ok := infoVal.AsDict()
	if !ok {
		return nil, malformedField("info", "not a dictionary")
	}

	info, err := projectInfo(infoDict)
	if err != nil {
		return nil, err
	}

	infoHash, err := infoVal.SHA1()
	if err != nil {
		return nil, fmt.Errorf("metainfo: computing info hash: %w", err)
	}

	creationDate, err := projectCreationDate(dict)
	if err != nil {
		return nil, err
	}
	createdBy, err := projectOptionalString(dict, "created by")
	if err != nil {
		return nil, err
	}
	comment, err := projectOptionalString(dict, "comment")
	if err != nil {
		return nil, err
	}
	encoding, err := projectOptionalString(dict, "encoding")
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Announce:     announce,
		AnnounceList: announceList,
		Info:         info,
		InfoHash:     infoHash,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
		Warnings:     warnings,
	}, nil
}

// Size returns the total byte length of the torrent's content.
func (m *Metainfo) Size() int64 { return m.Info.Length }

func projectAnnounce(dict *bencode.Dict) (string, error) {
	v, ok := dict.Get("announce")
	if !ok {
		return "", missingField("announce")
	}
	s, ok := v.AsString()
	if !ok {
		return "", malformedField("announce", "not a byte string")
	}
	if s == "" {
		return "", malformedField("announce", "must be non-empty")
	}
	return s, nil
}

func projectAnnounceList(dict *bencode.Dict) ([][]string, error) {
	v, ok := dict.Get("announce-list")
	if !ok {
		return nil, nil
	}
	tiers, ok := v.AsList()
	if !ok {
		return nil, malformedField("announce-list", "not a list")
	}

	out := make([][]string, 0, len(tiers))
	for i, tierVal := range tiers {
		tierItems, ok := tierVal.AsList()
		if !ok {
			return nil, malformedFieldf("announce-list", "tier %d is not a list", i)
		}

		tier := make([]string, 0, len(tierItems))
		for j, u := range tierItems {
			s, ok := u.AsString()
			if !ok {
				return nil, malformedFieldf("announce-list", "tier %d entry %d is not a string", i, j)
			}
			tier = append(tier, s)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func projectCreationDate(dict *bencode.Dict) (time.Time, error) {
	v, ok := dict.Get("creation date")
	if !ok {
		return time.Time{}, nil
	}
	secs, ok := v.AsInt()
	if !ok || secs < 0 {
		return time.Time{}, malformedField("creation date", "must be a non-negative integer")
	}
	return time.Unix(secs, 0).UTC(), nil
}

func projectOptionalString(dict *bencode.Dict, field string) (string, error) {
	v, ok := dict.Get(field)
	if !ok {
		return "", nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", malformedField(field, "not a byte string")
	}
	return s, nil
}

func projectInfo(dict *bencode.Dict) (Info, error) {
	var out Info

	nameVal, ok := dict.Get("name")
	if !ok {
		return out, missingField("name")
	}
	name, ok := nameVal.AsString()
	if !ok || name == "" {
		return out, malformedField("name", "must be a non-empty byte string")
	}
	out.Name = name

	plVal, ok := dict.Get("piece length")
	if !ok {
		return out, missingField("piece length")
	}
	pieceLength, ok := plVal.AsInt()
	if !ok || pieceLength <= 0 {
		return out, malformedField("piece length", "must be a positive integer")
	}
	out.PieceLength = pieceLength

	piecesVal, ok := dict.Get("pieces")
	if !ok {
		return out, missingField("pieces")
	}
	pieces, err := projectPieces(piecesVal)
	if err != nil {
		return out, err
	}
	out.Pieces = pieces

	if privVal, ok := dict.Get("private"); ok {
		n, ok := privVal.AsInt()
		if !ok || (n != 0 && n != 1) {
			return out, malformedField("private", "must be 0 or 1")
		}
		out.Private = n == 1
	}

	lengthVal, hasLength := dict.Get("length")
	filesVal, hasFiles := dict.Get("files")

	switch {
	case hasLength && !hasFiles:
		length, ok := lengthVal.AsInt()
		if !ok || length < 0 {
			return out, malformedField("length", "must be a non-negative integer")
		}
		out.Length = length

	case hasFiles && !hasLength:
		files, err := projectFiles(filesVal)
		if err != nil {
			return out, err
		}
		out.Files = files
		var sum int64
		for _, f := range files {
			sum += f.Length
		}
		out.Length = sum

	default:
		return out, malformedField("length/files", "exactly one of 'length' or 'files' must be present")
	}

	wantCount := pieceCount(out.Length, out.PieceLength)
	if int64(len(out.Pieces)) != wantCount {
		return out, malformedFieldf(
			"pieces",
			"have %d piece hashes, expected %d for total length %d at piece length %d",
			len(out.Pieces), wantCount, out.Length, out.PieceLength,
		)
	}

	return out, nil
}

// pieceCount returns ceil(total/pieceLength), matching the "|pieces| ==
// ceil(total_length / piece_length)" layout invariant. A degenerate
// zero-length torrent has zero pieces.
func pieceCount(total, pieceLength int64) int64 {
	if total <= 0 || pieceLength <= 0 {
		return 0
	}
	return (total + pieceLength - 1) / pieceLength
}

func projectPieces(v *bencode.Value) ([][sha1.Size]byte, error) {
	raw, ok := v.AsBytes()
	if !ok {
		return nil, malformedField("pieces", "not a byte string")
	}
	if len(raw)%sha1.Size != 0 {
		return nil, malformedFieldf("pieces", "length %d is not a multiple of %d", len(raw), sha1.Size)
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func projectFiles(v *bencode.Value) ([]File, error) {
	items, ok := v.AsList()
	if !ok || len(items) == 0 {
		return nil, malformedField("files", "must be a non-empty list")
	}

	files := make([]File, 0, len(items))
	for i, item := range items {
		dict, ok := item.AsDict()
		if !ok {
			return nil, malformedFieldf("files", "entry %d is not a dictionary", i)
		}

		lenVal, ok := dict.Get("length")
		if !ok {
			return nil, malformedFieldf("files", "entry %d missing 'length'", i)
		}
		length, ok := lenVal.AsInt()
		if !ok || length < 0 {
			return nil, malformedFieldf("files", "entry %d has invalid 'length'", i)
		}

		pathVal, ok := dict.Get("path")
		if !ok {
			return nil, malformedFieldf("files", "entry %d missing 'path'", i)
		}
		pathItems, ok := pathVal.AsList()
		if !ok || len(pathItems) == 0 {
			return nil, malformedFieldf("files", "entry %d has invalid 'path'", i)
		}

		segments := make([]string, 0, len(pathItems))
		for j, seg := range pathItems {
			s, ok := seg.AsString()
			if !ok || s == "" {
				return nil, malformedFieldf("files", "entry %d path segment %d is invalid", i, j)
			}
			segments = append(segments, s)
		}

		files = append(files, File{Path: segments, Length: length})
	}

	return files, nil
}
