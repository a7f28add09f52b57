package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/pkg/types"
)

// Entry is one decoded frame. Exactly one of Header and Document is set.
type Entry struct {
	Header   *CollectionHeader
	Document types.Document
}

// Reader reads a snapshot stream.
type Reader struct {
	r    io.Reader
	done bool
}

// NewReader validates the stream magic and returns a reader positioned at
// the first frame.
func NewReader(r io.Reader) (*Reader, error) {
	sr := snappy.NewReader(r)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(sr, magic); err != nil {
		return nil, corrupt("failed to read magic", err)
	}
	if string(magic) != Magic {
		return nil, corrupt(fmt.Sprintf("unexpected magic %q", magic), nil)
	}
	return &Reader{r: sr}, nil
}

// Next returns the next entry, or io.EOF after the end frame.
func (r *Reader) Next() (Entry, error) {
	if r.done {
		return Entry{}, io.EOF
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return Entry{}, corrupt("truncated stream", err)
	}
	kind := header[0]
	length := binary.LittleEndian.Uint32(header[1:5])
	checksum := binary.LittleEndian.Uint32(header[5:9])

	if length > maxFrameSize {
		return Entry{}, corrupt(fmt.Sprintf("frame of %d bytes exceeds limit", length), nil)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Entry{}, corrupt("truncated frame", err)
	}
	if murmur3.Sum32(payload) != checksum {
		return Entry{}, corrupt("checksum mismatch", nil)
	}

	switch kind {
	case kindEnd:
		r.done = true
		return Entry{}, io.EOF
	case kindCollection:
		var h CollectionHeader
		if err := bson.Unmarshal(payload, &h); err != nil {
			return Entry{}, corrupt("invalid collection header", err)
		}
		return Entry{Header: &h}, nil
	case kindDocument:
		var raw map[string]any
		if err := bson.Unmarshal(payload, &raw); err != nil {
			return Entry{}, corrupt("invalid document", err)
		}
		doc := make(types.Document, len(raw))
		for k, v := range raw {
			doc[k] = normalize(v)
		}
		return Entry{Document: doc}, nil
	default:
		return Entry{}, corrupt(fmt.Sprintf("unknown frame kind %d", kind), nil)
	}
}

// normalize converts BSON decoding artifacts back into the plain Go values
// documents are made of.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case primitive.A:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = normalize(e)
		}
		return l
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = normalize(e)
		}
		return l
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case int32:
		return int64(t)
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}

func corrupt(msg string, cause error) error {
	if errors.Is(cause, io.ErrUnexpectedEOF) || errors.Is(cause, io.EOF) {
		msg += " (unexpected end of stream)"
	}
	return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: "+msg, cause)
}
