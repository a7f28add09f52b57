package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
	"go.mongodb.org/mongo-driver/bson"

	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/pkg/types"
)

// Writer writes a snapshot stream.
type Writer struct {
	sw          *snappy.Writer
	collections int
	documents   int64
	inCol       bool
	closed      bool
}

// NewWriter starts a snapshot on w.
func NewWriter(w io.Writer) (*Writer, error) {
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write([]byte(Magic)); err != nil {
		return nil, docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: failed to write magic", err)
	}
	return &Writer{sw: sw}, nil
}

// BeginCollection writes a collection header. Documents written afterwards
// belong to this collection.
func (w *Writer) BeginCollection(h CollectionHeader) error {
	payload, err := bson.Marshal(h)
	if err != nil {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream,
			fmt.Sprintf("snapshot: failed to encode header of %q", h.Name), err)
	}
	if err := w.writeFrame(kindCollection, payload); err != nil {
		return err
	}
	w.collections++
	w.inCol = true
	return nil
}

// WriteDocument writes one document of the current collection.
func (w *Writer) WriteDocument(doc types.Document) error {
	if !w.inCol {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream,
			"snapshot: document written before any collection header", nil)
	}
	payload, err := bson.Marshal(map[string]any(doc))
	if err != nil {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: failed to encode document", err)
	}
	if err := w.writeFrame(kindDocument, payload); err != nil {
		return err
	}
	w.documents++
	return nil
}

// Close writes the end frame and flushes. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writeFrame(kindEnd, nil); err != nil {
		return err
	}
	if err := w.sw.Close(); err != nil {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: failed to flush", err)
	}
	return nil
}

// Collections returns the number of collection headers written.
func (w *Writer) Collections() int {
	return w.collections
}

// Documents returns the number of documents written.
func (w *Writer) Documents() int64 {
	return w.documents
}

func (w *Writer) writeFrame(kind byte, payload []byte) error {
	if w.closed && kind != kindEnd {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: write after close", nil)
	}

	var header [frameHeaderSize]byte
	header[0] = kind
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[5:9], murmur3.Sum32(payload))

	if _, err := w.sw.Write(header[:]); err != nil {
		return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: failed to write frame", err)
	}
	if len(payload) > 0 {
		if _, err := w.sw.Write(payload); err != nil {
			return docerrors.NewSnapshotError(docerrors.CodeCorruptStream, "snapshot: failed to write frame", err)
		}
	}
	return nil
}
