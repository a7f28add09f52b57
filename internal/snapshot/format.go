// Package snapshot implements the portable export format used by export,
// import, backup, and restore.
//
// A snapshot is a snappy-framed stream:
//
//	magic "ARKIDOC1"
//	frame*  where frame = kind (1 byte) + length (4 bytes LE) + murmur3 (4 bytes LE) + BSON payload
//	end frame (kind 0, empty payload)
//
// Each collection is introduced by a header frame carrying its field types
// and index definitions, followed by one frame per document.
package snapshot

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/arkidoc/pkg/types"
)

// Magic opens every snapshot stream.
const Magic = "ARKIDOC1"

// Extension is the file extension of backup objects.
const Extension = ".arkidoc"

// Frame kinds.
const (
	kindEnd        byte = 0
	kindCollection byte = 1
	kindDocument   byte = 2
)

// frameHeaderSize is kind + length + checksum.
const frameHeaderSize = 9

// maxFrameSize bounds a single frame so a corrupt length cannot force a huge
// allocation.
const maxFrameSize = 64 << 20

// CollectionHeader describes a collection in a snapshot.
type CollectionHeader struct {
	Name    string            `bson:"name"`
	Fields  map[string]string `bson:"fields"`
	Indexes []types.IndexDef  `bson:"indexes"`
}

// FieldTypes decodes the header's field type names. Unknown names are
// skipped.
func (h *CollectionHeader) FieldTypes() map[string]types.FieldType {
	out := make(map[string]types.FieldType, len(h.Fields))
	for name, typeName := range h.Fields {
		if ft, err := types.ParseFieldType(typeName); err == nil {
			out[name] = ft
		}
	}
	return out
}

// NewCollectionHeader builds a header from a type registry snapshot.
func NewCollectionHeader(name string, fields map[string]types.FieldType, indexes []types.IndexDef) CollectionHeader {
	names := make(map[string]string, len(fields))
	for field, ft := range fields {
		names[field] = ft.String()
	}
	if indexes == nil {
		indexes = []types.IndexDef{}
	}
	return CollectionHeader{Name: name, Fields: names, Indexes: indexes}
}

// ObjectName returns a new, time-ordered backup object name under prefix.
func ObjectName(prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return path.Join(prefix, id.String()+Extension), nil
}

// IsBackupObject reports whether an object path looks like a backup.
func IsBackupObject(objectPath string) bool {
	return strings.HasSuffix(objectPath, Extension)
}

// ObjectTime extracts the creation time embedded in a backup object name.
func ObjectTime(objectPath string) (time.Time, bool) {
	base := strings.TrimSuffix(path.Base(objectPath), Extension)
	id, err := uuid.Parse(base)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
