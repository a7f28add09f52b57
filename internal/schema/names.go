package schema

import "strings"

const (
	// TypesSuffix names the per-collection type metadata table.
	TypesSuffix = "_types"
	// IndexesSuffix names the per-collection index metadata table.
	IndexesSuffix = "_indexes"
)

// ValidateName checks if a name is usable as a collection or index name:
// a letter or underscore followed by letters, digits, or underscores.
func ValidateName(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	// First character must be a letter or underscore
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	// Subsequent characters can be letters, digits, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// ValidateCollectionName is ValidateName plus the names that would collide
// with SQLite internals, another collection's metadata tables, or the
// "<collection>__<index>" names of backing indexes. A collection name may
// not contain "__" or end in "_", so the first "__" of a backing name always
// ends the collection part.
func ValidateCollectionName(name string) bool {
	if !ValidateName(name) {
		return false
	}
	if strings.Contains(name, "__") || strings.HasSuffix(name, "_") {
		return false
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "sqlite_") {
		return false
	}
	return !strings.HasSuffix(lower, TypesSuffix) && !strings.HasSuffix(lower, IndexesSuffix)
}

// TypesTable returns the metadata table holding a collection's field types.
func TypesTable(collection string) string {
	return collection + TypesSuffix
}

// IndexesTable returns the metadata table holding a collection's indexes.
func IndexesTable(collection string) string {
	return collection + IndexesSuffix
}
