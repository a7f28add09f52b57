package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/snapshot"
	"github.com/arkilian/arkidoc/internal/storage"
	"github.com/arkilian/arkidoc/pkg/types"
)

// TransferSummary counts what an export or import moved.
type TransferSummary struct {
	Collections int
	Documents   int64
}

// BackupInfo describes a backup object.
type BackupInfo struct {
	Object    string
	CreatedAt time.Time
	TransferSummary
}

// Export writes a snapshot of the named collections to w, or of every
// collection when names is empty. Unless a transaction is already open the
// export reads from a single transaction.
func (db *Database) Export(ctx context.Context, w io.Writer, names ...string) (TransferSummary, error) {
	if err := db.checkOpen(); err != nil {
		return TransferSummary{}, err
	}

	var summary TransferSummary
	run := func(ctx context.Context) error {
		var err error
		summary, err = db.export(ctx, w, names)
		return err
	}

	var err error
	if db.InTransaction() {
		err = run(ctx)
	} else {
		err = db.Transaction(ctx, run)
	}
	if err != nil {
		return TransferSummary{}, err
	}
	db.logger.Infow("docstore: export complete", "collections", summary.Collections, "documents", summary.Documents)
	return summary, nil
}

func (db *Database) export(ctx context.Context, w io.Writer, names []string) (TransferSummary, error) {
	existing, err := db.ListCollections(ctx)
	if err != nil {
		return TransferSummary{}, err
	}
	if len(names) == 0 {
		names = existing
	} else {
		known := make(map[string]bool, len(existing))
		for _, name := range existing {
			known[name] = true
		}
		for _, name := range names {
			if !known[name] {
				return TransferSummary{}, docerrors.NewValidationError(docerrors.CodeInvalidName,
					fmt.Sprintf("docstore: collection %q does not exist", name))
			}
		}
	}

	sw, err := snapshot.NewWriter(w)
	if err != nil {
		return TransferSummary{}, err
	}
	for _, name := range names {
		c, err := db.Collection(ctx, name)
		if err != nil {
			return TransferSummary{}, err
		}
		if err := c.export(ctx, sw); err != nil {
			return TransferSummary{}, err
		}
	}
	if err := sw.Close(); err != nil {
		return TransferSummary{}, err
	}
	return TransferSummary{Collections: sw.Collections(), Documents: sw.Documents()}, nil
}

func (c *Collection) export(ctx context.Context, sw *snapshot.Writer) error {
	fields := c.fields.Fields()
	for name := range fields {
		if types.IsSystemField(name) {
			delete(fields, name)
		}
	}
	indexes, err := c.indexes.List(ctx)
	if err != nil {
		return err
	}
	if err := sw.BeginCollection(snapshot.NewCollectionHeader(c.name, fields, indexes)); err != nil {
		return err
	}

	rows, err := c.db.eng.Query(ctx, fmt.Sprintf(`SELECT * FROM %s ORDER BY %s`,
		c.table, engine.QuoteIdent(types.FieldID)))
	if err != nil {
		return c.execError("export", err)
	}
	defer rows.Close()
	return c.scanEach(rows, sw.WriteDocument)
}

// Import loads a snapshot written by Export. Field types and indexes are
// declared first; documents keep their _id and timestamps and replace any
// existing document with the same _id. Unless a transaction is already
// open the import runs in one immediate transaction, so a corrupt stream
// leaves the database unchanged.
func (db *Database) Import(ctx context.Context, r io.Reader) (TransferSummary, error) {
	if err := db.checkOpen(); err != nil {
		return TransferSummary{}, err
	}

	var summary TransferSummary
	run := func(ctx context.Context) error {
		var err error
		summary, err = db.importStream(ctx, r)
		return err
	}

	var err error
	if db.InTransaction() {
		err = run(ctx)
	} else {
		err = db.ImmediateTransaction(ctx, run)
	}
	if err != nil {
		return TransferSummary{}, err
	}
	db.logger.Infow("docstore: import complete", "collections", summary.Collections, "documents", summary.Documents)
	return summary, nil
}

func (db *Database) importStream(ctx context.Context, r io.Reader) (TransferSummary, error) {
	sr, err := snapshot.NewReader(r)
	if err != nil {
		return TransferSummary{}, err
	}

	var (
		summary TransferSummary
		current *Collection
	)
	for {
		entry, err := sr.Next()
		if err == io.EOF {
			return summary, nil
		}
		if err != nil {
			return TransferSummary{}, err
		}

		if entry.Header != nil {
			current, err = db.Collection(ctx, entry.Header.Name)
			if err != nil {
				return TransferSummary{}, err
			}
			if err := current.declare(ctx, entry.Header); err != nil {
				return TransferSummary{}, err
			}
			summary.Collections++
			continue
		}

		if current == nil {
			return TransferSummary{}, docerrors.NewSnapshotError(docerrors.CodeCorruptStream,
				"docstore: document frame before any collection header", nil)
		}
		if err := current.restore(ctx, entry.Document); err != nil {
			return TransferSummary{}, err
		}
		summary.Documents++
	}
}

// declare registers the header's field types and creates its indexes.
func (c *Collection) declare(ctx context.Context, h *snapshot.CollectionHeader) error {
	fieldTypes := h.FieldTypes()
	names := make([]string, 0, len(fieldTypes))
	for name := range fieldTypes {
		if !types.IsSystemField(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.fields.Declare(ctx, name, fieldTypes[name]); err != nil {
			return err
		}
	}
	for _, def := range h.Indexes {
		if err := c.CreateIndex(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// restore writes an exported document back, keeping its system fields.
func (c *Collection) restore(ctx context.Context, doc types.Document) error {
	data := userFields(doc)
	if err := c.fields.Ensure(ctx, data); err != nil {
		return err
	}

	names := data.Keys()
	args := make([]any, 0, len(names)+3)
	for _, name := range names {
		args = append(args, c.serialize(name, data[name]))
	}
	if id, ok := doc.ID(); ok && id > 0 {
		names = append(names, types.FieldID)
		args = append(args, id)
	}
	for _, name := range []string{types.FieldCreatedAt, types.FieldUpdatedAt} {
		if v, ok := doc[name]; ok && v != nil {
			names = append(names, name)
			args = append(args, c.serialize(name, v))
		}
	}

	stmt := fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, c.table)
	if len(names) > 0 {
		stmt = fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
			c.table, engine.QuoteIdents(names), engine.Placeholders(len(names)))
	}
	if _, err := c.db.eng.Exec(ctx, stmt, args...); err != nil {
		return c.execError("import", err)
	}
	return nil
}

// Backup exports every collection and uploads the snapshot to store under
// the configured backup prefix.
func (db *Database) Backup(ctx context.Context, store storage.ObjectStorage) (BackupInfo, error) {
	object, err := snapshot.ObjectName(db.cfg.Backup.Prefix)
	if err != nil {
		return BackupInfo{}, docerrors.NewInternalError("docstore: failed to name backup object", err)
	}

	tmp, err := os.CreateTemp("", "arkidoc-backup-*"+snapshot.Extension)
	if err != nil {
		return BackupInfo{}, docerrors.NewStorageError(docerrors.CodeUploadFailed,
			"docstore: failed to create temporary backup file", err)
	}
	defer os.Remove(tmp.Name())

	summary, err := db.Export(ctx, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = docerrors.NewStorageError(docerrors.CodeUploadFailed, "docstore: failed to write backup file", cerr)
	}
	if err != nil {
		return BackupInfo{}, err
	}

	if err := store.Upload(ctx, tmp.Name(), object); err != nil {
		return BackupInfo{}, docerrors.NewStorageError(docerrors.CodeUploadFailed,
			fmt.Sprintf("docstore: failed to upload backup %s", object), err)
	}

	info := BackupInfo{Object: object, TransferSummary: summary}
	info.CreatedAt, _ = snapshot.ObjectTime(object)
	db.logger.Infow("docstore: backup complete", "object", object,
		"collections", summary.Collections, "documents", summary.Documents)
	return info, nil
}

// Restore downloads a backup object from store and imports it.
func (db *Database) Restore(ctx context.Context, store storage.ObjectStorage, object string) (TransferSummary, error) {
	if err := db.checkOpen(); err != nil {
		return TransferSummary{}, err
	}

	dir, err := os.MkdirTemp("", "arkidoc-restore-")
	if err != nil {
		return TransferSummary{}, docerrors.NewStorageError(docerrors.CodeDownloadFailed,
			"docstore: failed to create temporary directory", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "snapshot"+snapshot.Extension)
	if err := store.Download(ctx, object, local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return TransferSummary{}, docerrors.NewStorageError(docerrors.CodeObjectNotFound,
				fmt.Sprintf("docstore: backup %s not found", object), err)
		}
		return TransferSummary{}, docerrors.NewStorageError(docerrors.CodeDownloadFailed,
			fmt.Sprintf("docstore: failed to download backup %s", object), err)
	}

	f, err := os.Open(local)
	if err != nil {
		return TransferSummary{}, docerrors.NewStorageError(docerrors.CodeDownloadFailed,
			"docstore: failed to open downloaded backup", err)
	}
	defer f.Close()

	summary, err := db.Import(ctx, f)
	if err != nil {
		return TransferSummary{}, err
	}
	db.logger.Infow("docstore: restore complete", "object", object)
	return summary, nil
}

// ListBackups returns the backups found under the configured prefix, oldest
// first.
func (db *Database) ListBackups(ctx context.Context, store storage.ObjectStorage) ([]BackupInfo, error) {
	objects, err := store.ListObjects(ctx, db.cfg.Backup.Prefix)
	if err != nil {
		return nil, docerrors.NewStorageError(docerrors.CodeDownloadFailed, "docstore: failed to list backups", err)
	}

	backups := []BackupInfo{}
	for _, object := range objects {
		if !snapshot.IsBackupObject(object) {
			continue
		}
		info := BackupInfo{Object: object}
		info.CreatedAt, _ = snapshot.ObjectTime(object)
		backups = append(backups, info)
	}
	return backups, nil
}
