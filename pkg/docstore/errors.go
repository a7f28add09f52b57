package docstore

import (
	docerrors "github.com/arkilian/arkidoc/internal/errors"
)

// Sentinel errors. Match them with errors.Is; returned errors carry more
// detail but compare equal by category and code.
var (
	// ErrTransactionActive is returned when a transaction is started while
	// another one is open.
	ErrTransactionActive = docerrors.New(docerrors.ErrCategoryTransaction, docerrors.CodeTxAlreadyActive, "a transaction is already active")

	// ErrNoTransaction is returned by Commit and Rollback when no
	// transaction is open.
	ErrNoTransaction = docerrors.New(docerrors.ErrCategoryTransaction, docerrors.CodeTxNotActive, "no transaction is active")

	// ErrClosed is returned by every operation on a closed database.
	ErrClosed = docerrors.New(docerrors.ErrCategoryEngine, docerrors.CodeClosed, "database is closed")

	// ErrInvalidName is returned for collection names that are not plain
	// identifiers or that collide with metadata tables.
	ErrInvalidName = docerrors.New(docerrors.ErrCategoryValidation, docerrors.CodeInvalidName, "invalid collection name")
)
