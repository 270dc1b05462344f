package host

import "errors"

var (
	ErrAlreadyInitialized = errors.New("host: guest module already initialized")
	ErrNotInitialized     = errors.New("host: guest module not initialized")
	ErrMissingExport      = errors.New("host: guest module is missing a required export")
	ErrUnknownSession     = errors.New("host: unknown or closed session")
	ErrRuntimeClosed      = errors.New("host: runtime closed")
	ErrArgTooLarge        = errors.New("host: session argument exceeds limit")
	ErrNoVocabulary       = errors.New("host: vocabulary size unknown; set a trie or a vocabulary size")
)
