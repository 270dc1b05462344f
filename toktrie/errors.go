package toktrie

import "errors"

var (
	ErrInvalidMagic       = errors.New("toktrie: invalid magic")
	ErrUnsupportedVersion = errors.New("toktrie: unsupported version")
	ErrCorrupt            = errors.New("toktrie: corrupt encoding")
	ErrDuplicateID        = errors.New("toktrie: duplicate token id")
	ErrReservedID         = errors.New("toktrie: token id 0xFFFFFFFF is reserved")
)
