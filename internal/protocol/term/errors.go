package term

import "errors"

var (
	ErrUnsupportedVersion = errors.New("term: unsupported format version")
	ErrUnexpectedEOF      = errors.New("term: unexpected end of buffer")
	ErrUnknownTag         = errors.New("term: unknown tag")
	ErrImproperList       = errors.New("term: improper list unsupported")
	ErrIntegerOutOfRange  = errors.New("term: integer out of range")
	ErrAtomTooLong        = errors.New("term: atom too long")
	ErrInvalidAtom        = errors.New("term: atom is not valid utf-8")
	ErrTooDeep            = errors.New("term: nesting too deep")
	ErrTrailingBytes      = errors.New("term: trailing bytes after term")
	ErrNilTerm            = errors.New("term: nil term")
)
