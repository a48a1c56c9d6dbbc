package docsync

import "errors"

// errors.go provides the sentinel error values for the docsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for patch ids
var (
	ErrInvalidPatchId = errors.New("invalid patch id")
	ErrUnknownPatchId = errors.New("unknown patch id")
)

// used for graph traversal
var (
	ErrParentMissing      = errors.New("parent patch missing from graph")
	ErrChainLimitExceeded = errors.New("parent chain enumeration limit exceeded")
)

// used for the table codec
var (
	ErrInvalidWhere     = errors.New("where uses a non-primary-key field")
	ErrInvalidFieldType = errors.New("string column value must be a string or patch array")
	ErrCorruptPatchBody = errors.New("corrupt patch body")
)

// used for sessions
var (
	ErrNotInitialized = errors.New("session not initialized")
)

// used for construction
var (
	ErrConfig = errors.New("invalid configuration")
)
