package mdt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type ErrorKind int

const (
	DirectoryCreateFailure ErrorKind = iota + 1
	RemoteTableCreateFailure
	RemoteTableOpenFailure
	IOFailure
	MutationApplyFailure
	UnknownTable
	SchemaMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case DirectoryCreateFailure:
		return "directory create failure"
	case RemoteTableCreateFailure:
		return "remote table create failure"
	case RemoteTableOpenFailure:
		return "remote table open failure"
	case IOFailure:
		return "I/O failure"
	case MutationApplyFailure:
		return "mutation apply failure"
	case UnknownTable:
		return "unknown table"
	case SchemaMismatch:
		return "schema mismatch"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrDirectoryCreate   = &Error{Kind: DirectoryCreateFailure}
	ErrRemoteTableCreate = &Error{Kind: RemoteTableCreateFailure}
	ErrRemoteTableOpen   = &Error{Kind: RemoteTableOpenFailure}
	ErrIO                = &Error{Kind: IOFailure}
	ErrMutationApply     = &Error{Kind: MutationApplyFailure}
	ErrUnknownTable      = &Error{Kind: UnknownTable}
	ErrSchemaMismatch    = &Error{Kind: SchemaMismatch}
)

// Error is returned by every operation of this package.
type Error struct {
	Kind  ErrorKind
	Table string
	Index string
	Key   []byte
	Msg   string
	Err   error
}

func newError(kind ErrorKind, table, index string, key []byte, err error, format string, args ...any) *Error {
	return &Error{kind, table, index, key, fmt.Sprintf(format, args...), err}
}

func tableErrf(kind ErrorKind, table string, err error, format string, args ...any) error {
	return newError(kind, table, "", nil, err, format, args...)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels that carry only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Table == "" && t.Index == "" && t.Key == nil && t.Msg == "" && t.Err == nil
}

func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Kind.String())
	if e.Table != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Table)
		if e.Index != "" {
			buf.WriteByte('.')
			buf.WriteString(e.Index)
		}
		if e.Key != nil {
			buf.WriteByte('/')
			buf.WriteString(strconv.Quote(string(e.Key)))
		}
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
