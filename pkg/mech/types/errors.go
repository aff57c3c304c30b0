package types

import "fmt"

// The class of a Core or host error. Wire- and map-key-stable.
type ErrorCode uint8

const (
	// No further detail.
	NoneError ErrorCode = iota

	// A block calls a function the Core has no implementation for.
	// Arg is the function id. The resolver treats these as work.
	MissingFunction

	// A block reads a table nothing produces. Arg is the table id.
	// The resolver treats these as work.
	MissingTable

	// The compiler rejected the source.
	CompileError

	// A transaction failed inside the Core.
	TransactionError
)

// ErrorKind tags an error with the id it concerns. Comparable, used
// as the key of the Core error map.
type ErrorKind struct {
	Code ErrorCode
	Arg  uint64
}

func MissingFunctionError(fnID uint64) ErrorKind {
	return ErrorKind{Code: MissingFunction, Arg: fnID}
}

func MissingTableError(tableID uint64) ErrorKind {
	return ErrorKind{Code: MissingTable, Arg: tableID}
}

func (k ErrorKind) String() string {
	switch k.Code {
	case MissingFunction:
		return fmt.Sprintf("missing function %s", Humanize(k.Arg))
	case MissingTable:
		return fmt.Sprintf("missing table %s", Humanize(k.Arg))
	case CompileError:
		return "compile error"
	case TransactionError:
		return "transaction error"
	}
	return "error"
}

// MechError is a typed error carrying an ErrorKind. The host's own
// code paths return wrapped fmt.Errorf errors and do not build one.
type MechError struct {
	ID   int
	Kind ErrorKind
	Msg  string
}

func (e *MechError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("mech error %d: %s: %s", e.ID, e.Kind, e.Msg)
	}
	return fmt.Sprintf("mech error %d: %s", e.ID, e.Kind)
}
