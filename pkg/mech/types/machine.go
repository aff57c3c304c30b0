package types

import "strings"

// Machine is a plugin-supplied side-effecting sink bound to one
// table. The run-loop invokes OnChange with a read-only snapshot
// whenever the bound table changes.
type Machine interface {
	// ID is the hashed name of the table the machine is bound to.
	ID() uint64

	OnChange(table *Table) error
}

// FunctionCompiler is a plugin-supplied object that lowers call sites
// of one function into transformations the Core can schedule. The
// host never calls Compile itself; it only registers compilers into
// the Core's function registry.
type FunctionCompiler interface {
	Compile(args []Value) ([]Value, error)
}

// MachineRegistrar records machines during plugin registration.
type MachineRegistrar interface {
	RegisterMachine(machine Machine)
}

// FunctionRegistrar records function compilers during plugin
// registration.
type FunctionRegistrar interface {
	RegisterFunction(id uint64, compiler FunctionCompiler)
}

// MachineDeclaration is the exported value a machine artifact vends
// per symbol. Register receives the host registrar and the inbound
// channel of the run-loop (so machines can feed transactions back),
// and returns init source the host compiles and schedules.
type MachineDeclaration struct {
	Register func(registrar MachineRegistrar, outgoing chan<- RunLoopMessage) string
}

// FunctionDeclaration is the exported value a function artifact vends
// per symbol.
type FunctionDeclaration struct {
	Register func(registrar FunctionRegistrar)
}

// SymbolName mangles a fully qualified name into the declaration
// symbol exported by an artifact: "-" becomes "__", "/" becomes "_",
// and a NUL terminates the entry. The NUL belongs to the C export
// table; LookupName strips it for Go's plugin.Lookup.
func SymbolName(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "-", "__"), "/", "_") + "\x00"
}

// LookupName is SymbolName without the trailing NUL.
func LookupName(name string) string {
	return strings.TrimSuffix(SymbolName(name), "\x00")
}
