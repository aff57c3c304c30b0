package core

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"plugin"
	"runtime"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/color"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// registryTableName is the well-known table a registry source must
// produce.
const registryTableName = "mech/registry"

var (
	loadingTag     = color.New(color.FgHiCyan).SprintFunc()
	downloadingTag = color.New(color.FgHiCyan).SprintFunc()
)

// machineRegistrar collects machines a plugin registers.
type machineRegistrar struct {
	machines map[uint64]types.Machine
}

func newMachineRegistrar() *machineRegistrar {
	return &machineRegistrar{machines: make(map[uint64]types.Machine)}
}

func (r *machineRegistrar) RegisterMachine(machine types.Machine) {
	r.machines[machine.ID()] = machine
}

// functionRegistrar collects function compilers a plugin registers.
type functionRegistrar struct {
	functions map[uint64]types.FunctionCompiler
}

func newFunctionRegistrar() *functionRegistrar {
	return &functionRegistrar{functions: make(map[uint64]types.FunctionCompiler)}
}

func (r *functionRegistrar) RegisterFunction(id uint64, compiler types.FunctionCompiler) {
	r.functions[id] = compiler
}

// DownloadDependencies converts the Core's MissingFunction and
// MissingTable errors into registered implementations. Whatever could
// not be resolved stays blocked and is reported as a diagnostic; the
// kinds that were resolved are returned so the run-loop can retry the
// blocks stuck on them. Calling this again with no new errors is a
// no-op.
func (p *Program) DownloadDependencies(client chan<- types.ClientMessage) ([]types.ErrorKind, error) {
	if err := os.MkdirAll(p.config.MachinesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.config.MachinesDir, err)
	}

	if len(p.MachineRepository) == 0 {
		if err := p.loadRegistry(client); err != nil {
			return nil, err
		}
	}

	resolved := p.resolveFunctions(client)

	tableResolved, initCode := p.resolveTables(client)
	resolved = append(resolved, tableResolved...)

	// Init code runs through the same compile path as user code; the
	// newly registered machines then see their tables' initial state.
	for _, code := range initCode {
		ids, err := p.CompileProgram(code)
		if err != nil {
			p.diagnostic(client, fmt.Sprintf("machine init code failed: %v", err))
			continue
		}
		if err := p.Mech.ScheduleBlocks(); err != nil {
			p.log.Errorf("scheduling machine init blocks. %v", err)
			continue
		}
		for _, id := range ids {
			registers, err := p.Mech.OutputByBlock(id)
			if err != nil {
				continue
			}
			for _, register := range registers {
				if err := p.TriggerMachine(register); err != nil {
					p.log.Errorf("triggering machine on init. %v", err)
				}
			}
		}
	}

	return resolved, nil
}

// loadRegistry populates the registry index: from the cached local
// file when present, otherwise downloaded and persisted first. The
// body is compiled into a transient Core and the mech/registry table
// read row by row. A corrupt registry is reported but whatever parsed
// stays usable.
func (p *Program) loadRegistry(client chan<- types.ClientMessage) error {
	registryPath := filepath.Join(p.config.MachinesDir, "registry.mec")

	var source string
	if contents, err := os.ReadFile(registryPath); err == nil {
		p.diagnostic(client, fmt.Sprintf("%s Machine registry.", loadingTag("[Loading]")))
		source = string(contents)
	} else {
		p.diagnostic(client, fmt.Sprintf("%s Updating machine registry.", downloadingTag("[Downloading]")))
		body, err := p.fetch(p.config.RegistryURL)
		if err != nil {
			return fmt.Errorf("download registry: %w", err)
		}
		if err := os.WriteFile(registryPath, body, 0o644); err != nil {
			return fmt.Errorf("persist registry: %w", err)
		}
		source = string(body)
	}

	compiler := p.config.NewCompiler()
	blocks, err := compiler.Compile(source)
	if err != nil {
		return fmt.Errorf("compile registry: %w", err)
	}
	registryCore := p.config.NewCore()
	registryCore.InsertBlocks(blocks)
	if err := registryCore.ScheduleBlocks(); err != nil {
		return fmt.Errorf("schedule registry: %w", err)
	}

	table, err := registryCore.GetTableByName(registryTableName)
	if err != nil {
		return fmt.Errorf("read registry table: %w", err)
	}

	nameAlias := types.HashString("name")
	versionAlias := types.HashString("version")
	urlAlias := types.HashString("url")
	dictionary := registryCore.Dictionary()

	for row := 1; row <= table.Rows; row++ {
		name, ok := p.stringCell(table, dictionary, row, nameAlias)
		if !ok {
			p.diagnostic(client, fmt.Sprintf("registry row %d is corrupt, skipping", row))
			continue
		}
		version, ok := p.stringCell(table, dictionary, row, versionAlias)
		if !ok {
			p.diagnostic(client, fmt.Sprintf("registry row %d is corrupt, skipping", row))
			continue
		}
		url, ok := p.stringCell(table, dictionary, row, urlAlias)
		if !ok {
			p.diagnostic(client, fmt.Sprintf("registry row %d is corrupt, skipping", row))
			continue
		}
		p.MachineRepository[name] = RegistryEntry{Version: version, URL: url}
	}
	return nil
}

func (p *Program) stringCell(table *types.Table, dictionary types.Dictionary, row int, alias uint64) (string, bool) {
	value, err := table.GetByAlias(row, alias)
	if err != nil || value.Kind != types.StringValue {
		return "", false
	}
	return dictionary.Get(value.ID)
}

// resolveFunctions gathers every function id the Core misses, loads
// the owning artifacts and merges the registered compilers into the
// Core's function registry.
func (p *Program) resolveFunctions(client chan<- types.ClientMessage) []types.ErrorKind {
	missing := make(map[uint64]bool)
	for kind := range p.Mech.Errors() {
		if kind.Code == types.MissingFunction {
			missing[kind.Arg] = true
		}
	}
	for _, id := range p.Mech.RequiredFunctions() {
		missing[id] = true
	}
	registry := p.Mech.Functions()
	for id := range missing {
		if registry.Has(id) {
			delete(missing, id)
		}
	}

	var resolved []types.ErrorKind
	for id := range missing {
		name, ok := p.Mech.Dictionary().Get(id)
		if !ok {
			p.log.Warnf("no dictionary entry for function %s", types.Humanize(id))
			continue
		}
		pkg := packageOf(name)
		entry, ok := p.MachineRepository[pkg]
		if !ok {
			p.diagnostic(client, fmt.Sprintf("Couldn't find the specified machine: %s", name))
			continue
		}
		library, err := p.openLibrary(pkg, entry, client)
		if err != nil {
			p.diagnostic(client, fmt.Sprintf("Can't load library for %s: %v", name, err))
			continue
		}
		symbol, err := library.Lookup(types.LookupName(name))
		if err != nil {
			p.diagnostic(client, fmt.Sprintf("Symbol %s not found", types.SymbolName(name)))
			continue
		}
		declaration, ok := symbol.(*types.FunctionDeclaration)
		if !ok {
			p.diagnostic(client, fmt.Sprintf("Symbol %s is not a function declaration", types.LookupName(name)))
			continue
		}
		registrar := newFunctionRegistrar()
		declaration.Register(registrar)
		registry.Extend(registrar.functions)
		resolved = append(resolved, types.MissingFunctionError(id))
	}
	return resolved
}

// resolveTables gathers every table id the Core needs but nothing
// produces, loads the owning machine artifacts and registers the
// machines. Returns the resolved kinds and the init code the machines
// handed back.
func (p *Program) resolveTables(client chan<- types.ClientMessage) ([]types.ErrorKind, []string) {
	needed := make([]uint64, 0)
	seen := make(map[uint64]bool)
	for _, register := range p.Mech.NeededRegisters() {
		if !seen[register.Table.ID] {
			seen[register.Table.ID] = true
			needed = append(needed, register.Table.ID)
		}
	}
	for kind := range p.Mech.Errors() {
		if kind.Code == types.MissingTable && !seen[kind.Arg] {
			seen[kind.Arg] = true
			needed = append(needed, kind.Arg)
		}
	}

	var resolved []types.ErrorKind
	var initCode []string
	for _, tableID := range needed {
		name, ok := p.Mech.Dictionary().Get(tableID)
		if !ok {
			continue
		}
		pkg := packageOf(name)
		machineID := types.HashString(pkg)
		if p.LoadedMachines[machineID] {
			continue
		}
		p.LoadedMachines[machineID] = true

		entry, ok := p.MachineRepository[pkg]
		if !ok {
			p.diagnostic(client, fmt.Sprintf("Couldn't find the specified machine: %s", name))
			continue
		}
		library, err := p.openLibrary(pkg, entry, client)
		if err != nil {
			p.diagnostic(client, fmt.Sprintf("Can't load library for %s: %v", name, err))
			continue
		}
		symbol, err := library.Lookup(types.LookupName(name))
		if err != nil {
			p.diagnostic(client, fmt.Sprintf("Symbol %s not found", types.SymbolName(name)))
			continue
		}
		declaration, ok := symbol.(*types.MachineDeclaration)
		if !ok {
			p.diagnostic(client, fmt.Sprintf("Symbol %s is not a machine declaration", types.LookupName(name)))
			continue
		}
		registrar := newMachineRegistrar()
		code := declaration.Register(registrar, p.Outgoing)
		for id, machine := range registrar.machines {
			p.Machines[id] = machine
		}
		if code != "" {
			initCode = append(initCode, code)
		}
		resolved = append(resolved, types.MissingTableError(tableID))
	}
	return resolved, initCode
}

// openLibrary opens the artifact for a package, downloading it first
// when not cached. Each package is opened at most once per process.
func (p *Program) openLibrary(pkg string, entry RegistryEntry, client chan<- types.ClientMessage) (*plugin.Plugin, error) {
	if library, ok := p.Libraries[pkg]; ok {
		return library, nil
	}

	filename := machineFileName(pkg)
	path := filepath.Join(p.config.MachinesDir, filename)
	if _, err := os.Stat(path); err == nil {
		p.diagnostic(client, fmt.Sprintf("%s %s v%s", loadingTag("[Loading]"), pkg, entry.Version))
	} else {
		p.diagnostic(client, fmt.Sprintf("%s %s v%s", downloadingTag("[Downloading]"), pkg, entry.Version))
		body, err := p.fetch(entry.URL)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", filename, err)
		}
		if err := os.WriteFile(path, body, 0o755); err != nil {
			return nil, fmt.Errorf("persist %s: %w", filename, err)
		}
	}

	library, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	p.Libraries[pkg] = library
	return library, nil
}

// fetch performs an HTTP GET with exponential backoff.
func (p *Program) fetch(url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		resp, err := http.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: %s", url, resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// diagnostic emits a client-facing string, dropping it when no sink
// is attached.
func (p *Program) diagnostic(client chan<- types.ClientMessage, text string) {
	if client == nil {
		return
	}
	client <- types.ClientString{Text: text}
}

// packageOf takes the package prefix of a fully qualified name:
// everything up to the first slash.
func packageOf(name string) string {
	if ix := strings.Index(name, "/"); ix >= 0 {
		return name[:ix]
	}
	return name
}

// machineFileName computes the platform artifact name for a package;
// dashes in the name become underscores.
func machineFileName(pkg string) string {
	underscored := strings.ReplaceAll(pkg, "-", "_")
	switch runtime.GOOS {
	case "darwin":
		return fmt.Sprintf("libmech_%s.dylib", underscored)
	case "windows":
		return fmt.Sprintf("mech_%s.dll", underscored)
	default:
		return fmt.Sprintf("libmech_%s.so", underscored)
	}
}
