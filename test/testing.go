package test

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mech "github.com/mech-lang/go-mech/pkg/mech"
	"github.com/mech-lang/go-mech/pkg/mech/definition"
	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// FakeDictionary interns strings by their stable hash.
type FakeDictionary struct {
	strings map[uint64]string
}

func NewFakeDictionary() *FakeDictionary {
	return &FakeDictionary{strings: make(map[uint64]string)}
}

func (d *FakeDictionary) Get(id uint64) (string, bool) {
	s, ok := d.strings[id]
	return s, ok
}

func (d *FakeDictionary) Insert(s string) uint64 {
	id := types.HashString(s)
	d.strings[id] = s
	return id
}

// FakeFunctions is an in-memory function registry.
type FakeFunctions struct {
	fns map[uint64]types.FunctionCompiler
}

func NewFakeFunctions() *FakeFunctions {
	return &FakeFunctions{fns: make(map[uint64]types.FunctionCompiler)}
}

func (f *FakeFunctions) Has(id uint64) bool {
	_, ok := f.fns[id]
	return ok
}

func (f *FakeFunctions) Extend(fns map[uint64]types.FunctionCompiler) {
	for id, compiler := range fns {
		f.fns[id] = compiler
	}
}

// fakeCell is one literal cell before interning.
type fakeCell struct {
	str   string
	num   float64
	isStr bool
}

// fakeBlock is the compiled form the fake front end produces: either
// a table literal or a single function call.
type fakeBlock struct {
	id        types.BlockId
	tableName string
	aliases   []string
	rows      [][]fakeCell
	fnName    string
	arg       float64
}

func (b *fakeBlock) ID() types.BlockId {
	return b.id
}

// FakeCore is a minimal in-memory dataflow core implementing the host
// contract: enough table storage and block bookkeeping to exercise
// the run-loop, resolver and mesh, none of the real scheduling.
type FakeCore struct {
	Tables map[uint64]*types.Table

	dict     *FakeDictionary
	fns      *FakeFunctions
	errors   map[types.ErrorKind][]types.BlockId
	blocks   map[types.BlockId]*fakeBlock
	pending  []types.BlockId
	produced map[uint64]bool
	input    map[types.Register]bool
	changed  []types.Register
	required []uint64
}

func NewFakeCore() *FakeCore {
	return &FakeCore{
		Tables:   make(map[uint64]*types.Table),
		dict:     NewFakeDictionary(),
		fns:      NewFakeFunctions(),
		errors:   make(map[types.ErrorKind][]types.BlockId),
		blocks:   make(map[types.BlockId]*fakeBlock),
		produced: make(map[uint64]bool),
		input:    make(map[types.Register]bool),
	}
}

// AddInput marks a register this core consumes, so the host announces
// it to peers on connect.
func (c *FakeCore) AddInput(register types.Register) {
	c.input[register] = true
}

// PreregisterFunction installs a function compiler as if a plugin had
// already registered it.
func (c *FakeCore) PreregisterFunction(name string, compiler types.FunctionCompiler) {
	id := c.dict.Insert(name)
	c.fns.Extend(map[uint64]types.FunctionCompiler{id: compiler})
}

func (c *FakeCore) ProcessTransaction(txn *types.Transaction) error {
	c.changed = nil
	touched := make(map[uint64]bool)
	for _, change := range txn.Changes {
		switch change.Kind {
		case types.NewTableKind:
			c.Tables[change.TableID] = types.NewTable(change.TableID, change.Rows, change.Cols)
		case types.ColumnAliasKind:
			table, ok := c.Tables[change.TableID]
			if !ok {
				return fmt.Errorf("alias on unknown table %s", types.Humanize(change.TableID))
			}
			table.Aliases[change.Alias] = change.Column
		case types.SetKind:
			table, ok := c.Tables[change.TableID]
			if !ok {
				table = types.NewTable(change.TableID, maxRow(change.Cells), maxCol(change.Cells))
				c.Tables[change.TableID] = table
			}
			for _, cell := range change.Cells {
				if err := table.Set(int(cell.Row), int(cell.Col), cell.Value); err != nil {
					return err
				}
			}
		case types.RemoveTableKind:
			delete(c.Tables, change.TableID)
		}
		if !touched[change.TableID] {
			touched[change.TableID] = true
			c.changed = append(c.changed, types.RegisterAll(change.TableID))
		}
	}
	return nil
}

func maxRow(cells []types.CellWrite) int {
	max := 1
	for _, c := range cells {
		if int(c.Row) > max {
			max = int(c.Row)
		}
	}
	return max
}

func maxCol(cells []types.CellWrite) int {
	max := 1
	for _, c := range cells {
		if int(c.Col) > max {
			max = int(c.Col)
		}
	}
	return max
}

func (c *FakeCore) InsertBlocks(blocks []types.Block) ([]types.BlockId, []types.ErrorKind) {
	var ids []types.BlockId
	var kinds []types.ErrorKind
	for _, block := range blocks {
		b, ok := block.(*fakeBlock)
		if !ok {
			continue
		}
		c.blocks[b.id] = b
		ids = append(ids, b.id)
		if b.fnName != "" {
			fnID := c.dict.Insert(b.fnName)
			c.required = append(c.required, fnID)
			if !c.fns.Has(fnID) {
				kind := types.MissingFunctionError(fnID)
				c.errors[kind] = append(c.errors[kind], b.id)
				kinds = append(kinds, kind)
				continue
			}
		}
		c.pending = append(c.pending, b.id)
	}
	return ids, kinds
}

func (c *FakeCore) ScheduleBlocks() error {
	pending := c.pending
	c.pending = nil
	c.changed = nil
	for _, id := range pending {
		if err := c.runBlock(c.blocks[id]); err != nil {
			return err
		}
	}
	return nil
}

func (c *FakeCore) runBlock(b *fakeBlock) error {
	tableID := c.dict.Insert(b.tableName)
	if b.fnName != "" {
		fnID := types.HashString(b.fnName)
		compiler, ok := c.fns.fns[fnID]
		if !ok {
			kind := types.MissingFunctionError(fnID)
			c.errors[kind] = append(c.errors[kind], b.id)
			return nil
		}
		results, err := compiler.Compile([]types.Value{types.NewNumber(b.arg)})
		if err != nil {
			return err
		}
		table := types.NewTable(tableID, 1, len(results))
		for ix, value := range results {
			table.Set(1, ix+1, value)
		}
		c.Tables[tableID] = table
	} else {
		rows := len(b.rows)
		cols := 0
		if rows > 0 {
			cols = len(b.rows[0])
		}
		table := types.NewTable(tableID, rows, cols)
		for ix, alias := range b.aliases {
			table.Aliases[c.dict.Insert(alias)] = ix + 1
		}
		for rix, row := range b.rows {
			for cix, cell := range row {
				if cell.isStr {
					table.Set(rix+1, cix+1, types.NewString(c.dict.Insert(cell.str)))
				} else {
					table.Set(rix+1, cix+1, types.NewNumber(cell.num))
				}
			}
		}
		c.Tables[tableID] = table
	}
	c.produced[tableID] = true
	c.changed = append(c.changed, types.RegisterAll(tableID))
	return nil
}

func (c *FakeCore) GetTableByID(id uint64) (*types.Table, error) {
	table, ok := c.Tables[id]
	if !ok {
		return nil, fmt.Errorf("no table %s", types.Humanize(id))
	}
	return table.Copy(), nil
}

func (c *FakeCore) GetTableByName(name string) (*types.Table, error) {
	return c.GetTableByID(types.HashString(name))
}

func (c *FakeCore) NeededRegisters() []types.Register {
	var needed []types.Register
	for register := range c.input {
		if _, ok := c.Tables[register.Table.ID]; !ok {
			needed = append(needed, register)
		}
	}
	return needed
}

func (c *FakeCore) Output() map[types.Register]bool {
	output := make(map[types.Register]bool, len(c.produced))
	for id := range c.produced {
		output[types.RegisterAll(id)] = true
	}
	return output
}

func (c *FakeCore) Input() map[types.Register]bool {
	return c.input
}

func (c *FakeCore) Errors() map[types.ErrorKind][]types.BlockId {
	return c.errors
}

func (c *FakeCore) ResolveError(kind types.ErrorKind) []types.BlockId {
	blocked := c.errors[kind]
	delete(c.errors, kind)
	return blocked
}

func (c *FakeCore) RetryBlocks(ids []types.BlockId) error {
	c.pending = append(c.pending, ids...)
	return nil
}

func (c *FakeCore) RequiredFunctions() []uint64 {
	return append([]uint64(nil), c.required...)
}

func (c *FakeCore) Functions() types.FunctionRegistry {
	return c.fns
}

func (c *FakeCore) Dictionary() types.Dictionary {
	return c.dict
}

func (c *FakeCore) ChangedRegisters() []types.Register {
	return append([]types.Register(nil), c.changed...)
}

func (c *FakeCore) OutputByBlock(id types.BlockId) ([]types.Register, error) {
	block, ok := c.blocks[id]
	if !ok {
		return nil, fmt.Errorf("no block %d", id)
	}
	return []types.Register{types.RegisterAll(types.HashString(block.tableName))}, nil
}

func (c *FakeCore) Clear() {
	c.Tables = make(map[uint64]*types.Table)
	c.errors = make(map[types.ErrorKind][]types.BlockId)
	c.blocks = make(map[types.BlockId]*fakeBlock)
	c.pending = nil
	c.produced = make(map[uint64]bool)
	c.changed = nil
	c.required = nil
}

// String renders a deterministic snapshot: tables sorted by id.
func (c *FakeCore) String() string {
	ids := make([]uint64, 0, len(c.Tables))
	for id := range c.Tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	fmt.Fprintf(&b, "core with %d tables\n", len(ids))
	for _, id := range ids {
		b.WriteString(c.Tables[id].String())
	}
	return b.String()
}

var (
	assignRe = regexp.MustCompile(`^#([\w/-]+)\s*=\s*(.+)$`)
	callRe   = regexp.MustCompile(`^([\w/-]+)\(\s*\w+:\s*(-?[\d.]+)\s*\)$`)
)

// FakeCompiler parses the tiny subset of the surface language the
// tests use: row-vector literals, table literals with column aliases,
// and single function calls.
type FakeCompiler struct {
	calls *int32
}

func NewFakeCompiler(calls *int32) *FakeCompiler {
	return &FakeCompiler{calls: calls}
}

func (c *FakeCompiler) Compile(source string) ([]types.Block, error) {
	if c.calls != nil {
		atomic.AddInt32(c.calls, 1)
	}
	var blocks []types.Block
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "block" {
			continue
		}
		m := assignRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("cannot parse %q", line)
		}
		name, rhs := m[1], m[2]
		block := &fakeBlock{id: types.HashString(line), tableName: name}
		switch {
		case strings.HasPrefix(rhs, "[|"):
			if err := parseTableLiteral(rhs, block); err != nil {
				return nil, err
			}
		case strings.HasPrefix(rhs, "["):
			if err := parseRowLiteral(rhs, block); err != nil {
				return nil, err
			}
		default:
			call := callRe.FindStringSubmatch(rhs)
			if call == nil {
				return nil, fmt.Errorf("cannot parse %q", rhs)
			}
			block.fnName = call[1]
			arg, err := strconv.ParseFloat(call[2], 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q", rhs)
			}
			block.arg = arg
		}
		blocks = append(blocks, block)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	return blocks, nil
}

func parseRowLiteral(rhs string, block *fakeBlock) error {
	body := strings.TrimSuffix(strings.TrimPrefix(rhs, "["), "]")
	cells, err := parseCells(body)
	if err != nil {
		return err
	}
	block.rows = [][]fakeCell{cells}
	return nil
}

func parseTableLiteral(rhs string, block *fakeBlock) error {
	body := strings.TrimSuffix(strings.TrimPrefix(rhs, "[|"), "]")
	parts := strings.SplitN(body, "|", 2)
	if len(parts) != 2 {
		return fmt.Errorf("cannot parse table literal %q", rhs)
	}
	block.aliases = strings.Fields(parts[0])
	for _, row := range strings.Split(parts[1], ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		cells, err := parseCells(row)
		if err != nil {
			return err
		}
		block.rows = append(block.rows, cells)
	}
	return nil
}

func parseCells(row string) ([]fakeCell, error) {
	var cells []fakeCell
	for _, field := range splitFields(row) {
		if strings.HasPrefix(field, `"`) {
			cells = append(cells, fakeCell{str: strings.Trim(field, `"`), isStr: true})
			continue
		}
		n, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse cell %q", field)
		}
		cells = append(cells, fakeCell{num: n})
	}
	return cells, nil
}

// splitFields splits on whitespace but keeps quoted strings whole.
func splitFields(row string) []string {
	var fields []string
	var current strings.Builder
	quoted := false
	for _, r := range row {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case !quoted && (r == ' ' || r == '\t'):
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

// CoreRecorder remembers every core a configuration built; the first
// one is the embedded core.
type CoreRecorder struct {
	mutex sync.Mutex
	cores []*FakeCore
}

func (r *CoreRecorder) add(core *FakeCore) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cores = append(r.cores, core)
}

func (r *CoreRecorder) Embedded() *FakeCore {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.cores) == 0 {
		return nil
	}
	return r.cores[0]
}

// DefaultRegistry is the registry source tests start from.
const DefaultRegistry = `#mech/registry = [|name version url| "math" "0.1.0" "http://127.0.0.1:1/libmech_math.so"]`

// HostOptions tweak a test host.
type HostOptions struct {
	// Seed runs on every core the configuration builds, before use.
	Seed func(core *FakeCore)

	// Registry overrides the registry.mec contents.
	Registry string
}

// TestHost wires a runner around the fake core and compiler.
type TestHost struct {
	T            *testing.T
	Runner       *mech.ProgramRunner
	Loop         *mech.RunLoop
	Cores        *CoreRecorder
	CompileCalls *int32
	MachinesDir  string
}

func NewTestHost(t *testing.T, name string, opts HostOptions) *TestHost {
	dir := t.TempDir()
	registry := opts.Registry
	if registry == "" {
		registry = DefaultRegistry
	}
	if err := os.WriteFile(filepath.Join(dir, "registry.mec"), []byte(registry), 0o644); err != nil {
		t.Fatalf("failed seeding registry. %v", err)
	}

	recorder := &CoreRecorder{}
	calls := new(int32)
	config := types.Configuration{
		Name:        name,
		Capacity:    128,
		MachinesDir: dir,
		RegistryURL: "http://127.0.0.1:1/registry.mec",
		Logger:      definition.NewDefaultLogger(name),
		NewCore: func() types.Core {
			core := NewFakeCore()
			if opts.Seed != nil {
				opts.Seed(core)
			}
			recorder.add(core)
			return core
		},
		NewCompiler: func() types.Compiler {
			return NewFakeCompiler(calls)
		},
	}

	runner := mech.NewRunner(config)
	return &TestHost{
		T:            t,
		Runner:       runner,
		Loop:         runner.Run(),
		Cores:        recorder,
		CompileCalls: calls,
		MachinesDir:  dir,
	}
}

// Shutdown stops the loop and waits for every goroutine.
func (h *TestHost) Shutdown() {
	h.Loop.Close()
	h.Loop.Wait()
}

// NextMatching drains events until one matches or the deadline hits.
func (h *TestHost) NextMatching(match func(types.ClientMessage) bool, timeout time.Duration) (types.ClientMessage, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case message, ok := <-h.Loop.Events():
			if !ok {
				return nil, false
			}
			if match(message) {
				return message, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

// ExpectEvent fails the test when no matching event arrives in time.
func (h *TestHost) ExpectEvent(description string, match func(types.ClientMessage) bool, timeout time.Duration) types.ClientMessage {
	message, ok := h.NextMatching(match, timeout)
	if !ok {
		h.T.Fatalf("timed out waiting for %s", description)
	}
	return message
}

func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	t.Errorf("%s", buf)
}

func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
