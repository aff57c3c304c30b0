package core

import (
	"fmt"
	"plugin"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// RegistryEntry is one row of the machine registry index.
type RegistryEntry struct {
	Version string
	URL     string
}

// Program owns every piece of mutable host state: the embedded Core,
// plugin library handles, the machine and function-compiler maps, the
// registry index, the peer table and the listener map. It is built
// before the run-loop goroutine starts and used only from it.
type Program struct {
	Name string

	// Mech is the embedded Core.
	Mech types.Core

	// Cores holds mirrored remote cores, counted by PrintCore.
	Cores map[uint64]types.Core

	// RemoteCores maps peer id to the transport it is reachable over.
	RemoteCores map[uint64]types.MechSocket

	// InputMap tracks which peers feed each of our input registers.
	InputMap map[types.Register]map[uint64]bool

	// Libraries caches opened artifacts by package name. Opened at
	// most once; never dropped while a machine from them is live.
	Libraries map[string]*plugin.Plugin

	// Machines maps a table id to the machine bound to it.
	Machines map[uint64]types.Machine

	// MachineRepository is the registry index, package name to
	// (version, url).
	MachineRepository map[string]RegistryEntry

	// LoadedMachines short-circuits repeat resolution per package id.
	LoadedMachines map[uint64]bool

	// Listeners maps each of our output registers to the peers
	// subscribed to it.
	Listeners map[types.Register]map[uint64]bool

	// Errors accumulates persistent error kinds for diagnostics.
	Errors map[types.ErrorKind]bool

	// Incoming is the command channel the run-loop drains; Outgoing
	// is its send side, kept so the program can enqueue to itself
	// (plugin registration, WebSocket failure handling).
	Incoming <-chan types.RunLoopMessage
	Outgoing chan<- types.RunLoopMessage

	compiler types.Compiler
	config   types.Configuration
	log      types.Logger
	programs int
}

func NewProgram(config types.Configuration, outgoing chan<- types.RunLoopMessage, incoming <-chan types.RunLoopMessage) *Program {
	return &Program{
		Name:              config.Name,
		Mech:              config.NewCore(),
		Cores:             make(map[uint64]types.Core),
		RemoteCores:       make(map[uint64]types.MechSocket),
		InputMap:          make(map[types.Register]map[uint64]bool),
		Libraries:         make(map[string]*plugin.Plugin),
		Machines:          make(map[uint64]types.Machine),
		MachineRepository: make(map[string]RegistryEntry),
		LoadedMachines:    make(map[uint64]bool),
		Listeners:         make(map[types.Register]map[uint64]bool),
		Errors:            make(map[types.ErrorKind]bool),
		Incoming:          incoming,
		Outgoing:          outgoing,
		compiler:          config.NewCompiler(),
		config:            config,
		log:               config.Logger,
	}
}

// TriggerMachine hands the current snapshot of a register's table to
// the machine bound to it. No machine bound is not an error.
func (p *Program) TriggerMachine(register types.Register) error {
	machine, ok := p.Machines[register.Table.ID]
	if !ok {
		return nil
	}
	table, err := p.Mech.GetTableByID(register.Table.ID)
	if err != nil {
		return fmt.Errorf("trigger machine %s: %w", types.Humanize(register.Table.ID), err)
	}
	return machine.OnChange(table)
}

// TriggerChangedMachines fires every machine whose table changed in
// the last Core pass. Each machine fires at most once per pass.
func (p *Program) TriggerChangedMachines() {
	fired := make(map[uint64]bool)
	for _, register := range p.Mech.ChangedRegisters() {
		if fired[register.Table.ID] {
			continue
		}
		fired[register.Table.ID] = true
		if err := p.TriggerMachine(register); err != nil {
			p.log.Errorf("machine on %s failed. %v", types.Humanize(register.Table.ID), err)
		}
	}
}

// CompileProgram lowers source through the language front end and
// loads the resulting blocks into the embedded Core. Blocks blocked
// on missing dependencies stay registered; their errors surface
// through the Core error map.
func (p *Program) CompileProgram(source string) ([]types.BlockId, error) {
	blocks, err := p.compiler.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile program: %w", err)
	}
	ids, blockErrors := p.Mech.InsertBlocks(blocks)
	for _, kind := range blockErrors {
		p.log.Debugf("block blocked on %s", kind)
	}
	p.programs++
	return ids, nil
}

// Clear drops every piece of mutable state and resets the embedded
// Core. Library handles are forgotten; the OS mapping lives until
// process exit, which is as much as the platform allows.
func (p *Program) Clear() {
	p.Mech.Clear()
	p.Cores = make(map[uint64]types.Core)
	p.RemoteCores = make(map[uint64]types.MechSocket)
	p.InputMap = make(map[types.Register]map[uint64]bool)
	p.Libraries = make(map[string]*plugin.Plugin)
	p.Machines = make(map[uint64]types.Machine)
	p.MachineRepository = make(map[string]RegistryEntry)
	p.LoadedMachines = make(map[uint64]bool)
	p.Listeners = make(map[types.Register]map[uint64]bool)
	p.Errors = make(map[types.ErrorKind]bool)
	p.programs = 0
}
