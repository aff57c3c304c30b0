package core

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// Driver executes the run-loop: the single goroutine that owns a
// Program and therefore the embedded Core. Every mutation — local
// commands, datagrams, WebSocket frames, plugin feedback — arrives
// through the program's inbound channel and is dispatched here.
type Driver struct {
	program *Program
	socket  *net.UDPConn
	client  chan<- types.ClientMessage
	invoker Invoker
	log     types.Logger
}

func NewDriver(program *Program, socket *net.UDPConn, client chan<- types.ClientMessage, invoker Invoker) *Driver {
	return &Driver{
		program: program,
		socket:  socket,
		client:  client,
		invoker: invoker,
		log:     program.log,
	}
}

// Run drains the inbound channel until Stop or channel closure.
// Observers of one producer see a linearizable transaction sequence:
// fanout for a transaction completes before the next dequeue.
func (d *Driver) Run() {
	defer d.closePeers()

	d.client <- types.ClientReady{}
	paused := false
	for message := range d.program.Incoming {
		switch m := message.(type) {
		case types.TxnMsg:
			if !paused {
				d.handleTransaction(&m.Txn)
			}
		case types.CodeMsg:
			d.handleCode(m.Code)
		case types.ListeningMsg:
			d.handleListening(m.PeerID, m.Register)
		case types.ConnectMsg:
			d.handleConnect(m.Socket)
		case types.DisconnectMsg:
			d.handleDisconnect(m.PeerID)
		case types.PauseMsg:
			if !paused {
				paused = true
				d.client <- types.ClientPause{}
			}
		case types.ResumeMsg:
			if paused {
				paused = false
				d.client <- types.ClientResume{}
			}
		case types.StepBackMsg:
			if !paused {
				paused = true
			}
		case types.StepForwardMsg:
			// Single-stepping needs the Core's history, which the
			// contract does not expose yet.
		case types.PrintCoreMsg:
			d.handlePrintCore(m.CoreID)
		case types.PrintTableMsg:
			d.handlePrintTable(m.TableID)
		case types.PrintDebugMsg:
			d.clientString(d.debugString())
		case types.GetTableMsg:
			table, err := d.program.Mech.GetTableByID(m.TableID)
			if err != nil {
				table = nil
			}
			d.client <- types.ClientTable{Table: table}
		case types.StringMsg:
			r := uint8(m.Color >> 16)
			g := uint8(m.Color >> 8)
			b := uint8(m.Color)
			d.clientString(color.RGB(int(r), int(g), int(b)).Sprint(m.Text))
		case types.ExitMsg:
			d.client <- types.ClientExit{Code: m.Code}
		case types.ClearMsg:
			d.program.Clear()
			d.client <- types.ClientClear{}
		case types.StopMsg:
			d.client <- types.ClientStop{}
			return
		default:
			d.log.Warnf("unexpected command %#v", message)
		}
		d.client <- types.ClientDone{}
	}
}

// handleTransaction applies a transaction, fires machines, fans the
// changed tables out to listeners and reports timing.
func (d *Driver) handleTransaction(txn *types.Transaction) {
	start := time.Now()
	if err := d.program.Mech.ProcessTransaction(txn); err != nil {
		d.log.Errorf("transaction failed. %v", err)
		d.client <- types.ClientStepDone{}
		return
	}
	d.program.TriggerChangedMachines()
	d.fanoutChanged()
	elapsed := time.Since(start)
	d.clientString(fmt.Sprintf("Txn took %.4f ms", float64(elapsed.Nanoseconds())/1_000_000.0))
	d.client <- types.ClientTime{Usec: elapsed.Microseconds()}
	d.client <- types.ClientStepDone{}
}

// handleCode loads source or pre-compiled blocks, resolves missing
// dependencies and retries the blocks that were stuck on them.
func (d *Driver) handleCode(code types.MechCode) {
	var ids []types.BlockId
	if code.Source != "" {
		compiled, err := d.program.CompileProgram(code.Source)
		if err != nil {
			d.clientString(fmt.Sprintf("Compile error: %v", err))
			d.client <- types.ClientStepDone{}
			return
		}
		ids = compiled
	} else {
		ids, _ = d.program.Mech.InsertBlocks(code.Blocks)
	}
	d.client <- types.ClientNewBlocks{Count: len(ids)}

	resolved, err := d.program.DownloadDependencies(d.client)
	if err != nil {
		d.clientString(fmt.Sprintf("Dependency resolution failed: %v", err))
	}
	for _, kind := range resolved {
		blocked := d.program.Mech.ResolveError(kind)
		if len(blocked) == 0 {
			continue
		}
		if err := d.program.Mech.RetryBlocks(blocked); err != nil {
			d.log.Errorf("retrying blocks for %s. %v", kind, err)
		}
	}
	if err := d.program.Mech.ScheduleBlocks(); err != nil {
		d.log.Errorf("scheduling blocks. %v", err)
	}
	d.program.TriggerChangedMachines()

	for kind := range d.program.Mech.Errors() {
		d.program.Errors[kind] = true
	}
	if text := formatErrors(d.program.Mech.Errors()); text != "" {
		d.clientString(text)
	}
	d.client <- types.ClientStepDone{}
}

func (d *Driver) handlePrintCore(coreID *uint64) {
	switch {
	case coreID == nil:
		d.clientString(fmt.Sprintf("There are %d cores running.", len(d.program.Cores)+1))
	case *coreID == 0:
		d.clientString(d.program.Mech.String())
	default:
		core, ok := d.program.Cores[*coreID]
		if !ok {
			d.clientString(fmt.Sprintf("No core %s.", types.Humanize(*coreID)))
			return
		}
		d.clientString(core.String())
	}
}

func (d *Driver) handlePrintTable(tableID uint64) {
	table, err := d.program.Mech.GetTableByID(tableID)
	if err != nil {
		d.clientString(fmt.Sprintf("No table %s.", types.Humanize(tableID)))
		return
	}
	d.clientString(table.String())
}

func (d *Driver) debugString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", d.program.Name)
	fmt.Fprintf(&b, "address: %s\n", d.localAddress())
	fmt.Fprintf(&b, "peers: %d\n", len(d.program.RemoteCores))
	for peerID := range d.program.RemoteCores {
		fmt.Fprintf(&b, "  %s\n", types.Humanize(peerID))
	}
	fmt.Fprintf(&b, "listeners: %d\n", len(d.program.Listeners))
	fmt.Fprintf(&b, "machines: %d\n", len(d.program.Machines))
	fmt.Fprintf(&b, "libraries: %d\n", len(d.program.Libraries))
	fmt.Fprintf(&b, "errors: %d\n", len(d.program.Errors))
	return b.String()
}

func (d *Driver) clientString(text string) {
	d.client <- types.ClientString{Text: text}
}

// closePeers shuts every WebSocket stream so reader goroutines
// terminate with the loop.
func (d *Driver) closePeers() {
	for _, socket := range d.program.RemoteCores {
		if sender, ok := socket.(types.WebSocketSender); ok {
			sender.Conn.Close()
		}
	}
}

// formatErrors renders the blocking errors left after resolution.
func formatErrors(errors map[types.ErrorKind][]types.BlockId) string {
	if len(errors) == 0 {
		return ""
	}
	plural := "s"
	if len(errors) == 1 {
		plural = ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", color.New(color.FgHiRed).Sprintf("Found %d Error%s:", len(errors), plural))
	for kind, blocks := range errors {
		fmt.Fprintf(&b, "  %s (%d block%s blocked)\n", kind, len(blocks), pluralize(len(blocks)))
	}
	return b.String()
}

func pluralize(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
