package types

import "github.com/gorilla/websocket"

// MechCode is source handed to the run-loop: either raw text or a
// pre-compiled block form.
type MechCode struct {
	Source string
	Blocks []Block
}

func CodeFromString(source string) MechCode {
	return MechCode{Source: source}
}

func CodeFromBlocks(blocks []Block) MechCode {
	return MechCode{Blocks: blocks}
}

// MechSocket names the transport a remote core is reachable over.
type MechSocket interface {
	isMechSocket()
}

// UdpPeer is a remote core reachable by datagram.
type UdpPeer struct {
	Address string
}

// WebSocketPeer is a freshly accepted stream, reader half not yet
// claimed.
type WebSocketPeer struct {
	Conn *websocket.Conn
}

// WebSocketSender is the write half of an accepted stream as stored
// in the peer table. Only the run-loop goroutine writes to it.
type WebSocketSender struct {
	Conn *websocket.Conn
}

func (UdpPeer) isMechSocket()         {}
func (WebSocketPeer) isMechSocket()   {}
func (WebSocketSender) isMechSocket() {}

// RunLoopMessage is the inbound command vocabulary. Producers are the
// local API, the UDP receiver, WebSocket readers and registering
// plugins; the single consumer is the run-loop.
type RunLoopMessage interface {
	isRunLoopMessage()
}

// CodeMsg loads new source or pre-compiled blocks.
type CodeMsg struct {
	Code MechCode
}

// TxnMsg applies changes to the Core.
type TxnMsg struct {
	Txn Transaction
}

// ListeningMsg records that a peer subscribed to one of our
// registers.
type ListeningMsg struct {
	PeerID   uint64
	Register Register
}

// ConnectMsg introduces a remote core over the given transport.
type ConnectMsg struct {
	Socket MechSocket
}

// DisconnectMsg removes a remote core.
type DisconnectMsg struct {
	PeerID uint64
}

// PrintCoreMsg asks for a textual core snapshot. Nil means "count the
// cores"; 0 is the embedded core.
type PrintCoreMsg struct {
	CoreID *uint64
}

// PrintTableMsg asks for a textual table snapshot.
type PrintTableMsg struct {
	TableID uint64
}

// PrintDebugMsg asks for the run-loop's internal state.
type PrintDebugMsg struct{}

// GetTableMsg asks for a table snapshot as a value.
type GetTableMsg struct {
	TableID uint64
}

type PauseMsg struct{}
type ResumeMsg struct{}
type StepBackMsg struct{}
type StepForwardMsg struct{}
type StopMsg struct{}

type ExitMsg struct {
	Code int
}

type ClearMsg struct{}

// StringMsg injects a diagnostic line, colored with the packed
// 0xRRGGBB value.
type StringMsg struct {
	Text  string
	Color uint32
}

func (CodeMsg) isRunLoopMessage()        {}
func (TxnMsg) isRunLoopMessage()         {}
func (ListeningMsg) isRunLoopMessage()   {}
func (ConnectMsg) isRunLoopMessage()     {}
func (DisconnectMsg) isRunLoopMessage()  {}
func (PrintCoreMsg) isRunLoopMessage()   {}
func (PrintTableMsg) isRunLoopMessage()  {}
func (PrintDebugMsg) isRunLoopMessage()  {}
func (GetTableMsg) isRunLoopMessage()    {}
func (PauseMsg) isRunLoopMessage()       {}
func (ResumeMsg) isRunLoopMessage()      {}
func (StepBackMsg) isRunLoopMessage()    {}
func (StepForwardMsg) isRunLoopMessage() {}
func (StopMsg) isRunLoopMessage()        {}
func (ExitMsg) isRunLoopMessage()        {}
func (ClearMsg) isRunLoopMessage()       {}
func (StringMsg) isRunLoopMessage()      {}

// ClientMessage is the outbound event vocabulary.
type ClientMessage interface {
	isClientMessage()
}

type ClientReady struct{}
type ClientStepDone struct{}
type ClientDone struct{}
type ClientPause struct{}
type ClientResume struct{}
type ClientStop struct{}
type ClientClear struct{}

type ClientExit struct {
	Code int
}

type ClientString struct {
	Text string
}

type ClientTable struct {
	Table *Table
}

type ClientTransaction struct {
	Txn Transaction
}

// ClientTime reports how long the last transaction took, in
// microseconds.
type ClientTime struct {
	Usec int64
}

// ClientNewBlocks reports how many blocks a CodeMsg produced.
type ClientNewBlocks struct {
	Count int
}

func (ClientReady) isClientMessage()       {}
func (ClientStepDone) isClientMessage()    {}
func (ClientDone) isClientMessage()        {}
func (ClientPause) isClientMessage()       {}
func (ClientResume) isClientMessage()      {}
func (ClientStop) isClientMessage()        {}
func (ClientClear) isClientMessage()       {}
func (ClientExit) isClientMessage()        {}
func (ClientString) isClientMessage()      {}
func (ClientTable) isClientMessage()       {}
func (ClientTransaction) isClientMessage() {}
func (ClientTime) isClientMessage()        {}
func (ClientNewBlocks) isClientMessage()   {}

// The kind tag of a SocketMessage. Wire-stable, do not reorder.
type SocketMessageKind uint8

const (
	// Announces the sender's address.
	SocketRemoteCoreConnect SocketMessageKind = iota

	// Announces that the named peer left the mesh.
	SocketRemoteCoreDisconnect

	// Announces that the sender listens on a register of ours.
	SocketListening

	SocketPing
	SocketPong

	// Carries a transaction.
	SocketTransaction
)

// SocketMessage is the envelope every mesh frame carries, serialized
// as deflate(msgpack(SocketMessage)).
type SocketMessage struct {
	Kind     SocketMessageKind `msgpack:"k"`
	Address  string            `msgpack:"a,omitempty"`
	PeerID   uint64            `msgpack:"p,omitempty"`
	Register *Register         `msgpack:"r,omitempty"`
	Txn      *Transaction      `msgpack:"t,omitempty"`
}
