// Package mech is the runtime host of a Mech dataflow Core: a
// serialized run-loop around the embedded Core, a resolver that
// downloads and links machine plugins, and a peer mesh that lets
// Cores in different processes subscribe to each other's tables.
package mech

import (
	"errors"
	"net"

	"github.com/mech-lang/go-mech/pkg/mech/core"
	"github.com/mech-lang/go-mech/pkg/mech/definition"
	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// ErrClosed is returned when sending to or receiving from a run loop
// that already terminated.
var ErrClosed = errors.New("run loop closed")

// DefaultConfiguration fills a configuration the way most hosts run:
// default registry, default machines directory, default logger. The
// caller still must supply NewCore and NewCompiler; the dataflow
// engine is an external collaborator.
func DefaultConfiguration(name string) types.Configuration {
	return types.Configuration{
		Name:   name,
		Logger: definition.NewDefaultLogger(name),
	}.Validated()
}

// ProgramRunner builds run loops. It binds the host's UDP socket at
// creation so the mesh address is known before the loop starts; a
// failed bind leaves the socket nil and the host local-only.
type ProgramRunner struct {
	Name   string
	Socket *net.UDPConn

	config types.Configuration
}

func NewRunner(config types.Configuration) *ProgramRunner {
	config = config.Validated()
	if config.Logger == nil {
		config.Logger = definition.NewDefaultLogger(config.Name)
	}
	socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		config.Logger.Warnf("could not bind mesh socket, running local-only. %v", err)
		socket = nil
	}
	return &ProgramRunner{
		Name:   config.Name,
		Socket: socket,
		config: config,
	}
}

// Run spawns the run-loop goroutine (the single owner of the Program)
// and the UDP receiver, and hands back the symmetric send/receive
// handle.
func (r *ProgramRunner) Run() *RunLoop {
	inbound := make(chan types.RunLoopMessage, r.config.Capacity)
	outbound := make(chan types.ClientMessage, r.config.Capacity)
	done := make(chan struct{})
	invoker := core.NewInvoker()

	program := core.NewProgram(r.config, inbound, inbound)
	driver := core.NewDriver(program, r.Socket, outbound, invoker)

	socketAddress := ""
	if r.Socket != nil {
		socketAddress = r.Socket.LocalAddr().String()
	}

	invoker.Spawn(func() {
		driver.Run()
		// Closing the socket terminates the receiver goroutine;
		// closing outbound unblocks any pending Receive.
		if r.Socket != nil {
			r.Socket.Close()
		}
		close(outbound)
		close(done)
	})
	if r.Socket != nil {
		socket := r.Socket
		logger := r.config.Logger
		invoker.Spawn(func() {
			core.UdpReceiver(socket, inbound, logger)
		})
	}

	return &RunLoop{
		Name:          r.Name,
		SocketAddress: socketAddress,
		outgoing:      inbound,
		incoming:      outbound,
		done:          done,
		invoker:       invoker,
	}
}

// RunLoop is the caller's handle on a running host: send commands in,
// receive client events out, close, wait.
type RunLoop struct {
	Name string

	// SocketAddress is the bound mesh address, empty when the runner
	// could not bind.
	SocketAddress string

	outgoing chan<- types.RunLoopMessage
	incoming <-chan types.ClientMessage
	done     <-chan struct{}
	invoker  core.Invoker
}

func (r *RunLoop) Send(message types.RunLoopMessage) error {
	select {
	case r.outgoing <- message:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

func (r *RunLoop) Receive() (types.ClientMessage, error) {
	message, ok := <-r.incoming
	if !ok {
		return nil, ErrClosed
	}
	return message, nil
}

// Channel exposes the inbound sender for producers that enqueue
// directly, like machine plugins.
func (r *RunLoop) Channel() chan<- types.RunLoopMessage {
	return r.outgoing
}

// Events exposes the outbound stream for callers that select over
// it. Closed when the loop terminates.
func (r *RunLoop) Events() <-chan types.ClientMessage {
	return r.incoming
}

// IsEmpty reports whether no client event is waiting.
func (r *RunLoop) IsEmpty() bool {
	return len(r.incoming) == 0
}

// Close asks the loop to stop. Safe to call more than once.
func (r *RunLoop) Close() {
	select {
	case r.outgoing <- types.StopMsg{}:
	case <-r.done:
	}
}

// Wait blocks until the loop and every goroutine it spawned returned.
func (r *RunLoop) Wait() {
	<-r.done
	r.invoker.Stop()
}
