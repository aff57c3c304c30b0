package core

import (
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"github.com/prometheus/common/log"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

// UdpReceiver drains one bound socket and funnels decoded peer
// messages into the run-loop channel. Runs on its own goroutine;
// returns when the socket closes. Pings are answered directly from
// here, everything else is serialized through the loop.
func UdpReceiver(socket *net.UDPConn, inbound chan<- types.RunLoopMessage, logger types.Logger) {
	buffer := make([]byte, UdpFrameLimit)
	for {
		n, src, err := socket.ReadFromUDP(buffer)
		if err != nil {
			return
		}
		message, err := DecodeSocketMessage(buffer[:n])
		if err != nil {
			log.Errorf("failed decoding datagram from %s. %v", src, err)
			continue
		}
		switch message.Kind {
		case types.SocketRemoteCoreConnect:
			enqueue(inbound, types.ConnectMsg{Socket: types.UdpPeer{Address: message.Address}}, logger)
		case types.SocketRemoteCoreDisconnect:
			enqueue(inbound, types.DisconnectMsg{PeerID: message.PeerID}, logger)
		case types.SocketListening:
			if message.Register == nil {
				continue
			}
			enqueue(inbound, types.ListeningMsg{PeerID: types.HashString(src.String()), Register: *message.Register}, logger)
		case types.SocketPing:
			logger.Debugf("got a ping from %s", src)
			if frame, err := EncodeSocketMessage(&types.SocketMessage{Kind: types.SocketPong}); err == nil {
				socket.WriteToUDP(frame, src)
			}
		case types.SocketPong:
			logger.Debugf("got a pong from %s", src)
		case types.SocketTransaction:
			if message.Txn == nil {
				continue
			}
			enqueue(inbound, types.TxnMsg{Txn: *message.Txn}, logger)
		default:
			logger.Warnf("unhandled datagram kind %d from %s", message.Kind, src)
		}
	}
}

// enqueue forwards a datagram-sourced message without blocking the
// receiver. UDP is best-effort; when the loop is saturated the
// message is dropped.
func enqueue(inbound chan<- types.RunLoopMessage, msg types.RunLoopMessage, logger types.Logger) {
	select {
	case inbound <- msg:
	default:
		logger.Warnf("inbound queue full, dropping %T", msg)
	}
}

// wsReader drains one accepted WebSocket stream and funnels decoded
// peer messages into the run-loop channel. Terminates on close frame
// or any read error. The reader never blocks on backpressure: a full
// inbound queue closes the stream, and the loop's send path treats
// the dead connection as a disconnect.
func wsReader(conn *websocket.Conn, peerID uint64, inbound chan<- types.RunLoopMessage, logger types.Logger) {
	forward := func(msg types.RunLoopMessage) bool {
		select {
		case inbound <- msg:
			return true
		default:
			logger.Warnf("inbound queue full, closing stream to %s", types.Humanize(peerID))
			conn.Close()
			return false
		}
	}
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		message, err := DecodeSocketMessage(payload)
		if err != nil {
			logger.Errorf("failed decoding frame from %s. %v", types.Humanize(peerID), err)
			continue
		}
		switch message.Kind {
		case types.SocketListening:
			if message.Register == nil {
				continue
			}
			if !forward(types.ListeningMsg{PeerID: peerID, Register: *message.Register}) {
				return
			}
		case types.SocketTransaction:
			if message.Txn == nil {
				continue
			}
			if !forward(types.TxnMsg{Txn: *message.Txn}) {
				return
			}
		default:
			logger.Warnf("unhandled frame kind %d from %s", message.Kind, types.Humanize(peerID))
		}
	}
}

// localAddress is the bound UDP address, empty when no socket could
// be bound.
func (d *Driver) localAddress() string {
	if d.socket == nil {
		return ""
	}
	return d.socket.LocalAddr().String()
}

// sendFrame delivers one wire frame to a known peer over whichever
// transport it registered with. UDP failures are dropped;  a
// WebSocket failure schedules the peer's disconnect.
func (d *Driver) sendFrame(peerID uint64, frame []byte) {
	switch socket := d.program.RemoteCores[peerID].(type) {
	case types.UdpPeer:
		d.sendFrameTo(socket.Address, frame)
	case types.WebSocketSender:
		if err := socket.Conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			// Self-enqueue must not block the loop that drains it.
			select {
			case d.program.Outgoing <- types.DisconnectMsg{PeerID: peerID}:
			default:
			}
		}
	}
}

// sendFrameTo delivers one wire frame to a UDP address that may not
// be in the peer table yet.
func (d *Driver) sendFrameTo(address string, frame []byte) {
	if d.socket == nil {
		return
	}
	dst, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		d.log.Warnf("bad peer address %s. %v", address, err)
		return
	}
	d.socket.WriteToUDP(frame, dst)
}

func (d *Driver) sendMessage(peerID uint64, message *types.SocketMessage) {
	frame, err := EncodeSocketMessage(message)
	if err != nil {
		d.log.Errorf("failed encoding %d frame. %v", message.Kind, err)
		return
	}
	d.sendFrame(peerID, frame)
}

func (d *Driver) sendMessageTo(address string, message *types.SocketMessage) {
	frame, err := EncodeSocketMessage(message)
	if err != nil {
		d.log.Errorf("failed encoding %d frame. %v", message.Kind, err)
		return
	}
	d.sendFrameTo(address, frame)
}

// handleConnect runs the connect protocol for a new or returning
// remote core.
func (d *Driver) handleConnect(socket types.MechSocket) {
	switch peer := socket.(type) {
	case types.UdpPeer:
		d.connectUdpPeer(peer)
	case types.WebSocketPeer:
		d.connectWebSocketPeer(peer)
	case types.WebSocketSender:
		d.log.Warnf("cannot connect a bare sender")
	}
}

func (d *Driver) connectUdpPeer(peer types.UdpPeer) {
	self := d.localAddress()
	if self == "" || peer.Address == self {
		// Nothing to do for ourselves.
		return
	}
	peerID := types.HashString(peer.Address)
	if _, known := d.program.RemoteCores[peerID]; !known {
		// A new remote core: answer with our own address and gossip
		// every other peer we know to it.
		d.program.RemoteCores[peerID] = peer
		d.clientString(fmt.Sprintf("Remote core connected: %s", types.Humanize(peerID)))
		d.sendMessageTo(peer.Address, &types.SocketMessage{Kind: types.SocketRemoteCoreConnect, Address: self})
		for otherID, other := range d.program.RemoteCores {
			if otherID == peerID {
				continue
			}
			if udp, ok := other.(types.UdpPeer); ok {
				d.sendMessageTo(peer.Address, &types.SocketMessage{Kind: types.SocketRemoteCoreConnect, Address: udp.Address})
			}
		}
		return
	}
	// Already known: it answered our own connect, so subscribe to
	// everything we consume.
	for register := range d.program.Mech.Input() {
		register := register
		d.sendMessageTo(peer.Address, &types.SocketMessage{Kind: types.SocketListening, Register: &register})
	}
}

func (d *Driver) connectWebSocketPeer(peer types.WebSocketPeer) {
	address := peer.Conn.RemoteAddr().String()
	peerID := types.HashString(address)
	// Tell the remote core what we consume before storing the write
	// half for fanout.
	for _, register := range d.program.Mech.NeededRegisters() {
		register := register
		frame, err := EncodeSocketMessage(&types.SocketMessage{Kind: types.SocketListening, Register: &register})
		if err != nil {
			continue
		}
		if err := peer.Conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			d.log.Errorf("failed greeting %s. %v", types.Humanize(peerID), err)
			return
		}
	}
	d.program.RemoteCores[peerID] = types.WebSocketSender{Conn: peer.Conn}
	d.clientString(fmt.Sprintf("Remote core connected: %s", types.Humanize(peerID)))
	inbound := d.program.Outgoing
	logger := d.log
	conn := peer.Conn
	d.invoker.Spawn(func() {
		wsReader(conn, peerID, inbound, logger)
	})
}

// handleDisconnect removes a peer and gossips the departure to every
// remaining UDP peer.
func (d *Driver) handleDisconnect(peerID uint64) {
	if self := d.localAddress(); self != "" && peerID == types.HashString(self) {
		return
	}
	socket, known := d.program.RemoteCores[peerID]
	if !known {
		return
	}
	if sender, ok := socket.(types.WebSocketSender); ok {
		sender.Conn.Close()
	}
	delete(d.program.RemoteCores, peerID)
	d.clientString(fmt.Sprintf("Remote core disconnected: %s", types.Humanize(peerID)))
	for _, other := range d.program.RemoteCores {
		if udp, ok := other.(types.UdpPeer); ok {
			d.sendMessageTo(udp.Address, &types.SocketMessage{Kind: types.SocketRemoteCoreDisconnect, PeerID: peerID})
		}
	}
}

// handleListening records a subscription and bootstraps the listener
// with a snapshot of the table it asked for, provided we produce it.
func (d *Driver) handleListening(peerID uint64, register types.Register) {
	if !d.program.Mech.Output()[register] {
		return
	}
	listeners, ok := d.program.Listeners[register]
	if !ok {
		listeners = make(map[uint64]bool)
		d.program.Listeners[register] = listeners
	}
	listeners[peerID] = true

	table, err := d.program.Mech.GetTableByID(register.Table.ID)
	if err != nil {
		d.log.Warnf("listener snapshot for %s. %v", types.Humanize(register.Table.ID), err)
		return
	}
	txn := types.SnapshotTransaction(table)
	d.sendMessage(peerID, &types.SocketMessage{Kind: types.SocketTransaction, Txn: &txn})
}

// fanoutChanged forwards every table changed by the last Core pass to
// the peers listening on it. Each table is serialized at most once
// per pass.
func (d *Driver) fanoutChanged() {
	sent := make(map[uint64]bool)
	for _, register := range d.program.Mech.ChangedRegisters() {
		if sent[register.Table.ID] {
			continue
		}
		sent[register.Table.ID] = true

		listeners := d.program.Listeners[register]
		if len(listeners) == 0 {
			listeners = d.program.Listeners[types.RegisterAll(register.Table.ID)]
		}
		if len(listeners) == 0 {
			continue
		}
		table, err := d.program.Mech.GetTableByID(register.Table.ID)
		if err != nil {
			continue
		}
		txn := types.SnapshotTransaction(table)
		frame, err := EncodeSocketMessage(&types.SocketMessage{Kind: types.SocketTransaction, Txn: &txn})
		if err != nil {
			d.log.Errorf("failed serializing fanout for %s. %v", types.Humanize(register.Table.ID), err)
			continue
		}
		for peerID := range listeners {
			d.sendFrame(peerID, frame)
		}
	}
}
