package net

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// maxFrameSize bounds a single length-prefixed frame.
const maxFrameSize = 1 << 26

// Network is the TCP Transport implementation. It owns the listener, all
// connections and all timers. Run drives everything from one goroutine.
type Network struct {
	logger   *logrus.Entry
	resolver AddrResolver

	listener net.Listener
	outbound map[string]net.Conn

	frameCh    chan []byte
	acceptCh   chan net.Conn
	shutdownCh chan struct{}

	timers *timerWheel
}

// NewNetwork binds the listener on bindAddr and returns a Network ready to
// Run. The resolver maps peer identities to addresses, normally through the
// PKI.
func NewNetwork(bindAddr string, resolver AddrResolver, logger *logrus.Entry) (*Network, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	return &Network{
		logger:     logger,
		resolver:   resolver,
		listener:   listener,
		outbound:   make(map[string]net.Conn),
		frameCh:    make(chan []byte, 64),
		acceptCh:   make(chan net.Conn),
		shutdownCh: make(chan struct{}),
		timers:     newTimerWheel(),
	}, nil
}

// Port returns the port the listener is bound to.
func (n *Network) Port() uint16 {
	return uint16(n.listener.Addr().(*net.TCPAddr).Port)
}

// Shutdown stops the reactor and closes the listener and the outbound
// connections. An inbound connection is closed by its reader once that
// reader returns.
func (n *Network) Shutdown() {
	close(n.shutdownCh)
	n.listener.Close()
}

// Run is the reactor loop. Every complete inbound frame is passed to
// frameHandler; lines from controlCh are passed to controlHandler, which
// returns false to stop the reactor. Both handlers, and all timer
// callbacks, run on this goroutine.
func (n *Network) Run(frameHandler func(frame []byte), controlCh <-chan string, controlHandler func(line string) bool) {
	go n.acceptLoop()

	for {
		var timerCh <-chan time.Time
		if d, ok := n.timers.next(); ok {
			timerCh = time.After(d)
		}

		select {
		case <-n.shutdownCh:
			n.closeAll()
			return

		case conn := <-n.acceptCh:
			go n.readLoop(conn)

		case frame := <-n.frameCh:
			frameHandler(frame)

		case line, ok := <-controlCh:
			if !ok {
				controlCh = nil
				continue
			}
			if !controlHandler(line) {
				n.closeAll()
				return
			}

		case <-timerCh:
			n.timers.fireDue()
		}
	}
}

func (n *Network) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.shutdownCh:
			default:
				n.logger.WithError(err).Error("Accept failed")
			}
			return
		}
		select {
		case n.acceptCh <- conn:
		case <-n.shutdownCh:
			conn.Close()
			return
		}
	}
}

// readLoop reassembles length-prefixed frames from one inbound connection
// and hands them to the reactor. It does no decoding.
func (n *Network) readLoop(conn net.Conn) {
	defer conn.Close()

	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if err != io.EOF {
				n.logger.WithError(err).Debug("Connection closed")
			}
			return
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxFrameSize {
			n.logger.WithField("size", size).Warn("Oversized frame, dropping connection")
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			n.logger.WithError(err).Debug("Truncated frame")
			return
		}

		select {
		case n.frameCh <- frame:
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Network) closeAll() {
	for id, conn := range n.outbound {
		conn.Close()
		delete(n.outbound, id)
	}
}

/*******************************************************************************
Transport
*******************************************************************************/

// Connect implements Transport.
func (n *Network) Connect(id string) error {
	if _, ok := n.outbound[id]; ok {
		return nil
	}

	addr, err := n.resolver.Resolve(id)
	if err != nil {
		return fmt.Errorf("net: resolving %q: %w", id, err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("net: dialing %q at %s: %w", id, addr, err)
	}

	n.outbound[id] = conn
	n.logger.WithFields(logrus.Fields{"peer": id, "addr": addr}).Debug("Connected")
	return nil
}

// Disconnect implements Transport.
func (n *Network) Disconnect(id string) {
	if conn, ok := n.outbound[id]; ok {
		conn.Close()
		delete(n.outbound, id)
		n.logger.WithField("peer", id).Debug("Disconnected")
	}
}

// Broadcast implements Transport.
func (n *Network) Broadcast(frame []byte) {
	for id, conn := range n.outbound {
		n.write(id, conn, frame)
	}
}

// BroadcastSample implements Transport.
func (n *Network) BroadcastSample(ids []string, frame []byte) {
	for _, id := range ids {
		if conn, ok := n.outbound[id]; ok {
			n.write(id, conn, frame)
		}
	}
}

// Send implements Transport.
func (n *Network) Send(id string, frame []byte) {
	if err := n.Connect(id); err != nil {
		n.logger.WithError(err).WithField("peer", id).Error("Send failed")
		return
	}
	n.write(id, n.outbound[id], frame)
}

func (n *Network) write(id string, conn net.Conn, frame []byte) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	if _, err := conn.Write(header[:]); err == nil {
		_, err = conn.Write(frame)
		if err == nil {
			return
		}
	}

	// a broken peer connection is dropped, not fatal
	n.logger.WithField("peer", id).Debug("Write failed, dropping connection")
	conn.Close()
	delete(n.outbound, id)
}

// RegisterTimeout implements Transport.
func (n *Network) RegisterTimeout(d time.Duration, cb func()) TimerID {
	return n.timers.register(d, cb)
}

// UnregisterTimeout implements Transport.
func (n *Network) UnregisterTimeout(id TimerID) {
	n.timers.unregister(id)
}
