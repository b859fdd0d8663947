// Package wire defines the on-wire grammar of the distributed delivery
// service. Every message category is a tagged union: a one-byte tag selects
// the body. Integers are big-endian, byte strings carry a u32 length, lists
// a u32 count, optionals a u8 presence flag. Unknown tags decode to
// ErrUnknownTag, which the receiver treats as a dropped frame rather than a
// broken connection.
package wire

import (
	"errors"
	"fmt"

	"github.com/HiveNetCode/distributed-mls/src/group"
)

// ErrUnknownTag reports a frame whose tag is not part of the protocol. The
// frame is dropped; the connection stays open.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// DDSMessageType tags the top-level frame body.
type DDSMessageType uint8

const (
	// DDSWelcome carries an MLS welcome to a newly added member.
	DDSWelcome DDSMessageType = 1

	// DDSGossip carries a gossip-broadcast message.
	DDSGossip DDSMessageType = 2

	// DDSCascadeConsensus carries an MLS-protected cascade-consensus
	// message.
	DDSCascadeConsensus DDSMessageType = 3
)

// DDSMessage is the top-level frame of the peer protocol.
type DDSMessage struct {
	Type      DDSMessageType
	Welcome   *group.Welcome // DDSWelcome
	Gossip    *GossipMessage // DDSGossip
	Protected *group.Message // DDSCascadeConsensus
}

// Marshal encodes the frame body (without the u32 transport length prefix).
func (m *DDSMessage) Marshal() []byte {
	var w group.Writer
	w.U8(uint8(m.Type))
	switch m.Type {
	case DDSWelcome:
		w.Raw(m.Welcome.Marshal())
	case DDSGossip:
		w.Raw(m.Gossip.Marshal())
	case DDSCascadeConsensus:
		w.Raw(m.Protected.Marshal())
	}
	return w.Data()
}

// ParseDDSMessage decodes a frame body.
func ParseDDSMessage(b []byte) (*DDSMessage, error) {
	r := group.NewReader(b)
	m := &DDSMessage{Type: DDSMessageType(r.U8())}
	if r.Err() != nil {
		return nil, r.Err()
	}

	switch m.Type {
	case DDSWelcome:
		welcome, err := group.ParseWelcome(b[1:])
		if err != nil {
			return nil, err
		}
		m.Welcome = welcome

	case DDSGossip:
		gossip, err := ParseGossipMessage(b[1:])
		if err != nil {
			return nil, err
		}
		m.Gossip = gossip

	case DDSCascadeConsensus:
		msg, err := group.ParseMessage(b[1:])
		if err != nil {
			return nil, err
		}
		m.Protected = msg

	default:
		return nil, fmt.Errorf("%w: DDSMessage tag %d", ErrUnknownTag, m.Type)
	}
	return m, nil
}

// GossipMessageType tags the gossip sub-protocol body.
type GossipMessageType uint8

const (
	// GossipSubscribe asks the receiver to add the subscriber to its gossip
	// sample and replay what it has received this epoch.
	GossipSubscribe GossipMessageType = 1

	// GossipGossip floods an MLS message (proposal or application data).
	GossipGossip GossipMessageType = 2
)

// GossipMessage is the body of a DDSGossip frame.
type GossipMessage struct {
	Type       GossipMessageType
	Subscriber []byte         // GossipSubscribe
	Message    *group.Message // GossipGossip
}

// Marshal encodes the gossip message.
func (m *GossipMessage) Marshal() []byte {
	var w group.Writer
	w.U8(uint8(m.Type))
	switch m.Type {
	case GossipSubscribe:
		w.Bytes(m.Subscriber)
	case GossipGossip:
		w.Raw(m.Message.Marshal())
	}
	return w.Data()
}

// ParseGossipMessage decodes a gossip message.
func ParseGossipMessage(b []byte) (*GossipMessage, error) {
	r := group.NewReader(b)
	m := &GossipMessage{Type: GossipMessageType(r.U8())}
	if r.Err() != nil {
		return nil, r.Err()
	}

	switch m.Type {
	case GossipSubscribe:
		m.Subscriber = r.Bytes()
		if err := r.Done(); err != nil {
			return nil, err
		}

	case GossipGossip:
		msg, err := group.ParseMessage(b[1:])
		if err != nil {
			return nil, err
		}
		m.Message = msg

	default:
		return nil, fmt.Errorf("%w: GossipMessage tag %d", ErrUnknownTag, m.Type)
	}
	return m, nil
}
