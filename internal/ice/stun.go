package ice

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// STUN (Session Traversal Utilities for NAT), RFC 5389. Only the framing
// and attributes the connectivity-check protocol actually needs are
// implemented: Binding Request and Binding Success Response, carrying
// PRIORITY, USE-CANDIDATE, ICE-CONTROLLED, ICE-CONTROLLING, and
// XOR-MAPPED-ADDRESS.

// MessageType distinguishes the two STUN message classes this core uses.
type MessageType uint16

const (
	MessageTypeRequest    MessageType = 0x0001 // Binding Request
	MessageTypeResponse   MessageType = 0x0101 // Binding Success Response
	messageTypeIndication MessageType = 0x0011 // Binding Indication, keepalive only
)

// indicationMessage builds a bare Binding Indication used for the
// post-nomination keepalive traffic described in SPEC_FULL.md §11. It
// carries no attributes and expects no reply.
func indicationMessage() *Message {
	return &Message{Type: messageTypeIndication, TransactionID: newTransactionID()}
}

const (
	stunHeaderLength = 20
	stunMagicCookie  = 0x2112A442
)

var stunMagicCookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

// AttributeType is the STUN attribute type field.
type AttributeType uint16

const (
	AttrXorMappedAddress AttributeType = 0x0020
	AttrPriority         AttributeType = 0x0024
	AttrUseCandidate     AttributeType = 0x0025
	AttrICEControlled    AttributeType = 0x8029
	AttrICEControlling   AttributeType = 0x802A
)

// Attribute is a raw STUN TLV.
type Attribute struct {
	Type  AttributeType
	Value []byte
}

// Message is a decoded STUN message.
type Message struct {
	Type          MessageType
	TransactionID [12]byte
	Attributes    []Attribute
}

func newTransactionID() [12]byte {
	var id [12]byte
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which leaves nothing sane to do but stop.
		panic(errors.Wrap(err, "ice: failed to generate STUN transaction ID"))
	}
	return id
}

// newRequest builds an empty Binding Request with a fresh transaction ID.
func newRequest() *Message {
	return &Message{Type: MessageTypeRequest, TransactionID: newTransactionID()}
}

// newResponseTo builds a Binding Success Response correlated to req by
// transaction ID.
func newResponseTo(req *Message) *Message {
	return &Message{Type: MessageTypeResponse, TransactionID: req.TransactionID}
}

func (m *Message) addAttribute(t AttributeType, v []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: v})
}

func (m *Message) attribute(t AttributeType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

func (m *Message) hasAttribute(t AttributeType) bool {
	_, ok := m.attribute(t)
	return ok
}

func (m *Message) addPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	m.addAttribute(AttrPriority, v)
}

func (m *Message) priority() (uint32, bool) {
	a, ok := m.attribute(AttrPriority)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

func (m *Message) addUseCandidate() {
	m.addAttribute(AttrUseCandidate, nil)
}

func (m *Message) addICEControlling(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	m.addAttribute(AttrICEControlling, v)
}

func (m *Message) addICEControlled(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	m.addAttribute(AttrICEControlled, v)
}

// setXorMappedAddress encodes addr into an XOR-MAPPED-ADDRESS attribute
// per RFC5389 §15.2: the port and the first four address bytes are XOR'd
// against the magic cookie, and the remaining twelve bytes of an IPv6
// address against the message's own transaction ID.
func (m *Message) setXorMappedAddress(addr TransportAddress) {
	ip := net.ParseIP(addr.IP)
	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		copy(value[4:20], ip.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
	xorBytes(value[2:4], stunMagicCookieBytes[:2])
	xorBytes(value[4:8], stunMagicCookieBytes[:])
	if len(value) > 8 {
		xorBytes(value[8:], m.TransactionID[:])
	}
	m.addAttribute(AttrXorMappedAddress, value)
}

func (m *Message) xorMappedAddress() (TransportAddress, bool) {
	a, ok := m.attribute(AttrXorMappedAddress)
	if !ok || len(a.Value) < 8 {
		return TransportAddress{}, false
	}
	value := append([]byte(nil), a.Value...)
	xorBytes(value[2:4], stunMagicCookieBytes[:2])
	port := binary.BigEndian.Uint16(value[2:4])

	var ip net.IP
	switch value[1] {
	case 0x01:
		xorBytes(value[4:8], stunMagicCookieBytes[:])
		ip = net.IP(value[4:8])
	case 0x02:
		if len(value) < 20 {
			return TransportAddress{}, false
		}
		xorBytes(value[4:20], append(stunMagicCookieBytes[:], m.TransactionID[:]...))
		ip = net.IP(value[4:20])
	default:
		return TransportAddress{}, false
	}
	return TransportAddress{IP: ip.String(), Port: int(port)}, true
}

func xorBytes(dst []byte, key []byte) {
	for i := range dst {
		dst[i] ^= key[i]
	}
}

func pad4(n int) int { return -n & 3 }

// encode serializes a Message to its wire form.
func encode(m *Message) []byte {
	var body bytes.Buffer
	for _, a := range m.Attributes {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(a.Type))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		body.Write(hdr[:])
		body.Write(a.Value)
		body.Write(make([]byte, pad4(len(a.Value))))
	}

	out := make([]byte, stunHeaderLength+body.Len())
	binary.BigEndian.PutUint16(out[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(out[2:4], uint16(body.Len()))
	binary.BigEndian.PutUint32(out[4:8], stunMagicCookie)
	copy(out[8:20], m.TransactionID[:])
	copy(out[20:], body.Bytes())
	return out
}

// decode parses a Message from its wire form, returning a *FormatError
// (never fatal) if data is not a well-formed STUN message.
func decode(data []byte) (*Message, error) {
	if len(data) < stunHeaderLength {
		return nil, newFormatError("datagram too short for STUN header: %d bytes", len(data))
	}
	rawType := binary.BigEndian.Uint16(data[0:2])
	if rawType>>14 != 0 {
		return nil, newFormatError("reserved bits set in message type %#04x", rawType)
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length)+stunHeaderLength != len(data) {
		return nil, newFormatError("length field %d does not match datagram size %d", length, len(data))
	}
	if binary.BigEndian.Uint32(data[4:8]) != stunMagicCookie {
		return nil, newFormatError("bad magic cookie")
	}

	msgType := MessageType(rawType)
	switch msgType {
	case MessageTypeRequest, MessageTypeResponse, messageTypeIndication:
	default:
		return nil, newFormatError("unsupported message type %#04x", rawType)
	}

	m := &Message{Type: msgType}
	copy(m.TransactionID[:], data[8:20])

	body := data[20:]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, newFormatError("truncated attribute header")
		}
		t := AttributeType(binary.BigEndian.Uint16(body[0:2]))
		l := int(binary.BigEndian.Uint16(body[2:4]))
		body = body[4:]
		if l > len(body) {
			return nil, newFormatError("attribute %#04x length %d exceeds remaining %d bytes", t, l, len(body))
		}
		value := make([]byte, l)
		copy(value, body[:l])
		body = body[l+pad4(l):]
		m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
	}
	return m, nil
}

// transactionCache tracks outstanding requests for a single Pair Tester so
// verifyResponse can confirm a Response actually answers something this
// tester sent to this peer, per spec.md's "per-Pair-Tester, not shared"
// requirement.
type transactionCache struct {
	mu      sync.Mutex
	pending map[TransportAddress][12]byte
}

func newTransactionCache() *transactionCache {
	return &transactionCache{pending: make(map[TransportAddress][12]byte)}
}

// expectReplyFrom records that a Response from peer matching tid should be
// accepted as the reply to an outstanding request.
func (c *transactionCache) expectReplyFrom(peer TransportAddress, tid [12]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[peer] = tid
}

// verifyResponse reports whether msg is the expected reply from peer, and
// if so clears the pending entry so a duplicate cannot be replayed.
func (c *transactionCache) verifyResponse(msg *Message, peer TransportAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	want, ok := c.pending[peer]
	if !ok || want != msg.TransactionID {
		return false
	}
	delete(c.pending, peer)
	return true
}
