package ice

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
)

// stunHandler receives a decoded STUN message routed to a registered
// listener by sender address.
type stunHandler func(msg *Message, from TransportAddress)

// Stats is a snapshot of a Multiplexer's packet counters, added per
// SPEC_FULL.md §4.2 to surface the original uvgComm UDPServer's
// dropped-packet bookkeeping that the distilled spec.md omitted.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	FormatErrors    uint64
}

// Multiplexer owns a single bound UDP socket for one local candidate base
// address and fans incoming STUN datagrams out to the Pair Tester that
// registered for that sender, by (sender-ip, sender-port). It is the Go
// counterpart of the uvgComm UDPServer embedded in icecandidatetester.cpp,
// and is grounded in the teacher's internal/ice/base.go Base type (the
// read loop dispatch, the per-peer handler map, and clean shutdown via a
// done channel).
type Multiplexer struct {
	log logging.LeveledLogger

	mu        sync.Mutex
	conn      *net.UDPConn
	localAddr TransportAddress
	listeners map[TransportAddress]stunHandler

	stats Stats

	done chan struct{}
}

func NewMultiplexer(loggerFactory logging.LoggerFactory) *Multiplexer {
	return &Multiplexer{
		log:       loggerFactory.NewLogger("mux"),
		listeners: make(map[TransportAddress]stunHandler),
		done:      make(chan struct{}),
	}
}

// Bind opens a UDP socket on ip:port and starts the read loop. It returns
// false if the OS refuses the bind (address in use, permission denied,
// etc.); the caller treats this as a per-interface BindFailure and moves on
// to the next candidate base, per spec.md §4.4/§9.
func (m *Multiplexer) Bind(ip net.IP, port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		m.log.Warnf("bind %s:%d failed: %v", ip, port, err)
		return false
	}
	m.mu.Lock()
	m.conn = conn
	m.localAddr = transportAddressFromUDP(conn.LocalAddr().(*net.UDPAddr))
	m.mu.Unlock()

	go m.readLoop()
	return true
}

// LocalAddr returns the address Bind settled on (useful when port 0 asked
// the OS to pick one).
func (m *Multiplexer) LocalAddr() TransportAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localAddr
}

// Unbind closes the socket and stops the read loop. Safe to call more than
// once.
func (m *Multiplexer) Unbind() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// RegisterListener routes STUN messages received from remote to handler.
// Only one listener per remote address is supported; registering again
// replaces the previous handler.
func (m *Multiplexer) RegisterListener(remote TransportAddress, handler stunHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[remote] = handler
}

// UnregisterListener stops routing datagrams from remote to any handler.
func (m *Multiplexer) UnregisterListener(remote TransportAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, remote)
}

// Send transmits data to remote. It returns false on an OS send error.
// Payloads over 512 bytes are a programmer error: every message this core
// emits is a bare STUN Binding Request/Response, which never approaches
// that size.
func (m *Multiplexer) Send(data []byte, remote TransportAddress) bool {
	if len(data) > 512 {
		panic("ice: refusing to send a STUN datagram larger than 512 bytes")
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	if _, err := conn.WriteToUDP(data, remote.udpAddr()); err != nil {
		m.log.Debugf("send to %s failed: %v", remote, err)
		return false
	}
	atomic.AddUint64(&m.stats.PacketsSent, 1)
	return true
}

// Stats returns a snapshot of this Multiplexer's packet counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		PacketsSent:     atomic.LoadUint64(&m.stats.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&m.stats.PacketsReceived),
		PacketsDropped:  atomic.LoadUint64(&m.stats.PacketsDropped),
		FormatErrors:    atomic.LoadUint64(&m.stats.FormatErrors),
	}
}

func (m *Multiplexer) readLoop() {
	buf := make([]byte, 1500)
	for {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			return
		}

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed by Unbind
		}
		atomic.AddUint64(&m.stats.PacketsReceived, 1)

		msg, err := decode(buf[:n])
		if err != nil {
			atomic.AddUint64(&m.stats.FormatErrors, 1)
			m.log.Warnf("dropping malformed datagram from %s: %v", raddr, err)
			continue
		}

		from := transportAddressFromUDP(raddr)
		m.mu.Lock()
		handler, ok := m.listeners[from]
		m.mu.Unlock()
		if !ok {
			// Either a genuinely unsolicited datagram or a peer-reflexive
			// candidate we've chosen not to learn from (spec.md Non-goals).
			atomic.AddUint64(&m.stats.PacketsDropped, 1)
			m.log.Debugf("dropping datagram from unregistered sender %s", from)
			continue
		}
		handler(msg, from)
	}
}
