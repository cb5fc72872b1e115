package ice

import (
	"fmt"
	"net"
)

// TransportAddress is a UDP IP:port tuple. Only UDP is in scope for this
// core, so there is no protocol field.
type TransportAddress struct {
	IP   string
	Port int
}

func (a TransportAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a TransportAddress) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.IP), Port: a.Port}
}

func transportAddressFromUDP(addr *net.UDPAddr) TransportAddress {
	return TransportAddress{IP: addr.IP.String(), Port: addr.Port}
}

func transportAddressFromAddr(addr net.Addr) (TransportAddress, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return TransportAddress{}, errInvalidAddrType(addr)
	}
	return transportAddressFromUDP(udpAddr), nil
}
