package sutils

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/netsys-lab/multipath-transfer/peers"
)

// ParseInterface parses "host:port" into an Interface. Hostnames are kept
// as they are, resolution is left to the transport.
func ParseInterface(addr string) (peers.Interface, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return peers.Interface{}, fmt.Errorf("parse interface %q: %w", addr, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return peers.Interface{}, fmt.Errorf("parse interface %q: invalid port: %w", addr, err)
	}
	return peers.Interface{Addr: host, Port: uint16(p)}, nil
}

// ParseInterfaceList parses every entry, stopping at the first invalid one
func ParseInterfaceList(addrs []string) (peers.InterfaceList, error) {
	ifs := make(peers.InterfaceList, 0, len(addrs))
	for _, a := range addrs {
		i, err := ParseInterface(a)
		if err != nil {
			return nil, err
		}
		ifs = append(ifs, i)
	}
	return ifs, nil
}

// InterfaceFromAddr converts a bound net.Addr back into an Interface,
// e.g. to learn the port after listening on port 0
func InterfaceFromAddr(addr net.Addr) (peers.Interface, error) {
	if addr == nil {
		return peers.Interface{}, fmt.Errorf("nil address")
	}
	return ParseInterface(addr.String())
}
