package peers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// A peer is identified by a 64 bit id. The id says nothing about where
// the peer lives, that is what the name resolution service is for.
// We work on path-level: one peer may be reachable over many interfaces
// and every interface can carry one path of a connection
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Interface is an address/port pair at which a peer is reachable
type Interface struct {
	Addr string
	Port uint16
}

func (i Interface) String() string {
	return net.JoinHostPort(i.Addr, strconv.Itoa(int(i.Port)))
}

// IsZero reports whether no address was set, which means "any local address"
// when used for binding
func (i Interface) IsZero() bool {
	return i.Addr == "" && i.Port == 0
}

// InterfaceList contains all interfaces of one peer, in the order
// they were announced
type InterfaceList []Interface

func (l InterfaceList) String() string {
	parts := make([]string, 0, len(l))
	for _, v := range l {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, " "))
}

// Clone returns a copy that does not share the backing array
func (l InterfaceList) Clone() InterfaceList {
	if l == nil {
		return nil
	}
	c := make(InterfaceList, len(l))
	copy(c, l)
	return c
}
