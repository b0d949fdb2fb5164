// Package sockets lists the host's TCP and UDP sockets together with the
// processes that own them.
package sockets

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/logging"
)

// Socket is one entry of the kernel socket table.
type Socket struct {
	Proto  string // tcp or udp
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  string
	Inode  uint32
}

// Process owns one or more sockets.
type Process struct {
	PID  int
	Name string
	Exe  string
}

// Conn is a socket joined with its owning process.
type Conn struct {
	Proto   string `json:"proto"`
	Local   string `json:"laddr"`
	Remote  string `json:"raddr"`
	Status  string `json:"status"`
	PID     int    `json:"pid"`
	Process string `json:"proc"`
	Exe     string `json:"exe,omitempty"`
}

// Dumper reads the socket table.
type Dumper interface {
	Dump() ([]Socket, error)
}

// OwnerTable maps socket inodes to processes.
type OwnerTable interface {
	Owners() (map[uint32]Process, error)
}

// Inspector joins the socket table with process ownership.
type Inspector struct {
	dumper Dumper
	owners OwnerTable
	logger *logging.Logger
}

// New returns an Inspector. owners may be nil, in which case connections
// carry no process information.
func New(d Dumper, owners OwnerTable, logger *logging.Logger) *Inspector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Inspector{dumper: d, owners: owners, logger: logger.WithComponent("sockets")}
}

// Connections returns every socket.
func (i *Inspector) Connections(ctx context.Context) ([]Conn, error) {
	return i.list(ctx, func(Socket) bool { return true })
}

// ByPort returns the sockets whose local or remote port is port.
func (i *Inspector) ByPort(ctx context.Context, port int) ([]Conn, error) {
	if err := access.ValidatePort(port); err != nil {
		return nil, err
	}
	p := uint16(port)
	return i.list(ctx, func(s Socket) bool {
		return s.Local.Port() == p || s.Remote.Port() == p
	})
}

func (i *Inspector) list(ctx context.Context, keep func(Socket) bool) ([]Conn, error) {
	socks, err := i.dumper.Dump()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var owners map[uint32]Process
	if i.owners != nil {
		// Without root only the caller's own processes are visible.
		if owners, err = i.owners.Owners(); err != nil {
			i.logger.Debug("process table unavailable", "error", err)
		}
	}

	out := make([]Conn, 0, len(socks))
	for _, s := range socks {
		if !keep(s) {
			continue
		}
		c := Conn{
			Proto:  s.Proto,
			Local:  formatAddr(s.Local),
			Remote: formatAddr(s.Remote),
			Status: s.State,
		}
		if p, ok := owners[s.Inode]; ok && s.Inode != 0 {
			c.PID, c.Process, c.Exe = p.PID, p.Name, p.Exe
		}
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Conn) int {
		return cmp.Or(cmp.Compare(a.Proto, b.Proto), cmp.Compare(a.Local, b.Local), cmp.Compare(a.Remote, b.Remote))
	})
	return out, nil
}

// formatAddr renders ap, or "" for the wildcard peer of an unconnected
// socket.
func formatAddr(ap netip.AddrPort) string {
	if !ap.IsValid() || (ap.Port() == 0 && ap.Addr().IsUnspecified()) {
		return ""
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}

var tcpStates = [...]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
	12: "NEW_SYN_RECV",
}

// TCPState names a kernel TCP state.
func TCPState(st uint8) string {
	if int(st) < len(tcpStates) && tcpStates[st] != "" {
		return tcpStates[st]
	}
	return "UNKNOWN"
}

// socketInode parses a /proc/PID/fd link target such as "socket:[12345]".
func socketInode(target string) (uint32, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
