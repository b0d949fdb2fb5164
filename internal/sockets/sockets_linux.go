//go:build linux

package sockets

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/prometheus/procfs"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkDumper reads the TCP and UDP tables of both families through the
// kernel's sock_diag interface.
type NetlinkDumper struct{}

func (NetlinkDumper) Dump() ([]Socket, error) {
	var out []Socket
	var errs []error
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		tcp, err := netlink.SocketDiagTCPInfo(family)
		if err != nil {
			errs = append(errs, fmt.Errorf("tcp diag (family %d): %w", family, err))
		}
		for _, r := range tcp {
			if r.InetDiagMsg != nil {
				out = append(out, fromDiag("tcp", r.InetDiagMsg))
			}
		}

		udp, err := netlink.SocketDiagUDPInfo(family)
		if err != nil {
			errs = append(errs, fmt.Errorf("udp diag (family %d): %w", family, err))
		}
		for _, r := range udp {
			if r.InetDiagMsg != nil {
				out = append(out, fromDiag("udp", r.InetDiagMsg))
			}
		}
	}
	// A host without IPv6 fails one family; that is not fatal.
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func fromDiag(proto string, s *netlink.Socket) Socket {
	state := "NONE"
	if proto == "tcp" {
		state = TCPState(s.State)
	}
	return Socket{
		Proto:  proto,
		Local:  addrPort(s.ID.Source, s.ID.SourcePort),
		Remote: addrPort(s.ID.Destination, s.ID.DestinationPort),
		State:  state,
		Inode:  s.INode,
	}
}

func addrPort(ip net.IP, port uint16) netip.AddrPort {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), port)
}

// ProcOwners resolves socket owners by walking /proc/*/fd.
type ProcOwners struct{}

func (ProcOwners) Owners() (map[uint32]Process, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}

	owners := make(map[uint32]Process)
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue // exited, or not ours to read
		}
		var owner *Process
		for _, t := range targets {
			inode, ok := socketInode(t)
			if !ok {
				continue
			}
			if owner == nil {
				name, _ := p.Comm()
				exe, _ := p.Executable()
				owner = &Process{PID: p.PID, Name: name, Exe: exe}
			}
			owners[inode] = *owner
		}
	}
	return owners, nil
}
