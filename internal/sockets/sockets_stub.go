//go:build !linux

package sockets

import "errors"

var errUnsupported = errors.New("socket listing is not supported on this platform")

// NetlinkDumper is only available on Linux.
type NetlinkDumper struct{}

func (NetlinkDumper) Dump() ([]Socket, error) { return nil, errUnsupported }

// ProcOwners is only available on Linux.
type ProcOwners struct{}

func (ProcOwners) Owners() (map[uint32]Process, error) { return nil, errUnsupported }
