package scanner

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Outcome is the classification of one port probe.
type Outcome string

const (
	OutcomeOpen   Outcome = "open"
	OutcomeClosed Outcome = "closed"
	// OutcomeNoResponse means a UDP datagram got neither a reply nor an ICMP
	// port-unreachable within the timeout. The port may be open and silent
	// or filtered.
	OutcomeNoResponse Outcome = "no_response"
	OutcomeError      Outcome = "error"
)

// Prober performs a single port probe.
type Prober interface {
	Probe(ctx context.Context, mode Mode, addr string, timeout time.Duration) (Outcome, error)
}

// NetProber probes with real sockets.
type NetProber struct{}

func (NetProber) Probe(ctx context.Context, mode Mode, addr string, timeout time.Duration) (Outcome, error) {
	if mode == ModeUDP {
		return probeUDP(ctx, addr, timeout)
	}
	return probeTCP(ctx, addr, timeout)
}

// probeTCP reports open iff the handshake completes within timeout. Refused
// and filtered ports are both closed. A dial cut short by ctx says nothing
// about the port and is an error.
func probeTCP(ctx context.Context, addr string, timeout time.Duration) (Outcome, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeError, ctxErr
		}
		return OutcomeClosed, nil
	}
	conn.Close()
	return OutcomeOpen, nil
}

// probeUDP sends an empty datagram on a connected socket. A reply means
// open, ICMP port-unreachable (ECONNREFUSED) means closed and silence means
// no_response.
func probeUDP(ctx context.Context, addr string, timeout time.Duration) (Outcome, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return OutcomeError, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return OutcomeError, err
	}

	if _, err := conn.Write(nil); err != nil {
		return classifyUDPError(err)
	}
	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeError, ctxErr
		}
		return classifyUDPError(err)
	}
	return OutcomeOpen, nil
}

func classifyUDPError(err error) (Outcome, error) {
	if errors.Is(err, unix.ECONNREFUSED) {
		return OutcomeClosed, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeNoResponse, nil
	}
	return OutcomeError, err
}
