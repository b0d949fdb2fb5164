package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver maps a host name to one address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// SystemResolver uses the Go/libc resolver. IPv4 answers are preferred.
type SystemResolver struct {
	Resolver *net.Resolver
}

func (r SystemResolver) Resolve(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String(), nil
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", err
	}
	return pick(addrs)
}

func pick(addrs []netip.Addr) (string, error) {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap().String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].String(), nil
	}
	return "", errors.New("no addresses")
}

// DNSResolver queries a specific DNS server directly, A first then AAAA.
type DNSResolver struct {
	Server  string // host:port
	Timeout time.Duration
	client  *dns.Client
}

// NewDNSResolver returns a resolver for server. A missing port defaults to 53.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSResolver{
		Server:  server,
		Timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String(), nil
	}
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", host, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				return v.A.String(), nil
			case *dns.AAAA:
				return v.AAAA.String(), nil
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: no address records", host)
	}
	return "", lastErr
}
