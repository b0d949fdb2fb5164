package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// DefaultDoHResolvers are the DNS-over-HTTPS endpoints checked when none are
// configured.
var DefaultDoHResolvers = map[string]string{
	"google":     "https://dns.google/dns-query",
	"cloudflare": "https://cloudflare-dns.com/dns-query",
}

// DoHResult is the outcome of one DNS-over-HTTPS query.
type DoHResult struct {
	Resolver string  `json:"resolver"`
	URL      string  `json:"url"`
	OK       bool    `json:"ok"`
	Ms       float64 `json:"ms"`
	Answer   string  `json:"answer,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// DoHChecker measures whether DNS-over-HTTPS resolvers answer from this
// host, using RFC 8484 wire-format POSTs.
type DoHChecker struct {
	Resolvers map[string]string // name -> URL
	Name      string            // queried name
	Timeout   time.Duration
	Client    *http.Client
}

// NewDoHChecker returns a checker for resolvers, or the defaults when
// resolvers is empty.
func NewDoHChecker(resolvers map[string]string, timeout time.Duration) *DoHChecker {
	if len(resolvers) == 0 {
		resolvers = DefaultDoHResolvers
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DoHChecker{
		Resolvers: resolvers,
		Name:      "example.com",
		Timeout:   timeout,
		Client:    http.DefaultClient,
	}
}

// Check queries every resolver concurrently. Failures are reported per
// resolver; results are ordered by resolver name.
func (c *DoHChecker) Check(ctx context.Context) []DoHResult {
	names := make([]string, 0, len(c.Resolvers))
	for name := range c.Resolvers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]DoHResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			url := c.Resolvers[name]
			qctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()

			start := time.Now()
			answer, err := c.query(qctx, url)
			res := DoHResult{
				Resolver: name,
				URL:      url,
				Ms:       float64(time.Since(start).Microseconds()) / 1000,
				Answer:   answer,
				OK:       err == nil,
			}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *DoHChecker) query(ctx context.Context, url string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(c.Name), dns.TypeA)
	msg.RecursionDesired = true
	msg.Id = 0 // cache friendly, per RFC 8484
	wire, err := msg.Pack()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return "", err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return "", fmt.Errorf("bad reply: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%s: %s", c.Name, dns.RcodeToString[reply.Rcode])
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", nil
}
