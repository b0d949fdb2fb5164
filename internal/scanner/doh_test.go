package scanner

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dohServer(t *testing.T, rcode int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		if err := q.Unpack(body); err != nil || len(q.Question) != 1 {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		reply := new(dns.Msg)
		reply.SetRcode(q, rcode)
		if rcode == dns.RcodeSuccess {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP("93.184.216.34").To4(),
			})
		}
		wire, _ := reply.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(wire)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDoHChecker(t *testing.T) {
	good := dohServer(t, dns.RcodeSuccess)
	nx := dohServer(t, dns.RcodeNameError)
	broken := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(broken.Close)

	c := NewDoHChecker(map[string]string{
		"good":   good.URL,
		"nx":     nx.URL,
		"broken": broken.URL,
	}, 0)
	results := c.Check(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, "broken", results[0].Resolver)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "404")

	assert.Equal(t, "good", results[1].Resolver)
	assert.True(t, results[1].OK, results[1].Error)
	assert.Equal(t, "93.184.216.34", results[1].Answer)
	assert.Equal(t, good.URL, results[1].URL)

	assert.Equal(t, "nx", results[2].Resolver)
	assert.False(t, results[2].OK)
	assert.Contains(t, results[2].Error, "NXDOMAIN")
}

func TestNewDoHChecker_Defaults(t *testing.T) {
	c := NewDoHChecker(nil, 0)
	assert.Equal(t, DefaultDoHResolvers, c.Resolvers)
	assert.Equal(t, "example.com", c.Name)
}
