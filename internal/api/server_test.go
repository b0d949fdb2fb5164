package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/firewall"
	"grimm.is/portgate/internal/health"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/panel"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/traffic"
)

type nopStore struct{}

func (nopStore) LoadModel(context.Context) (access.Snapshot, bool, error) {
	return access.Snapshot{}, false, nil
}
func (nopStore) SaveModel(context.Context, access.Snapshot) error { return nil }

type countingFirewall struct {
	mu     sync.Mutex
	passes int
}

func (f *countingFirewall) Reconcile(_ context.Context, snap access.Snapshot) firewall.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	return firewall.Result{Applied: len(snap.Whitelist)}
}
func (f *countingFirewall) Strictify(context.Context, int) firewall.Result {
	return firewall.Result{Removed: 1}
}
func (f *countingFirewall) NarrowPort(_ context.Context, _ int, wl []string, _ int) firewall.Result {
	return firewall.Result{Applied: len(wl)}
}
func (f *countingFirewall) Rules(context.Context) ([]string, error) {
	return []string{"Status: active"}, nil
}
func (f *countingFirewall) Plan(access.Snapshot) []string          { return []string{"ufw allow 1"} }
func (f *countingFirewall) Live(context.Context) ([]string, error) { return []string{"ufw allow 1"}, nil }

func (f *countingFirewall) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

type staticProber struct{}

func (staticProber) Probe(context.Context, scanner.Mode, string, time.Duration) (scanner.Outcome, error) {
	return scanner.OutcomeOpen, nil
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, host string) (string, error) { return host, nil }

type staticTraffic struct{}

func (staticTraffic) Sample(context.Context) (traffic.Reading, error) {
	return traffic.Reading{RxRate: 10, Timestamp: time.Unix(100, 0)}, nil
}
func (staticTraffic) Latest() (traffic.Reading, bool) {
	return traffic.Reading{RxRate: 10, Timestamp: time.Unix(100, 0)}, true
}
func (staticTraffic) History() []traffic.Point {
	return []traffic.Point{{RxRate: 1}, {RxRate: 2}, {RxRate: 3}}
}

const testPassword = "s3cret"

func newTestServer(t *testing.T, mods ...func(*ServerConfig)) (*httptest.Server, *panel.Service, *countingFirewall) {
	t.Helper()
	return newTestServerWith(t, nil, mods...)
}

// newTestServerWith is newTestServer with extra panel options.
func newTestServerWith(t *testing.T, opts []panel.Option, mods ...func(*ServerConfig)) (*httptest.Server, *panel.Service, *countingFirewall) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	fw := &countingFirewall{}
	sc := scanner.New(logging.Discard(), scanner.DefaultConfig(),
		scanner.WithProber(staticProber{}), scanner.WithResolver(staticResolver{}))
	opts = append([]panel.Option{panel.WithScanner(sc), panel.WithTraffic(staticTraffic{})}, opts...)
	svc := panel.New(panel.Config{PanelPort: 48080}, nopStore{}, fw, logging.Discard(), opts...)

	cfg := DefaultServerConfig()
	cfg.Auth.PasswordHash = string(hash)
	cfg.PushInterval = 10 * time.Millisecond
	for _, mod := range mods {
		mod(&cfg)
	}
	srv := httptest.NewServer(NewServer(svc, cfg, logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv, svc, fw
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.SetBasicAuth("admin", testPassword)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(raw, &out)
	return resp, out
}

func TestAuth(t *testing.T) {
	srv, svc, _ := newTestServer(t)

	resp, _ := do(t, srv, "GET", "/api/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should be public, got %d", resp.StatusCode)
	}

	resp, body := do(t, srv, "GET", "/api/whitelist", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
	if body["error"] == nil {
		t.Error("expected JSON error body")
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/whitelist", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", resp.StatusCode)
	}
	if len(svc.Whitelist()) != 0 {
		t.Error("failed logins must not whitelist the client")
	}

	resp, _ = do(t, srv, "GET", "/api/whitelist", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := svc.Whitelist(); len(got) != 1 || got[0] != "127.0.0.1" {
		t.Errorf("authenticated client should be whitelisted, got %v", got)
	}
}

func TestAuthLockout(t *testing.T) {
	srv, svc, _ := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxAuthFailures = 2 })

	login := func(password string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest("GET", srv.URL+"/api/panel", nil)
		req.SetBasicAuth("admin", password)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	// Requests without credentials do not count as failures.
	for i := 0; i < 3; i++ {
		do(t, srv, "GET", "/api/panel", "", false)
	}
	if resp := login(testPassword); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		if resp := login("guess"); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}
	resp := login(testPassword)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated failures, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	// Only the first successful login whitelisted the client.
	if got := svc.Whitelist(); len(got) != 1 {
		t.Errorf("unexpected whitelist %v", got)
	}
}

func TestWhitelistEndpoints(t *testing.T) {
	srv, svc, _ := newTestServer(t)

	resp, body := do(t, srv, "POST", "/api/whitelist", `{"ip":"not-an-ip"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid ip: expected 400, got %d (%v)", resp.StatusCode, body)
	}

	resp, _ = do(t, srv, "POST", "/api/whitelist", `{"address":"192.0.2.1"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: expected 400, got %d", resp.StatusCode)
	}

	resp, body = do(t, srv, "POST", "/api/whitelist", `{"ip":"2001:db8::1"}`, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if _, ok := body["result"]; !ok {
		t.Error("expected reconcile result in response")
	}

	resp, _ = do(t, srv, "DELETE", "/api/whitelist/2001:db8::1", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, "DELETE", "/api/whitelist/2001:db8::1", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}

	resp, body = do(t, srv, "POST", "/api/whitelist/import?format=text", "198.51.100.1|ISP\nbogus\n198.51.100.2\n", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: expected 200, got %d", resp.StatusCode)
	}
	if body["added"] != float64(2) {
		t.Errorf("import: expected 2 added, got %v", body["added"])
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/whitelist/export?format=yaml", nil)
	req.SetBasicAuth("admin", testPassword)
	exp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(exp.Body)
	exp.Body.Close()
	if !strings.Contains(string(raw), "- 198.51.100.2") {
		t.Errorf("yaml export missing entry: %s", raw)
	}
	if ct := exp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("unexpected content type %q", ct)
	}

	resp, _ = do(t, srv, "GET", "/api/whitelist/export?format=csv", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("csv export: expected 400, got %d", resp.StatusCode)
	}

	// 127.0.0.1 was added by the login.
	if got := len(svc.Whitelist()); got != 3 {
		t.Errorf("expected 3 entries, got %d", got)
	}
}

func TestForwardAndPanelEndpoints(t *testing.T) {
	srv, svc, fw := newTestServer(t)

	resp, _ := do(t, srv, "POST", "/api/forwards", `{"src_port":8080,"dst_ip":"10.0.0.5","dst_port":80}`, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, "POST", "/api/forwards", `{"src_port":8080,"dst_ip":"10.0.0.5","dst_port":0}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad dst_port: expected 400, got %d", resp.StatusCode)
	}

	_, body := do(t, srv, "GET", "/api/forwards", "", true)
	if fwds, _ := body["forwards"].([]any); len(fwds) != 1 {
		t.Errorf("expected one forward, got %v", body)
	}

	resp, _ = do(t, srv, "DELETE", "/api/forwards/abc", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad port: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, "DELETE", "/api/forwards/8080", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, "PUT", "/api/panel", `{"port":9443}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("set panel: expected 200, got %d", resp.StatusCode)
	}
	if svc.PanelPort() != 9443 {
		t.Errorf("panel port not changed: %d", svc.PanelPort())
	}
	resp, _ = do(t, srv, "PUT", "/api/panel", `{"port":70000}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad panel port: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, "POST", "/api/ports/22/narrow", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("narrow: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, "POST", "/api/ports/0/narrow", "", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("narrow port 0: expected 400, got %d", resp.StatusCode)
	}

	before := fw.count()
	resp, _ = do(t, srv, "POST", "/api/reconcile", "", true)
	if resp.StatusCode != http.StatusOK || fw.count() != before+1 {
		t.Errorf("reconcile: status %d, passes %d -> %d", resp.StatusCode, before, fw.count())
	}

	_, body = do(t, srv, "GET", "/api/rules/diff", "", true)
	if body["in_sync"] != true {
		t.Errorf("expected in_sync, got %v", body)
	}
}

func TestScanEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := do(t, srv, "GET", "/api/scan/last", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any scan, got %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, "POST", "/api/scan", `{"hosts":[],"mode":"tcp"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no hosts: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, srv, "POST", "/api/scan", `{"hosts":["a"],"mode":"sctp"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mode: expected 400, got %d", resp.StatusCode)
	}

	resp, body := do(t, srv, "POST", "/api/scan", `{"hosts":["192.0.2.1"],"mode":"tcp","ports":"22,80,65536"}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	results, _ := body["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", body)
	}
	first := results[0].(map[string]any)
	if first["port"] != float64(22) || first["outcome"] != "open" {
		t.Errorf("unexpected first result %v", first)
	}

	resp, _ = do(t, srv, "GET", "/api/scan/last", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected last scan, got %d", resp.StatusCode)
	}
}

func TestScanEndpoint_TimeoutSeconds(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, srv, "POST", "/api/scan", `{"hosts":["192.0.2.1"],"mode":"tcp","ports":"22","timeout":0.25}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["timeout_ms"] != float64(250) {
		t.Errorf("fractional seconds: expected 250ms, got %v", body["timeout_ms"])
	}

	for _, bad := range []string{
		`{"hosts":["192.0.2.1"],"mode":"tcp","timeout":-1}`,
		`{"hosts":["192.0.2.1"],"mode":"tcp","timeout":3600}`,
		`{"hosts":["192.0.2.1"],"mode":"tcp","timeout_ms":250}`,
	} {
		resp, _ := do(t, srv, "POST", "/api/scan", bad, true)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, resp.StatusCode)
		}
	}
}

func TestTrafficEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := do(t, srv, "GET", "/api/traffic", "", true)
	if body["rx_rate"] != float64(10) {
		t.Errorf("unexpected reading %v", body)
	}

	_, body = do(t, srv, "GET", "/api/traffic/history?limit=2", "", true)
	points, _ := body["points"].([]any)
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %v", body)
	}
	if points[1].(map[string]any)["rx_rate"] != float64(3) {
		t.Errorf("limit should keep the newest points, got %v", points)
	}
}

func TestTrafficWebsocket(t *testing.T) {
	srv, _, _ := newTestServer(t)

	header := http.Header{}
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.SetBasicAuth("admin", testPassword)
	header.Set("Authorization", req.Header.Get("Authorization"))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/traffic/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reading traffic.Reading
	if err := conn.ReadJSON(&reading); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reading.RxRate != 10 {
		t.Errorf("unexpected reading %+v", reading)
	}

	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("websocket without credentials should be refused")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	do(t, srv, "GET", "/api/health", "", false)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), `portgate_api_requests_total{code="200",route="GET /api/health"}`) {
		t.Errorf("request metric missing from /metrics output")
	}
}

func TestHealthChecksEndpoint(t *testing.T) {
	checker := health.NewChecker(nil)
	checker.Register("state", health.Probe(func(context.Context) error { return nil }, "ok"))
	srv, _, _ := newTestServer(t, func(cfg *ServerConfig) { cfg.Health = checker })

	resp, _ := do(t, srv, "GET", "/api/health/checks", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("checks require auth, got %d", resp.StatusCode)
	}
	resp, body := do(t, srv, "GET", "/api/health/checks", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != string(health.StatusHealthy) {
		t.Errorf("unexpected report %v", body)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::7]:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false); got != "2001:db8::7" {
		t.Errorf("untrusted proxy: got %q", got)
	}
	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted proxy: got %q", got)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	a := AuthConfig{User: "admin", PasswordHash: hash}
	if !a.check("admin", "pw") {
		t.Error("expected credentials to match")
	}
	if a.check("root", "pw") || a.check("admin", "nope") {
		t.Error("unexpected match")
	}
	if (AuthConfig{User: "admin"}).check("admin", "") {
		t.Error("empty hash must refuse all logins")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}
