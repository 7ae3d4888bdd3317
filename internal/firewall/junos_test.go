package firewall

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"c2block/sync-service/internal/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSRX records every RPC body and answers through reply.
type fakeSRX struct {
	mu     sync.Mutex
	bodies []string
	reply  func(body string) (int, string)
}

func (f *fakeSRX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != "secret" || r.URL.Path != "/rpc" || r.Header.Get("Content-Type") != "application/xml" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()

	status, body := http.StatusOK, "<ok/>"
	if f.reply != nil {
		status, body = f.reply(string(b))
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeSRX) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func testOptions(t *testing.T, srvURL string) JunosOptions {
	t.Helper()
	u, err := url.Parse(srvURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return JunosOptions{
		Host:          host,
		Port:          port,
		User:          "admin",
		Password:      "secret",
		Timeout:       5 * time.Second,
		AddressBook:   "global",
		AddressPrefix: "c2-ip-",
		AddressSet:    "c2-deny-set",
		PolicyName:    "deny-to-c2-set",
		PolicyAction:  "deny",
		FromZone:      "trust",
		ToZone:        "untrust",
	}
}

func newTestClient(t *testing.T, f *fakeSRX) *JunosClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewJunosClient(testOptions(t, srv.URL), nil)
}

func TestAddressName(t *testing.T) {
	c := NewJunosClient(JunosOptions{AddressPrefix: "c2-ip-"}, nil)
	assert.Equal(t, "c2-ip-192-0-2-1", c.AddressName("192.0.2.1"))
}

func TestAddIP(t *testing.T) {
	f := &fakeSRX{}
	c := newTestClient(t, f)

	require.NoError(t, c.AddIP(context.Background(), "1.2.3.4"))

	sent := f.sent()
	require.Len(t, sent, 3)
	assert.Contains(t, sent[0], "<candidate></candidate>")
	assert.Contains(t, sent[0], "<address-book><name>global</name><address><name>c2-ip-1-2-3-4</name><ip-prefix>1.2.3.4/32</ip-prefix></address></address-book>")
	assert.Contains(t, sent[1], "<address-set><name>c2-deny-set</name><address><name>c2-ip-1-2-3-4</name></address></address-set>")
	assert.Equal(t, "<commit-configuration/>", sent[2])
}

func TestRemoveIP_MissingConfigIsFine(t *testing.T) {
	f := &fakeSRX{reply: func(body string) (int, string) {
		if strings.Contains(body, `operation="delete"`) {
			return http.StatusOK, "<rpc-error><error-severity>error</error-severity><error-message>statement not found</error-message></rpc-error>"
		}
		return http.StatusOK, "<ok/>"
	}}
	c := newTestClient(t, f)

	require.NoError(t, c.RemoveIP(context.Background(), "9.9.9.9"))

	sent := f.sent()
	require.Len(t, sent, 3)
	assert.Contains(t, sent[0], `<address-set><name>c2-deny-set</name><address operation="delete"><name>c2-ip-9-9-9-9</name></address>`)
	assert.Contains(t, sent[1], `<address operation="delete"><name>c2-ip-9-9-9-9</name></address>`)
	assert.Equal(t, "<commit-configuration/>", sent[2])
}

func TestRemoveIP_RPCError(t *testing.T) {
	f := &fakeSRX{reply: func(string) (int, string) {
		return http.StatusOK, "<rpc-error><error-severity>error</error-severity><error-message>configuration database locked</error-message></rpc-error>"
	}}
	c := newTestClient(t, f)

	err := c.RemoveIP(context.Background(), "9.9.9.9")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "remove-from-set", rpcErr.Op)
	assert.Len(t, f.sent(), 1)
}

const policyReply = "--boundary123\r\n" +
	"Content-Type: application/xml; charset=utf-8\r\n\r\n" +
	`<configuration junos:changed-seconds="1700000000">
<security><policies><policy>
<from-zone-name>trust</from-zone-name><to-zone-name>untrust</to-zone-name>
<policy><name>allow-web</name></policy>
<policy><name>deny-to-c2-set</name></policy>
</policy></policies></security>
</configuration>` + "\r\n--boundary123--\r\n"

func TestExtractConfiguration(t *testing.T) {
	got := extractConfiguration(policyReply)
	assert.True(t, strings.HasPrefix(got, "<configuration"))
	assert.True(t, strings.HasSuffix(got, "</configuration>"))

	plain := "<rpc-reply><configuration/></rpc-reply>"
	assert.Equal(t, "<configuration/></rpc-reply>", extractConfiguration(plain))
	assert.Equal(t, "no xml", extractConfiguration("no xml"))
}

func TestPolicyExists(t *testing.T) {
	f := &fakeSRX{reply: func(string) (int, string) { return http.StatusOK, policyReply }}
	c := newTestClient(t, f)

	ok, err := c.PolicyExists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, f.sent()[0], "<get-configuration><configuration><security><policies><policy><from-zone-name>trust</from-zone-name><to-zone-name>untrust</to-zone-name></policy>")
}

func TestEnsurePolicy_CreatesWhenMissing(t *testing.T) {
	f := &fakeSRX{reply: func(body string) (int, string) {
		if strings.HasPrefix(body, "<get-configuration>") {
			return http.StatusOK, "<configuration><security><policies/></security></configuration>"
		}
		return http.StatusOK, "<ok/>"
	}}
	c := newTestClient(t, f)

	require.NoError(t, c.EnsurePolicy(context.Background()))

	sent := f.sent()
	require.Len(t, sent, 3)
	assert.Contains(t, sent[1], "<name>deny-to-c2-set</name>")
	assert.Contains(t, sent[1], "<destination-address>c2-deny-set</destination-address>")
	assert.Contains(t, sent[1], "<then><deny></deny><log><session-init></session-init></log></then>")
	assert.NotContains(t, sent[1], "permit")
	assert.Equal(t, "<commit-configuration/>", sent[2])
}

func TestEnsurePolicy_ExistingIsLeftAlone(t *testing.T) {
	f := &fakeSRX{reply: func(string) (int, string) { return http.StatusOK, policyReply }}
	c := newTestClient(t, f)

	require.NoError(t, c.EnsurePolicy(context.Background()))
	assert.Len(t, f.sent(), 1)
}

func TestPurge(t *testing.T) {
	f := &fakeSRX{reply: func(body string) (int, string) {
		if strings.HasPrefix(body, "<get-configuration>") {
			return http.StatusOK, `<configuration><security><address-book><name>global</name>
<address><name>c2-ip-1-2-3-4</name><ip-prefix>1.2.3.4/32</ip-prefix></address>
<address><name>web-server</name><ip-prefix>10.0.0.5/32</ip-prefix></address>
<address><name>c2-ip-5-6-7-8</name><ip-prefix>5.6.7.8/32</ip-prefix></address>
</address-book></security></configuration>`
		}
		return http.StatusOK, "<ok/>"
	}}
	c := newTestClient(t, f)

	names, err := c.ListAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c2-ip-1-2-3-4", "c2-ip-5-6-7-8"}, names)

	n, err := c.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sent := f.sent()
	// list, list, 2x(remove member, delete object), commit
	require.Len(t, sent, 7)
	assert.Equal(t, "<commit-configuration/>", sent[6])
	for _, body := range sent {
		assert.NotContains(t, body, "web-server")
	}
}

func TestRPC_UnauthorizedDoesNotTripBreaker(t *testing.T) {
	f := &fakeSRX{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	opts := testOptions(t, srv.URL)
	opts.Password = "wrong"
	cb := circuitbreaker.New("firewall-auth", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	c := NewJunosClient(opts, cb)

	err := c.Commit(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusUnauthorized, rpcErr.Status)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

func TestRPC_ServerErrorsOpenBreaker(t *testing.T) {
	f := &fakeSRX{reply: func(string) (int, string) { return http.StatusServiceUnavailable, "busy" }}
	srv := httptest.NewServer(f)
	defer srv.Close()

	cb := circuitbreaker.New("firewall-5xx", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	c := NewJunosClient(testOptions(t, srv.URL), cb)

	require.Error(t, c.Commit(context.Background()))
	require.Error(t, c.Commit(context.Background()))
	err := c.AddIP(context.Background(), "1.2.3.4")
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Len(t, f.sent(), 2)
}

func TestRPC_RateLimitHonoursContext(t *testing.T) {
	f := &fakeSRX{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	opts := testOptions(t, srv.URL)
	opts.MaxRPS = 0.001
	c := NewJunosClient(opts, nil)

	require.NoError(t, c.Commit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Commit(ctx))
	assert.Len(t, f.sent(), 1)
}
