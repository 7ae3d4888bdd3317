package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"c2block/sync-service/internal/circuitbreaker"
	"c2block/sync-service/internal/metrics"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RPCError is a failed RPC: a non-success HTTP status or an rpc-error in the
// reply body.
type RPCError struct {
	Op     string
	Status int
	Body   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("junos %s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// notFound reports a delete of something the device does not have.
func (e *RPCError) notFound() bool {
	return strings.Contains(e.Body, "statement not found") || strings.Contains(e.Body, "does not exist")
}

// answered errors come from a reachable device and do not trip the breaker.
func answered(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Status < 500
}

// JunosOptions configures a JunosClient.
type JunosOptions struct {
	Scheme   string // http or https
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
	MaxRPS   float64 // 0 disables pacing

	AddressBook   string
	AddressPrefix string
	AddressSet    string
	PolicyName    string
	PolicyAction  string // deny or permit
	FromZone      string
	ToZone        string
}

// JunosClient manages the deny address-set and its policy on an SRX through
// the Junos REST XML RPC endpoint.
type JunosClient struct {
	opts       JunosOptions
	endpoint   string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
}

// NewJunosClient creates a client. breaker may be nil.
func NewJunosClient(opts JunosOptions, breaker *circuitbreaker.CircuitBreaker) *JunosClient {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	limit := rate.Inf
	if opts.MaxRPS > 0 {
		limit = rate.Limit(opts.MaxRPS)
	}
	return &JunosClient{
		opts:     opts,
		endpoint: fmt.Sprintf("%s://%s/rpc", opts.Scheme, net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))),
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
	}
}

// AddressName is the address object name used for ip.
func (c *JunosClient) AddressName(ip string) string {
	return c.opts.AddressPrefix + strings.NewReplacer(".", "-", ":", "-").Replace(ip)
}

// AddIP creates the address object for ip, adds it to the address set and
// commits. Both edits merge, so repeating them is harmless.
func (c *JunosClient) AddIP(ctx context.Context, ip string) error {
	name := c.AddressName(ip)
	if err := c.editAddress(ctx, "create-address", address{Name: name, IPPrefix: hostPrefix(ip)}); err != nil {
		return err
	}
	if err := c.editSetMember(ctx, "add-to-set", address{Name: name}); err != nil {
		return err
	}
	if err := c.Commit(ctx); err != nil {
		return err
	}
	log.Info().Str("ip", ip).Str("address", name).Str("set", c.opts.AddressSet).Msg("blocked IP")
	return nil
}

// RemoveIP takes ip out of the address set, deletes its address object and
// commits. Missing configuration is not an error.
func (c *JunosClient) RemoveIP(ctx context.Context, ip string) error {
	name := c.AddressName(ip)
	if err := c.ignoreNotFound(c.editSetMember(ctx, "remove-from-set", address{Operation: "delete", Name: name})); err != nil {
		return err
	}
	if err := c.ignoreNotFound(c.editAddress(ctx, "delete-address", address{Operation: "delete", Name: name})); err != nil {
		return err
	}
	if err := c.Commit(ctx); err != nil {
		return err
	}
	log.Info().Str("ip", ip).Str("address", name).Msg("unblocked IP")
	return nil
}

// EnsurePolicy creates the policy matching the address set unless it is
// already present for the zone pair.
func (c *JunosClient) EnsurePolicy(ctx context.Context) error {
	ok, err := c.PolicyExists(ctx)
	if err != nil {
		return err
	}
	if ok {
		log.Info().Str("policy", c.opts.PolicyName).Msg("policy already exists, skipping creation")
		return nil
	}

	then := policyThen{}
	if c.opts.PolicyAction == "permit" {
		then.Permit = &empty{}
	} else {
		then.Deny = &empty{}
	}
	body, err := edit(security{Policies: &policies{Policy: zonePolicy{
		FromZone: c.opts.FromZone,
		ToZone:   c.opts.ToZone,
		Policy: &policy{
			Name: c.opts.PolicyName,
			Match: policyMatch{
				SourceAddress:      "any",
				DestinationAddress: c.opts.AddressSet,
				Application:        "any",
			},
			Then: then,
		},
	}}})
	if err != nil {
		return err
	}
	if _, err := c.rpc(ctx, "create-policy", body); err != nil {
		return err
	}
	if err := c.Commit(ctx); err != nil {
		return err
	}
	log.Info().
		Str("policy", c.opts.PolicyName).
		Str("action", c.opts.PolicyAction).
		Str("from_zone", c.opts.FromZone).
		Str("to_zone", c.opts.ToZone).
		Msg("created security policy")
	return nil
}

// PolicyExists looks the policy up in the configured zone pair.
func (c *JunosClient) PolicyExists(ctx context.Context) (bool, error) {
	body, err := get(security{Policies: &policies{Policy: zonePolicy{
		FromZone: c.opts.FromZone,
		ToZone:   c.opts.ToZone,
	}}})
	if err != nil {
		return false, err
	}
	reply, err := c.rpc(ctx, "get-policies", body)
	if err != nil {
		return false, err
	}
	cfg, err := parseConfiguration(reply)
	if err != nil {
		return false, fmt.Errorf("parse policy configuration: %w", err)
	}
	for _, zp := range cfg.Security.Policies.Policy {
		if zp.FromZone != "" && (zp.FromZone != c.opts.FromZone || zp.ToZone != c.opts.ToZone) {
			continue
		}
		for _, p := range zp.Policy {
			if p.Name == c.opts.PolicyName {
				return true, nil
			}
		}
	}
	return false, nil
}

// ListAddresses returns the names of address objects in the address book
// that carry the configured prefix.
func (c *JunosClient) ListAddresses(ctx context.Context) ([]string, error) {
	body, err := get(security{AddressBook: &addressBook{Name: c.opts.AddressBook}})
	if err != nil {
		return nil, err
	}
	reply, err := c.rpc(ctx, "get-address-book", body)
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfiguration(reply)
	if err != nil {
		return nil, fmt.Errorf("parse address book: %w", err)
	}
	var names []string
	for _, book := range cfg.Security.AddressBook {
		if book.Name != "" && book.Name != c.opts.AddressBook {
			continue
		}
		for _, a := range book.Address {
			if strings.HasPrefix(a.Name, c.opts.AddressPrefix) {
				names = append(names, a.Name)
			}
		}
	}
	return names, nil
}

// Purge deletes every prefixed address object and its set membership with a
// single commit at the end. It returns how many objects were removed.
func (c *JunosClient) Purge(ctx context.Context) (int, error) {
	names, err := c.ListAddresses(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Int("objects", len(names)).Str("prefix", c.opts.AddressPrefix).Msg("purging address objects")

	var errs []error
	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.ignoreNotFound(c.editSetMember(ctx, "remove-from-set", address{Operation: "delete", Name: name})); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := c.ignoreNotFound(c.editAddress(ctx, "delete-address", address{Operation: "delete", Name: name})); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		if err := c.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Commit commits the candidate configuration.
func (c *JunosClient) Commit(ctx context.Context) error {
	_, err := c.rpc(ctx, "commit", []byte(commitRPC))
	return err
}

func (c *JunosClient) editAddress(ctx context.Context, op string, a address) error {
	body, err := edit(security{AddressBook: &addressBook{Name: c.opts.AddressBook, Address: &a}})
	if err != nil {
		return err
	}
	_, err = c.rpc(ctx, op, body)
	return err
}

func (c *JunosClient) editSetMember(ctx context.Context, op string, member address) error {
	body, err := edit(security{AddressBook: &addressBook{
		Name:       c.opts.AddressBook,
		AddressSet: &addressSet{Name: c.opts.AddressSet, Address: member},
	}})
	if err != nil {
		return err
	}
	_, err = c.rpc(ctx, op, body)
	return err
}

func (c *JunosClient) ignoreNotFound(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.notFound() {
		log.Debug().Str("op", rpcErr.Op).Msg("configuration already absent")
		return nil
	}
	return err
}

// rpc paces, guards and sends one RPC, returning the reply body.
func (c *JunosClient) rpc(ctx context.Context, op string, body []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var reply string
	call := func() error {
		var err error
		reply, err = c.post(ctx, op, body)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(call, answered)
	} else {
		err = call()
	}

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	metrics.FirewallOps.WithLabelValues(op, result).Inc()
	return reply, err
}

func (c *JunosClient) post(ctx context.Context, op string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.opts.User, c.opts.Password)
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	log.Debug().Str("op", op).Str("url", c.endpoint).Msg("sending RPC")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	reply := string(b)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return "", &RPCError{Op: op, Status: resp.StatusCode, Body: truncate(reply)}
	}
	if strings.Contains(reply, "<rpc-error>") && strings.Contains(reply, "<error-severity>error") {
		return "", &RPCError{Op: op, Status: resp.StatusCode, Body: truncate(reply)}
	}
	return reply, nil
}

func hostPrefix(ip string) string {
	if strings.Contains(ip, ":") {
		return ip + "/128"
	}
	return ip + "/32"
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
