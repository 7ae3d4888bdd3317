// Package firewall pushes the reconciled IP window to the perimeter firewall.
package firewall

import (
	"context"
	"errors"
	"fmt"

	"c2block/sync-service/internal/reconcile"

	"github.com/rs/zerolog/log"
)

// Firewall is what a run needs from the device.
type Firewall interface {
	AddIP(ctx context.Context, ip string) error
	RemoveIP(ctx context.Context, ip string) error
	EnsurePolicy(ctx context.Context) error
}

// Report is the outcome of one sync. NotAdded and NotRemoved hold the IPs
// whose change did not reach the device and has to be retried.
type Report struct {
	Removed    []string
	Added      []string
	Failed     map[string]error
	NotAdded   reconcile.IPSet
	NotRemoved reconcile.IPSet
	PolicyErr  error
}

// Err joins every failure of the sync, nil when everything applied.
func (r Report) Err() error {
	var errs []error
	for ip, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", ip, err))
	}
	if r.PolicyErr != nil {
		errs = append(errs, fmt.Errorf("ensure policy: %w", r.PolicyErr))
	}
	return errors.Join(errs...)
}

// Sync removes every expired IP, then adds every new IP, then makes sure the
// blocking policy exists. An IP that is both expired and new ends up blocked.
// Per-IP failures are recorded and do not stop the sync; a done ctx does.
func Sync(ctx context.Context, fw Firewall, newIPs, expired reconcile.IPSet) Report {
	rep := Report{
		Failed:     make(map[string]error),
		NotAdded:   reconcile.NewIPSet(),
		NotRemoved: reconcile.NewIPSet(),
	}

	for _, ip := range expired.Sorted() {
		if err := ctx.Err(); err != nil {
			rep.Failed[ip] = err
			rep.NotRemoved.Add(ip)
			continue
		}
		if err := fw.RemoveIP(ctx, ip); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("failed to remove expired IP")
			rep.Failed[ip] = err
			rep.NotRemoved.Add(ip)
			continue
		}
		rep.Removed = append(rep.Removed, ip)
	}

	for _, ip := range newIPs.Sorted() {
		if err := ctx.Err(); err != nil {
			rep.Failed[ip] = err
			rep.NotAdded.Add(ip)
			continue
		}
		if err := fw.AddIP(ctx, ip); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("failed to add new IP")
			rep.Failed[ip] = err
			rep.NotAdded.Add(ip)
			continue
		}
		// a failed removal of a re-observed IP no longer matters
		delete(rep.Failed, ip)
		delete(rep.NotRemoved, ip)
		rep.Added = append(rep.Added, ip)
	}

	if err := ctx.Err(); err != nil {
		rep.PolicyErr = err
	} else if err := fw.EnsurePolicy(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ensure blocking policy")
		rep.PolicyErr = err
	}

	log.Info().
		Int("removed", len(rep.Removed)).
		Int("added", len(rep.Added)).
		Int("failed", len(rep.Failed)).
		Bool("policy_ok", rep.PolicyErr == nil).
		Msg("firewall sync finished")
	return rep
}
