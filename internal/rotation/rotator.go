// Package rotation decides, from which records exist on disk, how the rolling
// IP window is advanced for a run, and drives the record store and the
// reconciliation engine through that path.
package rotation

import (
	"fmt"
	"time"

	"c2block/sync-service/internal/reconcile"
	"c2block/sync-service/internal/record"

	"github.com/rs/zerolog/log"
)

// Filter drops raw scan IPs that must never be tracked (allowlisted ranges).
type Filter interface {
	Filter(ips reconcile.IPSet) (kept, dropped reconcile.IPSet)
}

// Rotator advances the window once per run. The run date and therefore the
// retention boundary come from the store's date.
type Rotator struct {
	Store         *record.Store
	RetentionDays int
	Allow         Filter // optional
}

// Outcome is what a run hands to the firewall sync and the output snapshot.
type Outcome struct {
	Mode       Mode
	Date       time.Time
	Boundary   time.Time
	New        reconcile.IPSet
	Expired    reconcile.IPSet
	Allowed    reconcile.IPSet // raw scan IPs dropped by the allowlist
	WindowSize int
}

// Plan is a computed rotation that has not been written to disk yet. The
// caller may adjust it after syncing the firewall and then hand it to Apply.
type Plan struct {
	Outcome
	merged record.Window
	stale  record.Window
}

// Withhold drops the new entries of ips from the window, so IPs the firewall
// did not accept are new again on the next run.
func (p *Plan) Withhold(ips reconcile.IPSet) {
	if ips.Len() == 0 {
		return
	}
	kept := p.merged[:0]
	for _, e := range p.merged {
		if ips.Has(e.IP) && p.New.Has(e.IP) {
			continue
		}
		kept = append(kept, e)
	}
	p.merged = kept
	p.WindowSize = len(p.merged)
}

// Retain keeps the aged-out entries of ips in the window. They stay past the
// boundary, so the IPs expire again on the next run and their removal is
// retried.
func (p *Plan) Retain(ips reconcile.IPSet) {
	if ips.Len() == 0 {
		return
	}
	var carried record.Window
	for _, e := range p.stale {
		if ips.Has(e.IP) && p.Expired.Has(e.IP) {
			carried = append(carried, e)
		}
	}
	p.merged = append(carried, p.merged...)
	p.WindowSize = len(p.merged)
}

// Run plans the rotation and writes it.
func (r *Rotator) Run() (Outcome, error) {
	p, err := r.Plan()
	if err != nil {
		return Outcome{}, err
	}
	if err := r.Apply(p); err != nil {
		return Outcome{}, err
	}
	return p.Outcome, nil
}

// Plan selects the mode and reconciles without writing anything.
func (r *Rotator) Plan() (*Plan, error) {
	mode, err := SelectMode(r.Store)
	if err != nil {
		return nil, err
	}

	today := r.Store.Date()
	days := r.RetentionDays
	if days <= 0 {
		days = reconcile.DefaultRetentionDays
	}
	boundary := reconcile.Boundary(today, days)

	raw, allowed := r.rawScan()

	log.Info().
		Str("mode", mode.String()).
		Str("date", record.FormatDate(today)).
		Str("boundary", record.FormatDate(boundary)).
		Int("raw_ips", raw.Len()).
		Msg("rotating IP window")

	var res reconcile.Result
	switch mode {
	case ModeBootstrap:
		res = r.bootstrap(raw, today)
	case ModeFirstRotation, ModeSteadyRotation:
		res = r.filterAndMerge(record.KindToday, raw, boundary, today)
	case ModeRecovery:
		res = r.recovery(raw, boundary, today)
	default:
		return nil, fmt.Errorf("unknown rotation mode %d", mode)
	}

	return &Plan{
		Outcome: Outcome{
			Mode:       mode,
			Date:       today,
			Boundary:   boundary,
			New:        res.New,
			Expired:    res.Expired,
			Allowed:    allowed,
			WindowSize: len(res.Merged),
		},
		merged: res.Merged,
		stale:  res.Stale,
	}, nil
}

// Apply writes a plan: the previous record is refreshed from the pre-rotation
// today record where the mode calls for it, then the today record is replaced.
func (r *Rotator) Apply(p *Plan) error {
	if p.Mode == ModeFirstRotation || p.Mode == ModeSteadyRotation {
		if err := r.snapshotPrevious(); err != nil {
			return err
		}
	}
	if err := r.Store.WriteWindow(record.KindToday, p.merged); err != nil {
		return err
	}
	log.Info().
		Str("mode", p.Mode.String()).
		Int("window", len(p.merged)).
		Int("new", p.New.Len()).
		Int("expired", p.Expired.Len()).
		Msg("updated today record")
	return nil
}

// bootstrap seeds the window. The previous record is left absent so the next
// run takes the first-rotation path.
func (r *Rotator) bootstrap(raw reconcile.IPSet, today time.Time) reconcile.Result {
	if raw.Len() == 0 {
		log.Warn().
			Str("today", r.Store.Path(record.KindToday)).
			Str("raw_scan", r.Store.Path(record.KindRawScan)).
			Msg("no history and no raw scan, creating empty today record")
	}
	return reconcile.Seed(raw, today)
}

// recovery rebuilds the window from the previous record when the today
// record has been lost.
func (r *Rotator) recovery(raw reconcile.IPSet, boundary, today time.Time) reconcile.Result {
	log.Warn().
		Str("previous", r.Store.Path(record.KindPrevious)).
		Msg("today record missing, restoring window from previous record")
	return r.filterAndMerge(record.KindPrevious, raw, boundary, today)
}

// snapshotPrevious copies the pre-filter today record over the previous one.
func (r *Rotator) snapshotPrevious() error {
	n, err := r.Store.CopyVerbatim(record.KindToday, record.KindPrevious)
	if err != nil {
		return err
	}
	log.Debug().Int("rows", n).Msg("refreshed previous record")
	return nil
}

func (r *Rotator) filterAndMerge(source record.Kind, raw reconcile.IPSet, boundary, today time.Time) reconcile.Result {
	window, err := r.Store.ReadWindow(source)
	if err != nil {
		log.Error().Err(err).Str("record", source.String()).Msg("cannot read window, treating as empty")
		window = nil
	}
	return reconcile.Reconcile(window, raw, boundary, today)
}

// rawScan reads the day's raw scan and applies the allowlist. A missing or
// unreadable raw scan is an empty set.
func (r *Rotator) rawScan() (reconcile.IPSet, reconcile.IPSet) {
	ips, err := r.Store.ReadIPs(record.KindRawScan)
	if err != nil {
		log.Error().Err(err).Msg("cannot read raw scan record, treating as empty")
	}
	raw := reconcile.NewIPSet(ips...)
	if r.Allow == nil {
		return raw, reconcile.NewIPSet()
	}
	kept, dropped := r.Allow.Filter(raw)
	if dropped.Len() > 0 {
		log.Info().Strs("ips", dropped.Sorted()).Msg("allowlisted IPs removed from raw scan")
	}
	return kept, dropped
}
