// Package pipeline runs one scheduled sync: collect the day's C2 IPs, rotate
// the window, push the difference to the firewall and record the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"c2block/sync-service/internal/circuitbreaker"
	"c2block/sync-service/internal/config"
	"c2block/sync-service/internal/firewall"
	"c2block/sync-service/internal/intel"
	"c2block/sync-service/internal/metrics"
	"c2block/sync-service/internal/reconcile"
	"c2block/sync-service/internal/record"
	"c2block/sync-service/internal/rotation"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Feed gathers the day's IPs for a set of queries.
type Feed interface {
	Collect(ctx context.Context, queries intel.Queries) (reconcile.IPSet, error)
}

// Pipeline wires the collaborators of a run. Feed and Firewall are optional:
// without a Feed the raw scan already on disk is used, without a Firewall
// (or with DryRun) no device is touched.
type Pipeline struct {
	Store         *record.Store
	RetentionDays int
	Allow         rotation.Filter
	Feed          Feed
	QueryFile     string
	Firewall      firewall.Firewall
	DryRun        bool
	Metrics       config.MetricsCfg
	Breakers      *circuitbreaker.Manager // optional, reported at the end of a run
	Now           func() time.Time
}

// Result summarises a run.
type Result struct {
	RunID         string
	Collected     int
	Outcome       rotation.Outcome
	Sync          *firewall.Report
	OutputWritten bool
}

// Run executes the full sequence. Feed and firewall failures are logged and
// returned after the run has finished; a record store failure aborts it.
// Records are written only after the firewall sync, without the changes the
// device rejected, so those are retried next time. A dry run writes nothing
// but the raw scan.
func (p *Pipeline) Run(ctx context.Context) (res Result, err error) {
	now := p.now()
	start := now()
	res.RunID = uuid.NewString()
	metrics.MustRegister()

	prev := log.Logger
	log.Logger = log.With().Str("run_id", res.RunID).Logger()
	defer func() { log.Logger = prev }()

	log.Info().
		Str("date", record.FormatDate(p.Store.Date())).
		Bool("dry_run", p.DryRun).
		Bool("feed", p.Feed != nil).
		Msg("sync run started")

	var errs []error
	if p.Feed != nil {
		n, cerr := p.Collect(ctx)
		res.Collected = n
		if cerr != nil {
			if ctx.Err() != nil {
				return res, p.finish(ctx, res, start, cerr)
			}
			log.Error().Err(cerr).Msg("collection failed, continuing with raw scan on disk")
			errs = append(errs, cerr)
		}
	}

	rot := &rotation.Rotator{Store: p.Store, RetentionDays: p.RetentionDays, Allow: p.Allow}
	plan, err := rot.Plan()
	if err != nil {
		return res, p.finish(ctx, res, start, fmt.Errorf("rotate: %w", err))
	}
	res.Outcome = plan.Outcome

	switch {
	case p.DryRun:
		log.Info().
			Strs("would_remove", plan.Expired.Sorted()).
			Strs("would_add", plan.New.Sorted()).
			Msg("dry run, records and firewall not touched")
		return res, p.finish(ctx, res, start, errors.Join(errs...))
	case p.Firewall == nil:
		log.Warn().Msg("no firewall configured, skipping sync")
	default:
		rep := firewall.Sync(ctx, p.Firewall, plan.New, plan.Expired)
		res.Sync = &rep
		if serr := rep.Err(); serr != nil {
			errs = append(errs, fmt.Errorf("firewall sync: %w", serr))
		}
		if rep.NotAdded.Len() > 0 || rep.NotRemoved.Len() > 0 {
			log.Warn().
				Strs("not_added", rep.NotAdded.Sorted()).
				Strs("not_removed", rep.NotRemoved.Sorted()).
				Msg("firewall changes failed, retrying on the next run")
		}
		plan.Withhold(rep.NotAdded)
		plan.Retain(rep.NotRemoved)
	}

	if err := rot.Apply(plan); err != nil {
		errs = append(errs, fmt.Errorf("rotate: %w", err))
		return res, p.finish(ctx, res, start, errors.Join(errs...))
	}
	res.Outcome = plan.Outcome

	res.OutputWritten, err = p.Store.WriteOutputOnce(res.Outcome.Date, res.Outcome.New.Sorted())
	if err != nil {
		errs = append(errs, err)
	}

	return res, p.finish(ctx, res, start, errors.Join(errs...))
}

// Collect queries the feed and merges the result into the day's raw scan
// record. It returns the number of distinct IPs the feed reported.
func (p *Pipeline) Collect(ctx context.Context) (int, error) {
	if p.Feed == nil {
		return 0, errors.New("no feed configured")
	}
	queries, err := intel.LoadQueries(p.QueryFile, p.Store.Date())
	if err != nil {
		return 0, err
	}
	log.Info().Int("families", len(queries)).Int("queries", queries.Len()).Msg("querying threat feed")

	ips, err := p.Feed.Collect(ctx, queries)
	if err != nil {
		return 0, err
	}
	if _, err := intel.Materialize(p.Store, ips); err != nil {
		return ips.Len(), err
	}
	return ips.Len(), nil
}

// finish records metrics for the run and exports them.
func (p *Pipeline) finish(ctx context.Context, res Result, start time.Time, runErr error) error {
	mode := "none"
	if res.Outcome.New != nil {
		mode = res.Outcome.Mode.String()
		metrics.WindowIPs.Set(float64(res.Outcome.WindowSize))
		metrics.ReconciledIPs.WithLabelValues("new").Set(float64(res.Outcome.New.Len()))
		metrics.ReconciledIPs.WithLabelValues("expired").Set(float64(res.Outcome.Expired.Len()))
		metrics.ReconciledIPs.WithLabelValues("allowlisted").Set(float64(res.Outcome.Allowed.Len()))
	}

	end := p.now()()
	result := "ok"
	if runErr != nil {
		result = "error"
	} else {
		metrics.LastSuccess.Set(float64(end.Unix()))
	}
	metrics.RunsTotal.WithLabelValues(mode, result).Inc()
	metrics.RunDuration.Set(end.Sub(start).Seconds())

	if p.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(p.Metrics.Textfile); err != nil {
			log.Warn().Err(err).Msg("metrics not exported")
		}
	}
	if p.Metrics.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := metrics.Push(pctx, p.Metrics.PushgatewayURL, p.Metrics.Job); err != nil {
			log.Warn().Err(err).Msg("metrics not pushed")
		}
		cancel()
	}

	if p.Breakers != nil {
		for backend, st := range p.Breakers.All() {
			ev := log.Debug()
			if st.State != circuitbreaker.StateClosed {
				ev = log.Warn().Time("last_failure", st.LastFail)
			}
			ev.Str("backend", backend).
				Str("state", st.State.String()).
				Int("failures", st.Failures).
				Msg("circuit breaker state")
		}
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("mode", mode).
		Int("collected", res.Collected).
		Int("new", res.Outcome.New.Len()).
		Int("expired", res.Outcome.Expired.Len()).
		Bool("output_written", res.OutputWritten).
		Dur("took", end.Sub(start)).
		Msg("sync run finished")
	return runErr
}

func (p *Pipeline) now() func() time.Time {
	if p.Now != nil {
		return p.Now
	}
	return time.Now
}
