package intel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"c2block/sync-service/internal/metrics"
	"c2block/sync-service/internal/reconcile"
	"c2block/sync-service/internal/record"

	"github.com/rs/zerolog/log"
)

// PageSize is the number of results the search API returns per offset.
const PageSize = 10

// Searcher fetches one page of search results.
type Searcher interface {
	Search(ctx context.Context, query string, offset int) (SearchResult, error)
}

// Collector runs every query against the feed and gathers the C2 IPs.
type Collector struct {
	Client   Searcher
	MaxPages int
}

// NewCollector creates a collector reading at most maxPages pages per query.
func NewCollector(client Searcher, maxPages int) *Collector {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Collector{Client: client, MaxPages: maxPages}
}

// Collect runs all queries and returns the distinct IPv4 addresses found. A
// failing query is logged and skipped; Collect fails only when every query
// failed or ctx is done.
func (c *Collector) Collect(ctx context.Context, queries Queries) (reconcile.IPSet, error) {
	ips := reconcile.NewIPSet()
	var errs []error
	total := 0

	for _, name := range queries.Names() {
		before := ips.Len()
		found := reconcile.NewIPSet()
		for _, q := range queries[name] {
			total++
			if err := c.query(ctx, q, found); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Error().Err(err).Str("c2", name).Str("query", q).Msg("feed query failed, skipping")
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		ips.Union(found)
		log.Info().Str("c2", name).Int("ips", found.Len()).Int("new", ips.Len()-before).Msg("collected C2 IPs")
	}

	metrics.FeedIPs.Set(float64(ips.Len()))
	if total > 0 && len(errs) == total {
		return nil, fmt.Errorf("all %d feed queries failed: %w", total, errors.Join(errs...))
	}
	return ips, nil
}

// query pages through one search. IPs from pages fetched before an error are
// kept.
func (c *Collector) query(ctx context.Context, q string, into reconcile.IPSet) error {
	for page := 0; page < c.MaxPages; page++ {
		offset := page * PageSize
		res, err := c.Client.Search(ctx, q, offset)
		if err != nil {
			return err
		}
		for _, raw := range res.IPs {
			addr, err := netip.ParseAddr(raw)
			if err != nil || !addr.Unmap().Is4() {
				log.Debug().Str("ip", raw).Msg("ignoring non-IPv4 result")
				continue
			}
			into.Add(addr.Unmap().String())
		}
		if len(res.IPs) < PageSize || offset+len(res.IPs) >= res.Count {
			return nil
		}
	}
	return nil
}

// Materialize writes ips into the store's raw scan record. Rows already in
// the record for the day are kept verbatim, so repeated collections
// accumulate and rows written by other tools survive.
func Materialize(s *record.Store, ips reconcile.IPSet) (int, error) {
	total, added, err := s.AppendIPs(record.KindRawScan, ips.Sorted())
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("path", s.Path(record.KindRawScan)).
		Int("entries", total).
		Int("added", added).
		Msg("wrote raw scan record")
	return total, nil
}
