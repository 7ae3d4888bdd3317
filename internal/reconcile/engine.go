// Package reconcile computes, for one run, which IPs enter the blocking window
// and which age out of it. It works on in-memory windows only; persisting the
// result is the caller's job.
package reconcile

import (
	"time"

	"c2block/sync-service/internal/record"
)

// DefaultRetentionDays is the length of the rolling window.
const DefaultRetentionDays = 7

// Result is the outcome of a filter-and-merge pass.
type Result struct {
	// Merged replaces the today record: retained entries in their original
	// order followed by one entry per new IP stamped with the run date.
	Merged record.Window
	// Stale holds the entries dated before the boundary.
	Stale    record.Window
	Retained IPSet
	New      IPSet
	Expired  IPSet
}

// Boundary returns the retention cutoff for a run at now: midnight of now
// minus retentionDays. Entries dated on or after it are retained.
func Boundary(now time.Time, retentionDays int) time.Time {
	return record.Day(now).AddDate(0, 0, -retentionDays)
}

// Reconcile filters window against boundary and merges in the raw scan.
//
// An IP is expired only when none of its occurrences is retained. Every raw IP
// not already retained is new and gets one entry dated today. An IP can be
// both expired and new when it ages out on the same day it is observed again;
// callers remove expired IPs before adding new ones.
func Reconcile(window record.Window, raw IPSet, boundary, today time.Time) Result {
	today = record.Day(today)

	res := Result{
		Merged:   make(record.Window, 0, len(window)+raw.Len()),
		Retained: make(IPSet),
		New:      make(IPSet),
		Expired:  make(IPSet),
	}

	stale := make(IPSet)
	for _, e := range window {
		if e.Date.IsZero() {
			continue
		}
		if e.Date.Before(boundary) {
			stale.Add(e.IP)
			res.Stale = append(res.Stale, e)
			continue
		}
		res.Merged = append(res.Merged, e)
		res.Retained.Add(e.IP)
	}
	for ip := range stale {
		if !res.Retained.Has(ip) {
			res.Expired.Add(ip)
		}
	}

	for _, ip := range raw.Sorted() {
		if res.Retained.Has(ip) {
			continue
		}
		res.New.Add(ip)
		res.Merged = append(res.Merged, record.Entry{Date: today, IP: ip})
	}
	return res
}

// Seed builds the first window from a raw scan: every IP is new and dated
// today, nothing is retained or expired.
func Seed(raw IPSet, today time.Time) Result {
	today = record.Day(today)
	res := Result{
		Merged:   make(record.Window, 0, raw.Len()),
		Retained: make(IPSet),
		New:      make(IPSet, raw.Len()),
		Expired:  make(IPSet),
	}
	for _, ip := range raw.Sorted() {
		res.New.Add(ip)
		res.Merged = append(res.Merged, record.Entry{Date: today, IP: ip})
	}
	return res
}
