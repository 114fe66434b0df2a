package models

import (
	"fmt"
	"time"
)

// BackfillResult summarizes a completed backfill run. ActualStart and
// ActualEnd are the minimum and maximum timestamps observed across all
// pages, including candles that were already stored; when a run observed
// no candles at all, both equal the wall-clock time the run finished.
type BackfillResult struct {
	RecordsWritten int64     `json:"records_written"`
	ActualStart    time.Time `json:"actual_start"`
	ActualEnd      time.Time `json:"actual_end"`
}

// String implements fmt.Stringer.
func (r *BackfillResult) String() string {
	return fmt.Sprintf("BackfillResult{Records: %d, Range: %s .. %s}",
		r.RecordsWritten,
		r.ActualStart.Format(time.RFC3339),
		r.ActualEnd.Format(time.RFC3339))
}

// ObservedRange tracks the minimum and maximum candle timestamps seen
// during a run. Every candle counts toward the range, duplicates included.
type ObservedRange struct {
	min time.Time
	max time.Time
	any bool
}

// Observe folds ts into the running min/max.
func (o *ObservedRange) Observe(ts time.Time) {
	if !o.any {
		o.min, o.max = ts, ts
		o.any = true
		return
	}
	if ts.Before(o.min) {
		o.min = ts
	}
	if ts.After(o.max) {
		o.max = ts
	}
}

// Empty reports whether no timestamp has been observed.
func (o *ObservedRange) Empty() bool {
	return !o.any
}

// Bounds returns the observed min and max. Callers must check Empty first.
func (o *ObservedRange) Bounds() (time.Time, time.Time) {
	return o.min, o.max
}
