package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gap records a range the backfill engine deliberately skipped after a
// page-level failure. The engine favors forward progress over completeness;
// the gap row is the audit trail that makes the missed range reconcilable
// later instead of silently absent.
type Gap struct {
	ID        string    `json:"id" db:"id"`
	Pair      string    `json:"pair" db:"pair"`
	Timeframe string    `json:"timeframe" db:"timeframe"`
	StartTime time.Time `json:"start_time" db:"start_time"`
	EndTime   time.Time `json:"end_time" db:"end_time"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewGap creates a gap marker covering [start, end) for the given pair and
// timeframe. Reason carries the failure that caused the skip.
func NewGap(pair string, timeframe Timeframe, start, end time.Time, reason string) (*Gap, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("gap end time %s must be after start time %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	return &Gap{
		ID:        uuid.New().String(),
		Pair:      pair,
		Timeframe: string(timeframe),
		StartTime: start,
		EndTime:   end,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Duration returns the span covered by the gap.
func (g *Gap) Duration() time.Duration {
	return g.EndTime.Sub(g.StartTime)
}

// String implements fmt.Stringer.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{ID: %s, Pair: %s, Timeframe: %s, Range: %s .. %s}",
		g.ID, g.Pair, g.Timeframe,
		g.StartTime.Format(time.RFC3339), g.EndTime.Format(time.RFC3339))
}
