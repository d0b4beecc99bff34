// Package quota defines the quota-service contract consulted once per import
// job before any events are created.
package quota

import (
	"context"
	"fmt"
)

// Quota kinds checked by the pipeline.
const (
	KindEventsPerImport = "events_per_import"
	KindEventsPerUser   = "events_per_user"
)

// Check is the result of a quota consultation.
type Check struct {
	Allowed bool
	Limit   int64
	Current int64
}

// Service answers whether a user may create amount more units of kind.
type Service interface {
	Check(ctx context.Context, userID, kind string, amount int64) (Check, error)
}

// ErrExceeded formats the user-facing quota violation message: it names the
// limit and the attempted amount, as required for quota failures.
func ErrExceeded(kind string, c Check, amount int64) error {
	return fmt.Errorf("quota %s exceeds limit: limit=%d current=%d requested=%d",
		kind, c.Limit, c.Current, amount)
}

// UsageCounter reports a user's current cumulative usage; the entity store
// provides it.
type UsageCounter interface {
	CountEventsByOwner(ctx context.Context, ownerID string) (int64, error)
}

// Static enforces fixed limits against durable usage counts. A zero limit
// disables that check.
type Static struct {
	PerImport int64
	PerUser   int64
	Usage     UsageCounter
}

func (s Static) Check(ctx context.Context, userID, kind string, amount int64) (Check, error) {
	switch kind {
	case KindEventsPerImport:
		if s.PerImport <= 0 {
			return Check{Allowed: true}, nil
		}
		return Check{Allowed: amount <= s.PerImport, Limit: s.PerImport}, nil

	case KindEventsPerUser:
		if s.PerUser <= 0 {
			return Check{Allowed: true}, nil
		}
		var current int64
		if s.Usage != nil {
			n, err := s.Usage.CountEventsByOwner(ctx, userID)
			if err != nil {
				return Check{}, fmt.Errorf("count user events: %w", err)
			}
			current = n
		}
		return Check{
			Allowed: current+amount <= s.PerUser,
			Limit:   s.PerUser,
			Current: current,
		}, nil
	}
	return Check{}, fmt.Errorf("unknown quota kind %q", kind)
}
