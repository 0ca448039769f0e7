// Package locate resolves the search origin into the facilities to poll.
package locate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/throttle"
	"go.uber.org/zap"
)

type Resolver struct {
	Locator  appointment.Locator
	Throttle *throttle.Controller
	Retries  int
	Log      *zap.Logger
}

// Resolve returns the facilities within the radius, nearest first, one entry
// per facility id. Finding none, or not reaching the service at all, is an
// ErrResolution.
func (r *Resolver) Resolve(ctx context.Context, c appointment.SearchCriteria) ([]appointment.Facility, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	var found []appointment.Facility
	err := r.Throttle.Do(ctx, "facility search", r.Retries, func(ctx context.Context) error {
		var err error
		found, err = r.Locator.LookupFacilities(ctx, c)
		return err
	})
	if err != nil {
		if errors.Is(err, appointment.ErrCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s within %d miles: %w", appointment.ErrResolution, c.Origin, c.Radius, err)
	}

	out := dedupe(found)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no facilities within %d miles of %s", appointment.ErrResolution, c.Radius, c.Origin)
	}
	for _, f := range out {
		log.Debug("facility",
			zap.String("facility", f.ID),
			zap.String("name", f.Name),
			zap.Float64("miles", f.Distance))
	}
	log.Info("resolved facilities",
		zap.String("origin", c.Origin.String()),
		zap.Int("radius", c.Radius),
		zap.Int("count", len(out)))
	return out, nil
}

// dedupe keeps the nearest entry for each id and sorts nearest first.
func dedupe(fs []appointment.Facility) []appointment.Facility {
	idx := make(map[string]int, len(fs))
	out := make([]appointment.Facility, 0, len(fs))
	for _, f := range fs {
		if i, ok := idx[f.ID]; ok {
			if f.Distance < out[i].Distance {
				out[i] = f
			}
			continue
		}
		idx[f.ID] = len(out)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out
}
