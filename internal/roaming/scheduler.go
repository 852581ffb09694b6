package roaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/observability"
	"github.com/example/vendor-tracking/internal/storage"
)

// Publisher is the subset of the hub the scheduler emits through.
type Publisher interface {
	Publish(room dispatch.Room, ev dispatch.Event) int
}

type ScheduleInput struct {
	IsRoaming      bool
	RouteName      string
	Stops          []models.Stop
	OperatingHours *models.OperatingHours
}

// Motion is advisory telemetry reported by a moving vendor.
type Motion struct {
	IsMoving bool
	Speed    float64
	Heading  float64
}

type StopResult struct {
	StopLocation   string
	CurrentStop    string
	RouteCompleted bool
	ActualArrival  time.Time
	// Changed is false when the stop had already been completed.
	Changed bool
}

var errAlreadyCompleted = errors.New("stop already completed")

type Scheduler struct {
	store    *storage.Store
	pub      Publisher
	logger   *slog.Logger
	onChange func(ctx context.Context, st models.VendorState)
}

type Option func(*Scheduler)

// OnScheduleChange registers fn to run after every committed SetSchedule,
// e.g. to forward the new roaming flag to an event stream.
func OnScheduleChange(fn func(ctx context.Context, st models.VendorState)) Option {
	return func(s *Scheduler) { s.onChange = fn }
}

func NewScheduler(store *storage.Store, pub Publisher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, pub: pub, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetSchedule replaces the vendor's whole stop list. Completion flags from any
// previous schedule are discarded.
func (s *Scheduler) SetSchedule(ctx context.Context, vendorID string, in ScheduleInput) (*models.RoamingSchedule, error) {
	if in.IsRoaming && len(in.Stops) == 0 {
		return nil, fmt.Errorf("%w: a roaming schedule needs at least one stop", models.ErrValidation)
	}
	stops := make([]models.Stop, len(in.Stops))
	for i, st := range in.Stops {
		if st.Location == "" {
			return nil, fmt.Errorf("%w: stop %d has no location", models.ErrValidation, i)
		}
		if err := st.Coordinates.Validate(); err != nil {
			return nil, fmt.Errorf("stop %q: %w", st.Location, err)
		}
		if st.StopDurationMinutes < 0 {
			return nil, fmt.Errorf("%w: stop %q has a negative duration", models.ErrValidation, st.Location)
		}
		st.IsCompleted = false
		st.ActualArrival = nil
		stops[i] = st
	}

	st, err := s.store.Mutate(ctx, vendorID, storage.CreateIfMissing, func(tx *storage.Tx) error {
		sched := &models.RoamingSchedule{
			IsRoaming:   in.IsRoaming,
			RouteName:   in.RouteName,
			Stops:       stops,
			LastUpdated: tx.Now,
		}
		if in.OperatingHours != nil {
			oh := *in.OperatingHours
			sched.OperatingHours = &oh
		}
		if in.IsRoaming {
			first := 0
			sched.CurrentStopIndex = &first
			tx.State.Summary.VendorType = models.VendorTypeMobile
		}
		tx.State.Schedule = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("roaming schedule set", "vendor_id", vendorID, "roaming", in.IsRoaming, "stops", len(stops))
	if s.onChange != nil {
		s.onChange(ctx, st)
	}
	return st.Schedule, nil
}

// ApplyMotion records telemetry on a schedule inside a store mutation. Stop
// completion state is never touched.
func ApplyMotion(sched *models.RoamingSchedule, m Motion, now time.Time) error {
	if sched == nil {
		return fmt.Errorf("%w: no roaming schedule", models.ErrNotFound)
	}
	if !sched.IsRoaming {
		return fmt.Errorf("%w: vendor is not roaming", models.ErrInvalidState)
	}
	sched.IsMoving = m.IsMoving
	sched.Speed = m.Speed
	sched.Heading = m.Heading
	sched.LastUpdated = now
	return nil
}

// RecordMotion moves the vendor and stores its motion telemetry.
func (s *Scheduler) RecordMotion(ctx context.Context, vendorID string, c models.Coord, m Motion, hooks ...storage.CommitHook) (models.VendorState, error) {
	if err := c.Validate(); err != nil {
		return models.VendorState{}, err
	}
	return s.store.Mutate(ctx, vendorID, storage.MustExist, func(tx *storage.Tx) error {
		if err := ApplyMotion(tx.State.Schedule, m, tx.Now); err != nil {
			return err
		}
		coord := c
		tx.State.Position.Coordinates = &coord
		tx.State.Position.LastUpdate = tx.Now
		return nil
	}, hooks...)
}

// CompleteStop marks the first incomplete stop named label as done and moves
// the current stop to the first incomplete stop in original order. Completing
// a stop that is already done returns the same result without a write.
func (s *Scheduler) CompleteStop(ctx context.Context, vendorID, label string) (StopResult, error) {
	if label == "" {
		return StopResult{}, fmt.Errorf("%w: stop location is required", models.ErrValidation)
	}
	var res StopResult
	_, err := s.store.Mutate(ctx, vendorID, storage.MustExist, func(tx *storage.Tx) error {
		sched := tx.State.Schedule
		if sched == nil {
			return fmt.Errorf("%w: vendor %s has no roaming schedule", models.ErrNotFound, vendorID)
		}
		if !sched.IsRoaming {
			return fmt.Errorf("%w: vendor %s is not roaming", models.ErrInvalidState, vendorID)
		}
		target, done := -1, -1
		for i := range sched.Stops {
			if sched.Stops[i].Location != label {
				continue
			}
			if !sched.Stops[i].IsCompleted {
				target = i
				break
			}
			if done < 0 {
				done = i
			}
		}
		switch {
		case target >= 0:
		case done >= 0:
			res = StopResult{
				StopLocation:   label,
				CurrentStop:    sched.CurrentStopLabel(),
				RouteCompleted: sched.State() == models.RouteCompleted,
			}
			if at := sched.Stops[done].ActualArrival; at != nil {
				res.ActualArrival = *at
			}
			return errAlreadyCompleted
		default:
			return fmt.Errorf("%w: stop %q is not on the route", models.ErrNotFound, label)
		}

		arrived := tx.Now
		sched.Stops[target].IsCompleted = true
		sched.Stops[target].ActualArrival = &arrived
		if next, ok := sched.FirstIncomplete(); ok {
			sched.CurrentStopIndex = &next
		} else {
			sched.CurrentStopIndex = nil
		}
		sched.LastUpdated = tx.Now
		res = StopResult{
			StopLocation:   label,
			CurrentStop:    sched.CurrentStopLabel(),
			RouteCompleted: sched.State() == models.RouteCompleted,
			ActualArrival:  arrived,
			Changed:        true,
		}
		tx.AfterCommit(func(_, next models.VendorState) {
			observability.StopsCompletedTotal.Inc()
			if s.pub == nil {
				return
			}
			s.pub.Publish(dispatch.VendorRoom(vendorID), dispatch.StopCompleted{
				VendorID:       vendorID,
				StopLocation:   res.StopLocation,
				CurrentStop:    res.CurrentStop,
				RouteCompleted: res.RouteCompleted,
				ActualArrival:  res.ActualArrival,
			})
		})
		return nil
	})
	if errors.Is(err, errAlreadyCompleted) {
		return res, nil
	}
	if err != nil {
		return StopResult{}, err
	}
	s.logger.Info("stop completed", "vendor_id", vendorID, "stop", label, "current_stop", res.CurrentStop)
	return res, nil
}

// Schedule returns a copy of the vendor's schedule.
func (s *Scheduler) Schedule(vendorID string) (*models.RoamingSchedule, error) {
	st, err := s.store.Get(vendorID)
	if err != nil {
		return nil, err
	}
	if st.Schedule == nil {
		return nil, fmt.Errorf("%w: vendor %s has no roaming schedule", models.ErrNotFound, vendorID)
	}
	return st.Schedule, nil
}
