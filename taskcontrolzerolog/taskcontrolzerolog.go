// Package taskcontrolzerolog adapts gate.Gate and scheduler.Scheduler event
// streams to structured log lines via github.com/rs/zerolog, the same
// logging library inipew-pewbot's own alerting/event logging wires directly
// rather than through a heavier abstraction.
package taskcontrolzerolog

import (
	"github.com/rs/zerolog"

	"github.com/joeycumines/go-taskcontrol/events"
	"github.com/joeycumines/go-taskcontrol/gate"
	"github.com/joeycumines/go-taskcontrol/scheduler"
)

// AttachGate subscribes log to g's lock-acquired, lock-released, and error
// events, returning the listener IDs so the caller can Off them later (e.g.
// on shutdown). Each event becomes one structured log line.
func AttachGate(g *gate.Gate, log zerolog.Logger) []events.ListenerID {
	ids := make([]events.ListenerID, 0, 3)

	ids = append(ids, g.On(gate.EventLockAcquired, func(ev gate.Event) {
		log.Debug().
			Str("permit_id", ev.Permit.ID.String()).
			Time("acquired_at", ev.Permit.AcquiredAt).
			Msg("lock acquired")
	}))

	ids = append(ids, g.On(gate.EventLockReleased, func(ev gate.Event) {
		log.Debug().
			Str("permit_id", ev.Permit.ID.String()).
			Bool("timeout_reached", ev.TimeoutReached).
			Msg("lock released")
	}))

	ids = append(ids, g.On(gate.EventError, func(ev gate.Event) {
		log.Warn().
			Str("permit_id", ev.Permit.ID.String()).
			Err(ev.Error).
			Msg("gate handler failure")
	}))

	return ids
}

// AttachScheduler subscribes log to s's full event stream, returning the
// listener IDs so the caller can Off them later. Each event becomes one
// structured log line.
func AttachScheduler(s *scheduler.Scheduler, log zerolog.Logger) []events.ListenerID {
	ids := make([]events.ListenerID, 0, 6)

	ids = append(ids, s.On(scheduler.EventTaskStarted, func(ev scheduler.Event) {
		log.Debug().
			Str("task_id", ev.Entry.ID.String()).
			Time("submitted_at", ev.Entry.SubmittedAt).
			Msg("task started")
	}))

	ids = append(ids, s.On(scheduler.EventTaskFinished, func(ev scheduler.Event) {
		log.Debug().
			Str("task_id", ev.Entry.ID.String()).
			Msg("task finished")
	}))

	ids = append(ids, s.On(scheduler.EventTaskFailure, func(ev scheduler.Event) {
		log.Error().
			Str("task_id", ev.Entry.ID.String()).
			Err(ev.Error).
			Msg("task failed")
	}))

	ids = append(ids, s.On(scheduler.EventTaskReleasedBeforeFinished, func(ev scheduler.Event) {
		log.Warn().
			Str("task_id", ev.Entry.ID.String()).
			Str("reason", string(ev.ReleaseReason)).
			Msg("task released before finished")
	}))

	ids = append(ids, s.On(scheduler.EventTaskDiscarded, func(ev scheduler.Event) {
		log.Info().
			Str("task_id", ev.Entry.ID.String()).
			Str("reason", string(ev.DiscardReason)).
			Msg("task discarded")
	}))

	ids = append(ids, s.On(scheduler.EventError, func(ev scheduler.Event) {
		log.Warn().
			Str("task_id", ev.Entry.ID.String()).
			Err(ev.Error).
			Msg("scheduler handler failure")
	}))

	return ids
}
