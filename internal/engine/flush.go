package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/outbox"
)

// requestFlush is the single-flight guard.
//
// If no pass is running, it starts a drain goroutine. Otherwise it records
// that one more pass is wanted; any number of requests during a pass
// collapse into that single follow-up. The returned channel closes when
// the drain that will serve this request finishes.
func (e *Engine) requestFlush(manual bool) (<-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, outbox.ErrClosed
	}
	if e.flushing {
		e.again = true
		e.manual = e.manual || manual
		return e.idle, nil
	}

	e.flushing = true
	e.idle = make(chan struct{})
	e.wg.Add(1)
	go e.drain(manual)
	return e.idle, nil
}

// drain runs passes until no follow-up is pending, then closes idle.
func (e *Engine) drain(manual bool) {
	defer e.wg.Done()

	for {
		stats := e.runPass(manual)

		e.mu.Lock()
		e.lastPass = stats
		if !e.again || e.closed {
			e.flushing = false
			e.again = false
			e.manual = false
			close(e.idle)
			e.mu.Unlock()
			return
		}
		manual = e.manual
		e.again = false
		e.manual = false
		e.mu.Unlock()
	}
}

// runPass walks a snapshot of the queue in FIFO order and attempts every
// eligible entry, one at a time. A failure never stops the pass.
// State is published once, at the end.
func (e *Engine) runPass(manual bool) PassStats {
	stats := PassStats{Manual: manual, StartedAt: e.clock.Now()}
	start := time.Now()

	for _, snap := range e.queue.snapshot() {
		if e.ctx.Err() != nil {
			break
		}
		if !e.queue.claim(snap.ID, manual, e.clock.Now()) {
			stats.Skipped++
			continue
		}

		current, ok := e.queue.get(snap.ID)
		if !ok {
			// Discarded between claim and get.
			continue
		}

		stats.Attempted++
		switch e.deliver(current) {
		case outcomeDelivered:
			stats.Delivered++
		case outcomeFailed:
			stats.Failed++
		case outcomeInterrupted:
			stats.Attempted--
		}
	}

	stats.Duration = time.Since(start)
	e.armBackoff()
	e.pub.publish()

	if stats.Attempted > 0 {
		e.logger.Info("flush pass complete",
			zap.Bool("manual", stats.Manual),
			zap.Int("attempted", stats.Attempted),
			zap.Int("delivered", stats.Delivered),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
			zap.Duration("duration", stats.Duration),
		)
	}
	return stats
}

type outcome int

const (
	outcomeDelivered outcome = iota + 1
	outcomeFailed
	outcomeInterrupted
)

// deliver makes one bounded submit call and records its result.
func (e *Engine) deliver(entry outbox.Entry) outcome {
	ctx, cancel := context.WithTimeout(e.ctx, e.submitTimeout)
	confirmed, err := e.submitter.Submit(ctx, entry.ID, outbox.CloneRecords(entry.Payload))
	cancel()

	if err != nil && e.ctx.Err() != nil {
		e.logger.Info("submit interrupted by shutdown", zap.String("entry_id", entry.ID))
		return outcomeInterrupted
	}

	now := e.clock.Now()

	if err == nil {
		if err := e.queue.delivered(e.ctx, entry.ID, now); err != nil {
			// The remote has the entry but the outbox still holds it. It is
			// re-sent under the same id on a later pass, and its provisional
			// records stay unconfirmed until that delivery is recorded.
			e.logger.Error("record delivery failed; entry stays queued",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
			return outcomeDelivered
		}
		e.rec.commit(entry.ID, confirmed)
		e.logger.Info("entry delivered",
			zap.String("entry_id", entry.ID),
			zap.Int("attempts", entry.Attempts+1),
			zap.Int("confirmed", len(confirmed)),
		)
		return outcomeDelivered
	}

	var decision Decision
	updated, found, uerr := e.queue.update(e.ctx, entry.ID, func(en *outbox.Entry) {
		en.Attempts++
		en.LastAttemptAt = &now
		decision = e.policy.Decide(en.Attempts, err, now)
		en.ErrorKind = decision.Kind
		en.LastError = decision.LastError
		en.NextAttemptAt = decision.NextAttemptAt
	})
	if uerr != nil {
		e.logger.Error("record attempt failed",
			zap.String("entry_id", entry.ID),
			zap.Error(uerr),
		)
	}
	if !found {
		// Discarded while the submit was in flight.
		return outcomeFailed
	}

	fields := []zap.Field{
		zap.String("entry_id", entry.ID),
		zap.Int("attempts", updated.Attempts),
		zap.String("kind", string(decision.Kind)),
		zap.Error(err),
	}
	if decision.NextAttemptAt != nil {
		fields = append(fields, zap.Time("next_attempt_at", *decision.NextAttemptAt))
	}

	if decision.Kind.Terminal() {
		e.rec.flag(entry.ID, decision.LastError)
		e.logger.Warn("entry failed", fields...)
	} else {
		e.logger.Info("entry will retry", fields...)
	}
	return outcomeFailed
}

// armBackoff schedules a kick for the earliest pending backoff deadline.
func (e *Engine) armBackoff() {
	next := e.queue.nextDue()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backoff != nil {
		e.backoff.Stop()
		e.backoff = nil
	}
	if next == nil || e.closed || !e.started {
		return
	}
	d := next.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	e.backoff = time.AfterFunc(d, e.Kick)
}
