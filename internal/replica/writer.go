package replica

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds how hard the writer tries before giving up on a patch.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Window is the total time allowed from submission to the last attempt.
	Window time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Window:    30 * time.Second,
	}
}

// Delay is the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeRetried   Outcome = "retried"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCanceled  Outcome = "canceled"
)

// Writer pushes local patches to the durable store in the background.
// Failures are retried with exponential backoff inside the policy window
// and are only ever logged, never returned.
type Writer struct {
	store  DurableStore
	policy RetryPolicy
	log    *slog.Logger
	now    func() time.Time

	outcomeMu sync.RWMutex
	onOutcome func(conversationID string, o Outcome)

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[string]map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewWriter(store DurableStore, policy RetryPolicy, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store:   store,
		policy:  policy,
		log:     log,
		now:     time.Now,
		pending: make(map[string]map[uint64]context.CancelFunc),
	}
}

// OnOutcome registers a hook called once per attempt result.
func (w *Writer) OnOutcome(fn func(conversationID string, o Outcome)) {
	w.outcomeMu.Lock()
	defer w.outcomeMu.Unlock()
	w.onOutcome = fn
}

// Submit schedules patch for conversationID and returns immediately.
func (w *Writer) Submit(conversationID string, patch Patch) {
	w.schedule(conversationID, "update", func(ctx context.Context) error {
		return w.store.Update(ctx, conversationID, patch)
	})
}

// Replace schedules a full replace of the record, retried like a patch.
func (w *Writer) Replace(rec Record) {
	rec = rec.Clone()
	w.schedule(rec.ID, "put", func(ctx context.Context) error {
		return w.store.Put(ctx, rec)
	})
}

// Remove schedules deletion of the record.
func (w *Writer) Remove(conversationID string) {
	w.schedule(conversationID, "delete", func(ctx context.Context) error {
		return w.store.Delete(ctx, conversationID)
	})
}

func (w *Writer) schedule(conversationID, op string, write func(context.Context) error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("durable write dropped, writer closed", "conversation", conversationID, "op", op)
		w.report(conversationID, OutcomeCanceled)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.nextID++
	id := w.nextID
	if w.pending[conversationID] == nil {
		w.pending[conversationID] = make(map[uint64]context.CancelFunc)
	}
	w.pending[conversationID][id] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer w.forget(conversationID, id)
		defer cancel()
		w.run(ctx, conversationID, op, write)
	}()
}

// Cancel abandons every write still pending for conversationID.
func (w *Writer) Cancel(conversationID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, cancel := range w.pending[conversationID] {
		cancel()
		delete(w.pending[conversationID], id)
		n++
	}
	delete(w.pending, conversationID)
	return n
}

// Pending reports the number of in-flight writes for conversationID.
func (w *Writer) Pending(conversationID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[conversationID])
}

// Wait blocks until every submitted write has finished or ctx expires.
func (w *Writer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new writes, cancels pending ones and waits for them.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	for conv, byID := range w.pending {
		for _, cancel := range byID {
			cancel()
		}
		delete(w.pending, conv)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) run(ctx context.Context, conversationID, op string, write func(context.Context) error) {
	deadline := w.now().Add(w.policy.Window)
	for attempt := 1; ; attempt++ {
		err := write(ctx)
		switch {
		case err == nil:
			w.report(conversationID, OutcomeWritten)
			if attempt > 1 {
				w.log.Info("durable write recovered", "conversation", conversationID, "op", op, "attempts", attempt)
			}
			return
		case errors.Is(err, ErrStaleEpoch):
			w.log.Info("durable write rejected, conversation was reset", "conversation", conversationID, "op", op)
			w.report(conversationID, OutcomeRejected)
			return
		case ctx.Err() != nil:
			w.report(conversationID, OutcomeCanceled)
			return
		}

		delay := w.policy.Delay(attempt)
		if w.policy.Window <= 0 || w.now().Add(delay).After(deadline) {
			w.log.Error("durable write abandoned",
				"conversation", conversationID, "op", op, "attempts", attempt, "err", err)
			w.report(conversationID, OutcomeAbandoned)
			return
		}
		w.log.Warn("durable write failed, retrying",
			"conversation", conversationID, "op", op, "attempt", attempt, "retry_in", delay, "err", err)
		w.report(conversationID, OutcomeRetried)
		if waitWithContext(ctx, delay) != nil {
			w.report(conversationID, OutcomeCanceled)
			return
		}
	}
}

func (w *Writer) forget(conversationID string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if byID, ok := w.pending[conversationID]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(w.pending, conversationID)
		}
	}
}

func (w *Writer) report(conversationID string, o Outcome) {
	w.outcomeMu.RLock()
	fn := w.onOutcome
	w.outcomeMu.RUnlock()
	if fn != nil {
		fn(conversationID, o)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
