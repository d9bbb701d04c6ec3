package remote

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/store"
)

// OutboxPrefix is the kv key prefix of queued mutations.
const OutboxPrefix = "outbox/"

// OutboxKey returns the kv key of the mutation with sequence seq. Keys are
// zero-padded so that byte order equals sequence order.
func OutboxKey(seq int64) string {
	return fmt.Sprintf("%s%020d", OutboxPrefix, seq)
}

// Outbox is the queue between local commits and the remote.
//
// Mutations enter through Enqueue inside the committing store transaction
// (persisted in the same kv batch when the store has a backend) and leave
// only after the remote answers. Transport failures are retried with
// exponential backoff; nothing is dropped.
//
// Thread-safety: Enqueue and the accessors are safe from any goroutine; Run
// must be called from exactly one.
type Outbox struct {
	remote  RemoteSync
	backend kv.Store
	limiter *rate.Limiter
	backoff Backoff
	onAck   func(ir.Ack)
	logger  *slog.Logger

	mu      sync.Mutex
	items   []ir.Mutation
	nextSeq int64
	signal  chan struct{}
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithBackend persists the queue in b. It must be the store's backend so
// that queued mutations commit atomically with the entities they change.
func WithBackend(b kv.Store) OutboxOption {
	return func(o *Outbox) { o.backend = b }
}

// WithRate paces submissions to r per second with the given burst.
// r <= 0 disables pacing.
func WithRate(r float64, burst int) OutboxOption {
	return func(o *Outbox) {
		if r <= 0 {
			o.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
}

// WithBackoff sets the retry schedule.
func WithBackoff(b Backoff) OutboxOption {
	return func(o *Outbox) { o.backoff = b }
}

// WithAckHandler receives every remote outcome, in submission order.
func WithAckHandler(fn func(ir.Ack)) OutboxOption {
	return func(o *Outbox) { o.onAck = fn }
}

// WithOutboxLogger sets the logger.
func WithOutboxLogger(l *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = l }
}

// NewOutbox creates an outbox submitting to r.
func NewOutbox(r RemoteSync, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		remote:  r,
		limiter: rate.NewLimiter(rate.Inf, 1),
		backoff: DefaultBackoff,
		onAck:   func(ir.Ack) {},
		logger:  slog.Default(),
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue implements mutation.Sink. The mutation gets the next sequence
// number, is staged into tx's kv batch and becomes visible to Run when tx
// commits.
func (o *Outbox) Enqueue(tx *store.Tx, m ir.Mutation) error {
	o.mu.Lock()
	o.nextSeq++
	m.Seq = o.nextSeq
	o.mu.Unlock()

	if o.backend != nil {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mutation %s: %w", m.ID, err)
		}
		tx.Stage(kv.Put(OutboxKey(m.Seq), data))
	}
	tx.OnCommit(func() { o.push(m) })
	return nil
}

func (o *Outbox) push(m ir.Mutation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, _ := slices.BinarySearchFunc(o.items, m.Seq, func(x ir.Mutation, seq int64) int {
		return cmp.Compare(x.Seq, seq)
	})
	o.items = slices.Insert(o.items, i, m)
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Load restores queued mutations from the backend. Call before Run.
func (o *Outbox) Load(ctx context.Context) error {
	if o.backend == nil {
		return nil
	}
	pairs, err := o.backend.Scan(ctx, OutboxPrefix)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	for _, p := range pairs {
		var m ir.Mutation
		if err := json.Unmarshal(p.Value, &m); err != nil {
			return fmt.Errorf("load outbox %s: %w", p.Key, err)
		}
		o.mu.Lock()
		o.nextSeq = max(o.nextSeq, m.Seq)
		o.mu.Unlock()
		o.push(m)
	}
	o.logger.Debug("outbox loaded", "pending", len(pairs))
	return nil
}

// Pending returns a copy of the queue in submission order.
func (o *Outbox) Pending() []ir.Mutation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.items)
}

// Len returns the queue length.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) head() (ir.Mutation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return ir.Mutation{}, false
	}
	return o.items[0], true
}

func (o *Outbox) pop(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 && o.items[0].ID == id {
		o.items[0] = ir.Mutation{}
		o.items = o.items[1:]
	}
}

func (o *Outbox) bumpAttempts(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 || o.items[0].ID != id {
		return 0
	}
	o.items[0].Attempts++
	return o.items[0].Attempts
}

// Run submits queued mutations one at a time, head first, until ctx is
// cancelled. A mutation leaves the queue only once the remote has answered.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Info("outbox starting", "pending", o.Len())
	for {
		if _, ok := o.head(); !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.signal:
				continue
			}
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		attempt, err := o.submitHead(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sleep(ctx, o.backoff.Delay(attempt)); err != nil {
			return err
		}
	}
}

// Flush submits queued mutations until the queue is empty or a submission
// fails, without retrying. It returns the number submitted. Flush must not
// be called while Run is active.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	n := 0
	for {
		if _, ok := o.head(); !ok {
			return n, nil
		}
		if _, err := o.submitHead(ctx); err != nil {
			return n, err
		}
		n++
	}
}

// submitHead submits the head of the queue once. On failure it returns the
// head's updated attempt count.
func (o *Outbox) submitHead(ctx context.Context) (int, error) {
	m, ok := o.head()
	if !ok {
		return 0, nil
	}
	ack, err := o.remote.Submit(ctx, m)
	if err != nil {
		attempt := o.bumpAttempts(m.ID)
		o.logger.Warn("submit failed; will retry",
			"mutation", m.ID, "seq", m.Seq, "attempt", attempt, "retry_in", o.backoff.Delay(attempt), "error", err)
		return attempt, err
	}

	if ack.MutationID == "" {
		ack.MutationID = m.ID
	}
	if o.backend != nil {
		if err := o.backend.Apply(ctx, []kv.Op{kv.Del(OutboxKey(m.Seq))}); err != nil {
			o.logger.Error("outbox delete failed", "mutation", m.ID, "seq", m.Seq, "error", err)
		}
	}
	o.pop(m.ID)
	o.logger.Debug("mutation submitted", "mutation", m.ID, "seq", m.Seq, "rejected", ack.Rejected)
	o.onAck(ack)
	return 0, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
