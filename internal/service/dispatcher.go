package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wanotify/internal/cache"
	"wanotify/internal/model"
	"wanotify/internal/registry"
	"wanotify/internal/repo"
)

// ErrNotClaimable signals a targeted dispatch against a message that does
// not exist or is no longer pending.
var ErrNotClaimable = errors.New("message not claimable")

type DeliveryClient interface {
	Deliver(ctx context.Context, url string, msg model.Message) error
}

// Summary is the only thing a dispatch cycle reports to its caller;
// per-message failures are recorded on the messages themselves.
type Summary struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type DispatcherConfig struct {
	BatchSize       int
	MessageDelay    time.Duration
	StaleClaimAfter time.Duration
}

type Dispatcher struct {
	messages  repo.MessageRepository
	endpoints repo.EndpointRepository
	client    DeliveryClient
	dedup     cache.DedupCache // may be nil
	cfg       DispatcherConfig
}

func NewDispatcher(
	messages repo.MessageRepository,
	endpoints repo.EndpointRepository,
	client DeliveryClient,
	dedup cache.DedupCache,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 5 * time.Minute
	}
	return &Dispatcher{
		messages:  messages,
		endpoints: endpoints,
		client:    client,
		dedup:     dedup,
		cfg:       cfg,
	}
}

// RunCycle sweeps stale claims, claims one batch of pending messages and
// delivers them in order. It never returns an error: delivery problems end
// up on the messages, infrastructure problems are logged and the affected
// messages stay claimed until the next sweep reclaims them.
func (d *Dispatcher) RunCycle(ctx context.Context) Summary {
	if n, err := d.messages.ReclaimStale(ctx, d.cfg.StaleClaimAfter); err != nil {
		slog.Error("stale claim sweep failed", "err", err)
	} else if n > 0 {
		slog.Warn("reclaimed stale messages", "count", n)
	}

	msgs, err := d.messages.Claim(ctx, d.cfg.BatchSize)
	if err != nil {
		slog.Error("claim failed", "err", err)
		return Summary{}
	}
	if len(msgs) == 0 {
		return Summary{}
	}

	sum := Summary{Claimed: len(msgs)}

	endpoints, err := d.endpoints.ListActive(ctx)
	if err != nil {
		// Leave the batch claimed; the sweep returns it to pending.
		slog.Error("listing endpoints failed", "err", err)
		return sum
	}

	for i, m := range msgs {
		if i > 0 && d.cfg.MessageDelay > 0 {
			time.Sleep(d.cfg.MessageDelay)
		}
		d.process(ctx, m, endpoints, &sum)
	}

	return sum
}

// DispatchOne claims and delivers a single message immediately, bypassing
// the schedule. Used for one-off sends right after an enqueue.
func (d *Dispatcher) DispatchOne(ctx context.Context, id uuid.UUID) (Summary, error) {
	m, ok, err := d.messages.ClaimByID(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{}, ErrNotClaimable
	}

	sum := Summary{Claimed: 1}

	endpoints, err := d.endpoints.ListActive(ctx)
	if err != nil {
		slog.Error("listing endpoints failed", "err", err)
		return sum, err
	}

	d.process(ctx, m, endpoints, &sum)
	return sum, nil
}

func (d *Dispatcher) process(ctx context.Context, m model.Message, endpoints []model.Endpoint, sum *Summary) {
	ep, err := registry.Resolve(m.Kind, endpoints)
	if err != nil {
		sum.Failed++
		d.fail(ctx, m, err.Error())
		return
	}

	if err := d.client.Deliver(ctx, ep.URL, m); err != nil {
		sum.Failed++
		d.fail(ctx, m, err.Error())
		return
	}

	sum.Sent++
	if err := d.messages.MarkSent(ctx, m.ID); err != nil {
		slog.Error("marking message sent failed", "id", m.ID, "err", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, m model.Message, detail string) {
	if err := d.messages.MarkFailed(ctx, m.ID, detail); err != nil {
		slog.Error("marking message failed failed", "id", m.ID, "err", err)
		return
	}
	// A failed message no longer blocks its dedupe key.
	if d.dedup != nil && m.DedupeKey != nil {
		if err := d.dedup.Forget(ctx, *m.DedupeKey); err != nil {
			slog.Warn("dropping dedupe cache entry failed", "key", *m.DedupeKey, "err", err)
		}
	}
}
