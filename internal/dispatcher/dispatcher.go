// Package dispatcher delivers PENDING results to a notification channel,
// oldest first, and records each outcome in the result store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/metrics"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
)

// Defaults applied by New.
const (
	DefaultBatchSize    = 1
	DefaultClaimTimeout = 10 * time.Minute
	// markTimeout bounds a terminal status write once the send has an outcome.
	markTimeout = 10 * time.Second
)

// Kind classifies a dispatcher run.
type Kind string

const (
	Idle      Kind = "idle"      // no PENDING rows
	Processed Kind = "processed" // at least one row was read
)

// Delivery records what happened to one row.
type Delivery struct {
	ResultID string
	Title    string
	Sent     bool
	Err      string
}

// Outcome describes one dispatcher run.
type Outcome struct {
	Kind       Kind
	Expired    int64 // stale SENDING rows moved to FAILED
	Sent       int
	Failed     int
	LostRaces  int // rows claimed by another dispatcher first
	Deliveries []Delivery
}

// Store is the subset of the result store the dispatcher uses.
type Store interface {
	ExpireStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
	ListPending(ctx context.Context, limit int) ([]models.Result, error)
	Claim(ctx context.Context, id, owner string) (*models.Result, error)
	MarkSent(ctx context.Context, id, channel string) error
	MarkFailed(ctx context.Context, id, channel, cause string) error
}

// Options configure a Dispatcher.
type Options struct {
	Store        Store
	Channel      channel.Channel
	BatchSize    int
	ClaimTimeout time.Duration
	Owner        string // claim owner; defaults to host:pid:random
	Metrics      *metrics.Metrics
	Out          io.Writer
}

// Dispatcher moves PENDING results through claim, delivery, and a terminal
// status.
type Dispatcher struct {
	store        Store
	ch           channel.Channel
	batchSize    int
	claimTimeout time.Duration
	owner        string
	metrics      *metrics.Metrics
	out          io.Writer
}

// New returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatcher: store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("dispatcher: channel is required")
	}
	d := &Dispatcher{
		store:        opts.Store,
		ch:           opts.Channel,
		batchSize:    opts.BatchSize,
		claimTimeout: opts.ClaimTimeout,
		owner:        opts.Owner,
		metrics:      opts.Metrics,
		out:          opts.Out,
	}
	if d.batchSize <= 0 {
		d.batchSize = DefaultBatchSize
	}
	if d.claimTimeout <= 0 {
		d.claimTimeout = DefaultClaimTimeout
	}
	if d.owner == "" {
		d.owner = defaultOwner()
	}
	if d.out == nil {
		d.out = io.Discard
	}
	return d, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the claim owner recorded on rows this dispatcher claims.
func (d *Dispatcher) Owner() string { return d.owner }

// RunOnce performs one dispatcher cycle. Delivery failures are recorded on
// the row and are not returned; store failures abort the run and are.
func (d *Dispatcher) RunOnce(ctx context.Context) (Outcome, error) {
	var out Outcome

	expired, err := d.store.ExpireStaleClaims(ctx, d.claimTimeout)
	if err != nil {
		return out, fmt.Errorf("dispatcher: expire stale claims: %w", err)
	}
	out.Expired = expired
	if expired > 0 {
		log.Printf("dispatcher: marked %d stale claim(s) failed", expired)
	}

	rows, err := d.store.ListPending(ctx, d.batchSize)
	if err != nil {
		return out, fmt.Errorf("dispatcher: list pending: %w", err)
	}
	if len(rows) == 0 {
		out.Kind = Idle
		return out, nil
	}
	out.Kind = Processed

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		claimed, err := d.store.Claim(ctx, row.ID, d.owner)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrNotPending) {
				out.LostRaces++
				continue
			}
			return out, fmt.Errorf("dispatcher: claim %s: %w", row.ID, err)
		}

		del, err := d.deliver(ctx, claimed)
		out.Deliveries = append(out.Deliveries, del)
		if del.Sent {
			out.Sent++
		} else {
			out.Failed++
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// deliver sends one claimed row and records the terminal status. The
// returned error is non-nil only for store failures.
func (d *Dispatcher) deliver(ctx context.Context, row *models.Result) (Delivery, error) {
	del := Delivery{ResultID: row.ID, Title: row.Title}
	name := d.ch.Name()

	ack, sendErr := d.safeDeliver(ctx, row)

	// The outcome is recorded even when ctx was cancelled during the send.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	if sendErr != nil {
		d.metrics.IncDelivery(name, "failed")
		log.Printf("dispatcher: deliver %s via %s: %v", row.ID, name, sendErr)
		del.Err = sendErr.Error()
		if err := d.store.MarkFailed(mctx, row.ID, name, sendErr.Error()); err != nil {
			return del, fmt.Errorf("dispatcher: mark failed %s: %w", row.ID, err)
		}
		fmt.Fprintf(d.out, "Dispatcher: %s %q failed via %s\n", row.ID, row.Title, name)
		return del, nil
	}

	d.metrics.IncDelivery(name, "sent")
	del.Sent = true
	if err := d.store.MarkSent(mctx, row.ID, name); err != nil {
		return del, fmt.Errorf("dispatcher: mark sent %s (delivered as %s): %w", row.ID, ack.MessageID, err)
	}
	fmt.Fprintf(d.out, "Dispatcher: %s %q sent via %s\n", row.ID, row.Title, name)
	return del, nil
}

// safeDeliver formats and delivers row, converting a panic into an error.
func (d *Dispatcher) safeDeliver(ctx context.Context, row *models.Result) (ack channel.Ack, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = channel.Fail(d.ch.Name(), fmt.Errorf("panic: %v", r))
		}
	}()

	msg := channel.Format(row.Title, row.Summary)
	msg.ResultID = row.ID
	return d.ch.Deliver(ctx, msg)
}
