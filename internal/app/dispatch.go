package app

import (
	"context"
	"strings"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout     = 30 * time.Second
	defaultSendConcurrency = 4

	errInvalidNumberFormat = "Invalid number format"
	errNoDigits            = "Number contains no digits"
)

// NormalizeAddress converts a caller-supplied destination into a chat address. Values
// already carrying the chat suffix are kept verbatim; anything else is reduced to its
// digits and suffixed. It reports false when nothing addressable remains.
func NormalizeAddress(raw string) (string, bool) {
	if strings.HasSuffix(raw, domain.ChatSuffix) {
		return raw, true
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", false
	}
	return digits + domain.ChatSuffix, true
}

// DispatchObserver receives delivery measurements. *metrics.DispatchMetrics satisfies it.
type DispatchObserver interface {
	ObserveSend(d time.Duration)
	ObserveBatch(results []domain.SendResult)
}

type Dispatcher struct {
	timeout     time.Duration
	concurrency int
	clock       clockwork.Clock
	observer    DispatchObserver
}

type DispatcherOption func(*Dispatcher)

func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(ds *Dispatcher) { ds.timeout = d }
}

func WithSendConcurrency(n int) DispatcherOption {
	return func(ds *Dispatcher) { ds.concurrency = n }
}

func WithDispatchClock(clock clockwork.Clock) DispatcherOption {
	return func(ds *Dispatcher) { ds.clock = clock }
}

func WithDispatchObserver(o DispatchObserver) DispatcherOption {
	return func(ds *Dispatcher) { ds.observer = o }
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		timeout:     defaultSendTimeout,
		concurrency: defaultSendConcurrency,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	return d
}

// Dispatch sends body to every destination through client. Each destination gets an
// independent outcome; results are returned in input order.
func (d *Dispatcher) Dispatch(ctx context.Context, client domain.AutomationClient, numbers []any, body string) []domain.SendResult {
	results := make([]domain.SendResult, len(numbers))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, raw := range numbers {
		results[i].Number = raw

		num, ok := raw.(string)
		if !ok {
			results[i].Status = domain.SendStatusSkipped
			results[i].Error = errInvalidNumberFormat
			continue
		}

		address, ok := NormalizeAddress(num)
		if !ok {
			results[i].Status = domain.SendStatusSkipped
			results[i].Error = errNoDigits
			continue
		}
		results[i].Address = address

		g.Go(func() error {
			results[i].Status, results[i].Error = d.send(ctx, client, address, body)
			return nil
		})
	}

	// Sends never return errors to the group; failures live in results.
	_ = g.Wait()

	if d.observer != nil {
		d.observer.ObserveBatch(results)
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, client domain.AutomationClient, address, body string) (domain.SendStatus, string) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.clock.Now()
	err := client.SendMessage(sendCtx, address, body)
	if d.observer != nil {
		d.observer.ObserveSend(d.clock.Since(start))
	}

	if err != nil {
		return domain.SendStatusFailed, err.Error()
	}
	return domain.SendStatusSent, ""
}
