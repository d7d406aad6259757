// Package mda implements the delivery core of a mail delivery agent: it
// stores one message into a local mailbox so that the message is either
// completely and durably present or not present at all.
//
// Mailbox formats are provided by separate packages that register
// themselves on import:
//
//	import (
//		"github.com/infodancer/mda"
//		_ "github.com/infodancer/mda/maildir"
//		_ "github.com/infodancer/mda/mbox"
//	)
//
//	engine, err := mda.New(mda.DefaultConfig())
//	...
//	d, err := engine.Deliver(ctx, mda.NewMessage(os.Stdin, -1), target)
package mda

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lithammer/shortuuid/v3"

	"github.com/infodancer/mda/errors"
)

// Engine delivers messages to mailboxes. It holds no per-delivery state and
// is safe for concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	writers map[Format]Writer
	otel    *instrumentation

	// raise replays deferred signals; replaced in tests.
	raise func(os.Signal)
}

// New creates an Engine with a writer for every registered format.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	writers := make(map[Format]Writer)
	for format, factory := range factories() {
		w, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s writer: %w", format, err)
		}
		writers[format] = w
	}

	o, err := newInstrumentation(cfg.MeterProvider, cfg.TracerProvider)
	if err != nil {
		return nil, fmt.Errorf("init instrumentation: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Log(),
		writers: writers,
		otel:    o,
		raise:   raiseSignal,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) writer(format Format) (Writer, error) {
	w, ok := e.writers[format]
	if !ok {
		return nil, errors.New(errors.ErrFormatNotRegistered, "deliver", "", fmt.Errorf("format %q", format))
	}
	return w, nil
}

// Deliver stores msg in target. It returns only after the message is
// durable, or with a typed error after all partial state has been removed.
// ctx bounds lock acquisition and retry waits; once writing has started the
// delivery runs to completion.
func (e *Engine) Deliver(ctx context.Context, msg *Message, target Target) (*Delivery, error) {
	id := shortuuid.New()
	logger := e.logger.With(
		slog.String("delivery_id", id),
		slog.String("mailbox", target.Path),
		slog.String("format", string(target.Format)),
	)

	ctx, endSpan := e.otel.startSpan(ctx, id, target, false)
	start := time.Now()

	d, err := e.deliver(ctx, logger, msg, target)
	duration := time.Since(start)

	e.otel.recordDeliver(ctx, target, duration, false, err)
	endSpan(err)

	if err != nil {
		logger.Error("delivery failed",
			slog.Any("error", err),
			slog.Bool("temporary", errors.Temporary(err)),
			slog.Duration("duration", duration),
		)
		return nil, err
	}

	d.ID = id
	d.Duration = duration
	logger.Info("message delivered",
		slog.String("location", d.Location),
		slog.Int64("bytes", d.Bytes),
		slog.Int("attempts", d.Attempts),
		slog.Duration("duration", duration),
	)
	return d, nil
}

func (e *Engine) deliver(ctx context.Context, logger *slog.Logger, msg *Message, target Target) (*Delivery, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	w, err := e.writer(target.Format)
	if err != nil {
		return nil, err
	}
	payload, err := e.payload(msg)
	if err != nil {
		return nil, err
	}

	bo := &backoff.Backoff{
		Min:    e.cfg.RetryMinBackoff,
		Max:    e.cfg.RetryMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		location, n, err := e.attempt(ctx, logger, w, msg.Envelope, payload, target)
		if err == nil {
			return &Delivery{Target: target, Location: location, Bytes: n, Attempts: attempt}, nil
		}
		if !errors.Temporary(err) || attempt > e.cfg.Retries {
			return nil, err
		}

		wait := bo.Duration()
		logger.Warn("delivery attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

// payload reads the message and enforces the size limit before any
// mailbox is touched.
func (e *Engine) payload(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New(errors.ErrTruncatedMessage, "read message", "", fmt.Errorf("no message"))
	}
	limit := e.cfg.MaxMessageBytes
	if limit > 0 && msg.DeclaredSize() > limit {
		return nil, errors.New(errors.ErrMessageTooLarge, "read message", "",
			fmt.Errorf("declared %d bytes, limit %d", msg.DeclaredSize(), limit))
	}
	payload, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(payload)) > limit {
		return nil, errors.New(errors.ErrMessageTooLarge, "read message", "",
			fmt.Errorf("%d bytes, limit %d", len(payload), limit))
	}
	return payload, nil
}

// attempt runs one pass through Acquiring, Writing and Committing. Cleanup
// runs from defers in reverse order: abort the staging area, release the
// lock, then leave through Released.
func (e *Engine) attempt(ctx context.Context, logger *slog.Logger, w Writer, env Envelope, payload []byte, target Target) (location string, n int64, err error) {
	run := newAttemptRun(logger, e.cfg.DeferSignals, e.raise)
	defer run.finish()

	run.enter(stateAcquiring)
	unlock, err := w.Lock(ctx, target)
	if err != nil {
		run.fail(err)
		return "", 0, err
	}
	if waited, ok := unlock.(interface{ Waited() time.Duration }); ok {
		e.otel.recordLockWait(ctx, target, waited.Waited())
	}
	defer func() {
		if rerr := unlock.Release(); rerr != nil {
			logger.Warn("lock release failed", slog.Any("error", rerr))
		}
	}()

	run.enter(stateWriting)
	staged, err := w.Stage(target)
	if err != nil {
		run.fail(err)
		return "", 0, err
	}
	defer func() {
		if aerr := staged.Abort(); aerr != nil {
			logger.Warn("abort failed", slog.Any("error", aerr))
		}
	}()

	n, err = w.Place(staged, env, payload)
	if err != nil {
		run.fail(err)
		return "", 0, err
	}

	run.enter(stateCommitting)
	location, err = staged.Commit()
	if err != nil {
		run.fail(err)
		return "", 0, err
	}
	return location, n, nil
}

// DeliverAll delivers msg to each target in order. Maildir targets after the
// first successful maildir delivery are hard-linked to it when the writer
// supports that, falling back to a normal delivery. Every target is
// attempted; the returned error joins the individual failures.
func (e *Engine) DeliverAll(ctx context.Context, msg *Message, targets ...Target) ([]*Delivery, error) {
	var (
		delivered []*Delivery
		errs      []error
		linkSrc   string
	)

	for _, target := range targets {
		if target.Format == FormatMaildir && linkSrc != "" {
			if d, ok := e.link(ctx, msg, linkSrc, target); ok {
				delivered = append(delivered, d)
				continue
			}
		}

		d, err := e.Deliver(ctx, msg, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		delivered = append(delivered, d)
		if target.Format == FormatMaildir && linkSrc == "" {
			linkSrc = d.Location
		}
	}

	return delivered, stderrors.Join(errs...)
}

func (e *Engine) link(ctx context.Context, msg *Message, src string, target Target) (*Delivery, bool) {
	if err := target.Validate(); err != nil {
		return nil, false
	}
	w, err := e.writer(target.Format)
	if err != nil {
		return nil, false
	}
	linker, ok := w.(Linker)
	if !ok {
		return nil, false
	}

	id := shortuuid.New()
	logger := e.logger.With(
		slog.String("delivery_id", id),
		slog.String("mailbox", target.Path),
		slog.String("format", string(target.Format)),
	)
	ctx, endSpan := e.otel.startSpan(ctx, id, target, true)
	start := time.Now()

	location, err := linker.Link(src, target)
	duration := time.Since(start)
	endSpan(err)
	if err != nil {
		// The copy delivered next is what gets counted.
		logger.Debug("hard link failed, delivering copy", slog.Any("error", err))
		return nil, false
	}
	e.otel.recordDeliver(ctx, target, duration, true, nil)

	payload, _ := msg.Bytes()
	d := &Delivery{
		ID:       id,
		Target:   target,
		Location: location,
		Bytes:    int64(len(payload)),
		Attempts: 1,
		Linked:   true,
		Duration: duration,
	}
	logger.Info("message delivered",
		slog.String("location", location),
		slog.Bool("linked", true),
		slog.Duration("duration", duration),
	)
	return d, true
}
