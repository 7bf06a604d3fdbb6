// Package syncclient performs the durable reads and writes against the
// remote record store and classifies their failures.
package syncclient

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/notesync/pkg/core"
)

const tracerName = "github.com/aretw0/notesync/pkg/syncclient"

// Client wraps a core.Store. Calls may run concurrently; the client adds no
// serialization of its own.
type Client struct {
	store  core.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a client over store.
func New(store core.Store, opts ...Option) *Client {
	c := &Client{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAll returns the session's notes, most recently updated first.
// Records owned by another principal are dropped.
func (c *Client) FetchAll(ctx context.Context, s *core.Session) ([]core.NoteRecord, error) {
	if s == nil {
		return nil, core.NewError("fetch_all", "", core.ErrNoSession, nil)
	}
	ctx, end := c.span(ctx, "fetch_all", s, "")
	records, err := c.store.List(ctx, s.Principal)
	if err != nil {
		err = classify("fetch_all", "", err)
		end(err)
		return nil, err
	}

	owned := records[:0]
	for _, r := range records {
		if r.OwnerID != s.Principal {
			c.logger.Warn("dropping record owned by another principal", "note", r.ID, "owner", r.OwnerID)
			continue
		}
		owned = append(owned, r)
	}
	end(nil)
	return owned, nil
}

// Fetch returns a single note.
func (c *Client) Fetch(ctx context.Context, s *core.Session, id string) (core.NoteRecord, error) {
	if s == nil {
		return core.NoteRecord{}, core.NewError("fetch", id, core.ErrNoSession, nil)
	}
	ctx, end := c.span(ctx, "fetch", s, id)
	rec, err := c.store.Get(ctx, s.Principal, id)
	if err == nil && rec.OwnerID != s.Principal {
		err = core.NewError("fetch", id, core.ErrNotFound, nil)
	}
	if err != nil {
		err = classify("fetch", id, err)
		end(err)
		return core.NoteRecord{}, err
	}
	end(nil)
	return rec, nil
}

// Create inserts a new note and returns the canonical record.
func (c *Client) Create(ctx context.Context, s *core.Session, seed core.Seed) (core.NoteRecord, error) {
	if s == nil {
		return core.NoteRecord{}, core.NewError("create", "", core.ErrNoSession, nil)
	}
	if err := core.BlocksPatch(seed.Blocks).Validate(); err != nil {
		return core.NoteRecord{}, err
	}
	ctx, end := c.span(ctx, "create", s, "")
	rec, err := c.store.Insert(ctx, s.Principal, seed)
	if err != nil {
		err = classify("create", "", err)
		end(err)
		return core.NoteRecord{}, err
	}
	end(nil)
	return rec, nil
}

// Persist writes the patch fields and returns the canonical post-write record.
func (c *Client) Persist(ctx context.Context, s *core.Session, id string, patch core.Patch) (core.NoteRecord, error) {
	if s == nil {
		return core.NoteRecord{}, core.NewError("persist", id, core.ErrNoSession, nil)
	}
	if err := patch.Validate(); err != nil {
		return core.NoteRecord{}, classify("persist", id, err)
	}
	ctx, end := c.span(ctx, "persist", s, id)
	rec, err := c.store.Update(ctx, s.Principal, id, patch)
	if err != nil {
		err = classify("persist", id, err)
		end(err)
		return core.NoteRecord{}, err
	}
	end(nil)
	return rec, nil
}

// Delete removes a note.
func (c *Client) Delete(ctx context.Context, s *core.Session, id string) error {
	if s == nil {
		return core.NewError("delete", id, core.ErrNoSession, nil)
	}
	ctx, end := c.span(ctx, "delete", s, id)
	err := c.store.Delete(ctx, s.Principal, id)
	if err != nil {
		err = classify("delete", id, err)
	}
	end(err)
	return err
}

func (c *Client) span(ctx context.Context, op string, s *core.Session, id string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "notesync."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("notesync.principal", s.Principal),
			attribute.String("notesync.note_id", id),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug("store call failed", "op", op, "note", id, "duration", time.Since(start), "error", err)
		} else {
			c.logger.Debug("store call", "op", op, "note", id, "duration", time.Since(start))
		}
		span.End()
	}
}

// classify ensures every error carries a kind. Unclassified failures are
// treated as transport errors.
func classify(op, id string, err error) error {
	if core.KindOf(err) != nil {
		return err
	}
	return core.NewError(op, id, core.ErrTransport, err)
}
