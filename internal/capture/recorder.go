package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// ErrAuditWrite marks a failure to persist an audit entry. The enclosing
// unit is rolled back whenever it is returned.
var ErrAuditWrite = errors.New("audit write failed")

// ErrInvalidActor is returned when a unit is opened without an identity.
var ErrInvalidActor = errors.New("actor is required")

// Clock supplies the wall-clock time stamped on audit entries.
type Clock interface {
	Now() time.Time
}

// Recorder is the only path for governed writes: every Mutate call runs in
// one store transaction and commits its audit entries alongside the data.
type Recorder struct {
	store  *store.Store
	clock  Clock
	ids    model.IDGenerator
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator sets the generator for external ids. Default is UUIDv7.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(r *Recorder) {
		r.ids = g
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// NewRecorder creates a Recorder over s.
func NewRecorder(s *store.Store, clock Clock, opts ...Option) *Recorder {
	r := &Recorder{
		store:  s,
		clock:  clock,
		ids:    model.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store for read-only access.
func (r *Recorder) Store() *store.Store {
	return r.store
}

// Now returns the recorder clock's current time in UTC.
func (r *Recorder) Now() time.Time {
	return r.clock.Now().UTC()
}

// NewID returns a fresh external id.
func (r *Recorder) NewID() string {
	return r.ids.Generate()
}

// Unit is one atomic governed mutation in progress.
type Unit struct {
	tx      *store.Tx
	actor   model.Actor
	now     time.Time
	ids     model.IDGenerator
	entries []*model.AuditEntry
}

// Tx returns the transaction entity writes must use.
func (u *Unit) Tx() *store.Tx { return u.tx }

// Actor returns the identity the unit runs as.
func (u *Unit) Actor() model.Actor { return u.actor }

// Now returns the timestamp shared by every entry in the unit.
func (u *Unit) Now() time.Time { return u.now }

// Entries returns the entries committed so far.
func (u *Unit) Entries() []*model.AuditEntry { return u.entries }

// NewID returns a fresh external id for an entity created in the unit.
func (u *Unit) NewID() string { return u.ids.Generate() }

// Commit appends rec to the audit log inside the unit's transaction.
// Any failure is wrapped with ErrAuditWrite; returning it from the Mutate
// callback rolls the unit back.
func (u *Unit) Commit(ctx context.Context, rec Record) (*model.AuditEntry, error) {
	e, err := commit(ctx, u.tx, u.actor, u.now, u.ids.Generate(), rec)
	if err != nil {
		return nil, err
	}
	u.entries = append(u.entries, e)
	return e, nil
}

// Mutate runs fn in one transaction as actor. Data writes and audit entries
// commit together or not at all; fn's error is returned unchanged.
func (r *Recorder) Mutate(ctx context.Context, actor model.Actor, fn func(u *Unit) error) ([]*model.AuditEntry, error) {
	if !actor.Valid() {
		return nil, ErrInvalidActor
	}
	var committed []*model.AuditEntry
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		u := &Unit{tx: tx, actor: actor, now: r.Now(), ids: r.ids}
		if err := fn(u); err != nil {
			return err
		}
		committed = u.entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range committed {
		r.logger.Debug("audit entry committed",
			"seq", e.Seq,
			"event", e.Event,
			"resource", string(e.ResourceType),
			"id", e.ResourceID,
			"actor", e.Actor.String())
	}
	return committed, nil
}

func commit(ctx context.Context, tx *store.Tx, actor model.Actor, now time.Time, uid string, rec Record) (*model.AuditEntry, error) {
	if rec.Event == "" {
		return nil, fmt.Errorf("%w: event name is required", ErrAuditWrite)
	}
	if err := rec.Change.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuditWrite, rec.Event, err)
	}
	primary, err := rec.Change.record()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuditWrite, rec.Event, err)
	}

	related := make([]model.RecordedChange, 0, len(rec.Related))
	for _, c := range rec.Related {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuditWrite, rec.Event, err)
		}
		rc, err := c.record()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuditWrite, rec.Event, err)
		}
		related = append(related, rc)
	}

	e := &model.AuditEntry{
		UID:           uid,
		Kind:          primary.Kind,
		ResourceType:  primary.ResourceType,
		ResourceID:    primary.ResourceID,
		Event:         rec.Event,
		Actor:         actor,
		Before:        primary.Before,
		After:         primary.After,
		Related:       related,
		Success:       rec.Failure == "",
		Error:         rec.Failure,
		OccurredAt:    now.UTC(),
		SchemaVersion: model.AuditSchemaVersion,
	}
	if err := tx.AppendAudit(ctx, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuditWrite, rec.Event, err)
	}
	return e, nil
}
