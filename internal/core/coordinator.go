// Package core coordinates the call registry, the ledger and the simulated
// responder behind one lock, so every operation is applied in the order it
// was issued.  State machine violations are logged and absorbed; only input
// validation and durable store failures reach the caller.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carelink/internal/call"
	"carelink/internal/config"
	"carelink/internal/directory"
	"carelink/internal/ledger"
	"carelink/internal/logging"
	"carelink/internal/resolver"
	"carelink/internal/responder"
	"carelink/pkg"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownActor    = errors.New("core: no such patient or provider")
	ErrUnknownProvider = errors.New("core: no such provider")
)

// Event kinds pushed to the live view.
const (
	EventView  = "view"
	EventReply = "reply"
	EventCall  = "call"
)

// Event is one live update for the foreground actor.
type Event struct {
	Kind string    `json:"kind"`
	View *pkg.View `json:"view,omitempty"`
}

// Publisher receives live updates.  Publish is called with the coordinator
// lock held and must not block.
type Publisher interface {
	Publish(ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

type pendingReply struct {
	patientID     int64
	placeholderID int64
	token         responder.Token
}

// Coordinator owns the shared session state.
type Coordinator struct {
	mu sync.Mutex

	actor   *pkg.Actor
	ledger  *ledger.Ledger
	calls   *call.Registry
	replies *responder.Scheduler
	timer   responder.Timer
	dir     *directory.Directory
	pub     Publisher
	cfg     config.ResponderConfig
	log     zerolog.Logger

	armed     map[string]pendingReply
	callbacks map[responder.Stopper]struct{}
	closed    bool
}

// Options carries the collaborators of a Coordinator.  Timer and Publisher
// may be nil.
type Options struct {
	Ledger    *ledger.Ledger
	Calls     *call.Registry
	Directory *directory.Directory
	Timer     responder.Timer
	Publisher Publisher
	Responder config.ResponderConfig
	Logger    zerolog.Logger
}

// New wires a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		ledger:    opts.Ledger,
		calls:     opts.Calls,
		timer:     opts.Timer,
		dir:       opts.Directory,
		pub:       opts.Publisher,
		cfg:       opts.Responder,
		log:       logging.Component(opts.Logger, "coordinator"),
		armed:     make(map[string]pendingReply),
		callbacks: make(map[responder.Stopper]struct{}),
	}
	if c.timer == nil {
		c.timer = responder.RealTimer{}
	}
	if c.pub == nil {
		c.pub = nopPublisher{}
	}
	if c.calls == nil {
		c.calls = call.NewRegistry(1)
	}
	c.replies = responder.NewScheduler(c.timer, c.cfg.ReplyDelay, c.deliver, logging.Component(opts.Logger, "responder"))
	return c
}

// Start loads the ledger of every known patient.  Load failures leave the
// patient in degraded mode and are only logged.
func (c *Coordinator) Start(ctx context.Context) {
	for _, id := range c.dir.PatientIDs() {
		if _, err := c.ledger.Load(ctx, id); err != nil {
			c.log.Warn().Err(err).Int64("patient_id", id).Msg("ledger preload failed")
		}
	}
}

// Close cancels every pending reply and callback.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.replies.Stop()
	for stop := range c.callbacks {
		stop.Stop()
	}
	c.callbacks = make(map[responder.Stopper]struct{})
	c.armed = make(map[string]pendingReply)
}

// Login switches the foreground actor.  Ringing calls that do not involve the
// new actor are dropped.
func (c *Coordinator) Login(ctx context.Context, a pkg.Actor) error {
	if _, ok := c.dir.Profile(a); !ok {
		return fmt.Errorf("%w: %s %d", ErrUnknownActor, a.Role, a.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeActiveUserLocked(ctx, a)
	return nil
}

// Logout clears the foreground actor.  Calls and appointments stay as they
// are.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actor != nil {
		c.log.Info().Str("role", string(c.actor.Role)).Int64("id", c.actor.ID).Msg("logged out")
	}
	c.actor = nil
}

// SignUpPatient registers a patient and logs them in.
func (c *Coordinator) SignUpPatient(ctx context.Context, p pkg.Patient) (pkg.Patient, error) {
	p, err := c.dir.AddPatient(p)
	if err != nil {
		return pkg.Patient{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeActiveUserLocked(ctx, pkg.Actor{Role: pkg.RolePatient, ID: p.ID})
	return p, nil
}

// SignUpProvider registers a provider and logs them in.
func (c *Coordinator) SignUpProvider(ctx context.Context, p pkg.Provider) (pkg.Provider, error) {
	p, err := c.dir.AddProvider(p)
	if err != nil {
		return pkg.Provider{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeActiveUserLocked(ctx, pkg.Actor{Role: pkg.RoleProvider, ID: p.ID})
	return p, nil
}

// CurrentActor returns the foreground actor, if any.
func (c *Coordinator) CurrentActor() (pkg.Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actor == nil {
		return pkg.Actor{}, false
	}
	return *c.actor, true
}

// ViewFor projects the current state for actor.  The ledgers involved are
// loaded on first use.
func (c *Coordinator) ViewFor(ctx context.Context, a pkg.Actor) pkg.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(ctx, a)
}

// LoadLedger returns the patient's ledger, reading the durable copy the
// first time the patient is seen.
func (c *Coordinator) LoadLedger(ctx context.Context, patientID int64) ([]pkg.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Load(ctx, patientID)
}

// Degraded reports whether the patient's ledger is running memory-only.
func (c *Coordinator) Degraded(patientID int64) bool {
	return c.ledger.Degraded(patientID)
}

// Sessions returns the live call sessions.
func (c *Coordinator) Sessions() []pkg.CallSession {
	return c.calls.Sessions()
}

// ApplyRemoteChange reloads a patient's record after another process wrote
// it, and pushes the view when the foreground actor can see that patient.
func (c *Coordinator) ApplyRemoteChange(ctx context.Context, patientID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ledger.Refresh(ctx, patientID); err != nil {
		c.log.Warn().Err(err).Int64("patient_id", patientID).Msg("remote change not applied")
		return
	}
	if c.actor == nil {
		return
	}
	switch c.actor.Role {
	case pkg.RolePatient:
		if c.actor.ID != patientID {
			return
		}
	case pkg.RoleProvider:
		p, ok := c.dir.Patient(patientID)
		if !ok || p.AssignedProviderID != c.actor.ID {
			return
		}
	}
	c.publishViewLocked(ctx, EventView)
}

func (c *Coordinator) changeActiveUserLocked(ctx context.Context, a pkg.Actor) {
	actor := a
	c.actor = &actor
	for _, s := range c.calls.ChangeActiveUser(a) {
		c.log.Info().Str("session_id", s.ID).Int64("patient_id", s.PatientID).Int64("provider_id", s.ProviderID).
			Msg("dropped ringing call not addressed to the new actor")
	}
	c.log.Info().Str("role", string(a.Role)).Int64("id", a.ID).Msg("active user changed")
	c.publishViewLocked(ctx, EventView)
}

func (c *Coordinator) viewLocked(ctx context.Context, a pkg.Actor) pkg.View {
	var ids []int64
	switch a.Role {
	case pkg.RolePatient:
		ids = []int64{a.ID}
	case pkg.RoleProvider:
		for _, p := range c.dir.PatientsOf(a.ID) {
			ids = append(ids, p.ID)
		}
	}

	st := resolver.State{
		Sessions: c.calls.Sessions(),
		Records:  make(map[int64]pkg.AppointmentRecord, len(ids)),
		Ledgers:  make(map[int64][]pkg.ChatMessage, len(ids)),
	}
	for _, id := range ids {
		msgs, err := c.ledger.Load(ctx, id)
		if err != nil {
			c.log.Debug().Err(err).Int64("patient_id", id).Msg("showing memory-only ledger")
		}
		st.Ledgers[id] = msgs
		if rec, ok := c.ledger.Record(id); ok {
			rec.Ledger = nil
			st.Records[id] = rec
		}
	}
	return resolver.Resolve(st, a, c.dir)
}

// publishViewLocked pushes the foreground actor's view.
func (c *Coordinator) publishViewLocked(ctx context.Context, kind string) {
	if c.actor == nil {
		return
	}
	v := c.viewLocked(ctx, *c.actor)
	c.pub.Publish(Event{Kind: kind, View: &v})
}

func (c *Coordinator) isForeground(a pkg.Actor) bool {
	return c.actor != nil && *c.actor == a
}
