// Package call tracks call signaling sessions between a patient and a
// provider.  A session is Ringing until the callee accepts it, then Active
// until either side ends it; an ended session is removed.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"carelink/pkg"

	"github.com/google/uuid"
)

var (
	ErrConflict   = errors.New("call: a session for this pair is already in progress")
	ErrCapacity   = fmt.Errorf("%w: registry at capacity", ErrConflict)
	ErrNoSession  = errors.New("call: no such session")
	ErrNotRinging = errors.New("call: session is not ringing")
	ErrNotCallee  = errors.New("call: only the callee can accept")
	ErrInvalid    = errors.New("call: invalid call type or initiator")
)

// Registry holds the live sessions keyed by id.  MaxSessions of 1 models a
// single shared call line.
type Registry struct {
	mu       sync.Mutex
	max      int
	sessions map[string]*pkg.CallSession
	order    []string
	now      func() time.Time
}

// NewRegistry constructs a Registry accepting up to maxSessions concurrent
// sessions.
func NewRegistry(maxSessions int) *Registry {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Registry{
		max:      maxSessions,
		sessions: make(map[string]*pkg.CallSession),
		now:      time.Now,
	}
}

// Initiate opens a ringing session.  The pair must not already have a
// session and the registry must have room; otherwise nothing changes.
func (r *Registry) Initiate(patientID, providerID int64, typ pkg.CallType, by pkg.Role) (pkg.CallSession, error) {
	if !typ.Valid() || !by.Valid() {
		return pkg.CallSession{}, fmt.Errorf("%w: type %q initiator %q", ErrInvalid, typ, by)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		s := r.sessions[id]
		if s.PatientID == patientID && s.ProviderID == providerID {
			return pkg.CallSession{}, ErrConflict
		}
	}
	if len(r.sessions) >= r.max {
		return pkg.CallSession{}, ErrCapacity
	}

	s := &pkg.CallSession{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		ProviderID:  providerID,
		Type:        typ,
		Status:      pkg.CallRinging,
		InitiatedBy: by,
		CreatedAt:   r.now(),
	}
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	return *s, nil
}

// Accept moves a ringing session to active.  Only the callee may accept.
func (r *Registry) Accept(id string, by pkg.Actor) (pkg.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return pkg.CallSession{}, ErrNoSession
	}
	if s.Status != pkg.CallRinging {
		return *s, ErrNotRinging
	}
	if !s.IsCallee(by) {
		return *s, ErrNotCallee
	}
	s.Status = pkg.CallActive
	return *s, nil
}

// End removes the session.  Ending an absent session is a no-op; the result
// reports whether anything was removed.
func (r *Registry) End(id string) (pkg.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return pkg.CallSession{}, false
	}
	r.removeLocked(id)
	return *s, true
}

// ChangeActiveUser drops every ringing session the actor is neither caller
// nor callee of.  Active sessions are left alone.  It returns the dropped
// sessions.
func (r *Registry) ChangeActiveUser(a pkg.Actor) []pkg.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []pkg.CallSession
	for _, id := range append([]string(nil), r.order...) {
		s := r.sessions[id]
		if s.Status == pkg.CallRinging && !s.Involves(a) {
			dropped = append(dropped, *s)
			r.removeLocked(id)
		}
	}
	return dropped
}

// ForActor returns the oldest session the actor takes part in.
func (r *Registry) ForActor(a pkg.Actor) (pkg.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if s := r.sessions[id]; s.Involves(a) {
			return *s, true
		}
	}
	return pkg.CallSession{}, false
}

// Get returns a session by id.
func (r *Registry) Get(id string) (pkg.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return pkg.CallSession{}, false
	}
	return *s, true
}

// Sessions returns all live sessions in creation order.
func (r *Registry) Sessions() []pkg.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pkg.CallSession, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	return out
}

func (r *Registry) removeLocked(id string) {
	delete(r.sessions, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
