package core

import (
	"context"

	"carelink/internal/responder"
	"carelink/pkg"
)

// InitiateCall opens a ringing session between the patient and the provider.
// A conflicting session or a full registry leaves state unchanged.
func (c *Coordinator) InitiateCall(ctx context.Context, patientID, providerID int64, typ pkg.CallType, by pkg.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiateLocked(ctx, patientID, providerID, typ, by)
}

func (c *Coordinator) initiateLocked(ctx context.Context, patientID, providerID int64, typ pkg.CallType, by pkg.Role) {
	s, err := c.calls.Initiate(patientID, providerID, typ, by)
	if err != nil {
		c.log.Warn().Err(err).Int64("patient_id", patientID).Int64("provider_id", providerID).
			Str("type", string(typ)).Str("initiated_by", string(by)).Msg("call not initiated")
		return
	}
	c.log.Info().Str("session_id", s.ID).Int64("patient_id", patientID).Int64("provider_id", providerID).
		Str("type", string(typ)).Str("initiated_by", string(by)).Msg("call ringing")
	c.publishViewLocked(ctx, EventCall)
}

// AcceptCall accepts the ringing call addressed to the current actor.
func (c *Coordinator) AcceptCall(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.actor == nil {
		c.log.Warn().Msg("accept without an active user")
		return
	}
	a := *c.actor
	target, ok := c.findSessionLocked(a, func(s pkg.CallSession) bool {
		return s.Status == pkg.CallRinging && s.IsCallee(a)
	})
	if !ok {
		// Falls through to the registry so the reason gets logged.
		target, ok = c.findSessionLocked(a, func(pkg.CallSession) bool { return true })
	}
	if !ok {
		c.log.Warn().Str("role", string(a.Role)).Int64("id", a.ID).Msg("accept with no session")
		return
	}
	s, err := c.calls.Accept(target.ID, a)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", target.ID).Str("role", string(a.Role)).Int64("id", a.ID).Msg("accept rejected")
		return
	}
	c.log.Info().Str("session_id", s.ID).Msg("call active")
	c.publishViewLocked(ctx, EventCall)
}

// EndCall ends the session the current actor takes part in.  Ending when
// there is no session is a no-op.
func (c *Coordinator) EndCall(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.actor == nil {
		return
	}
	s, ok := c.calls.ForActor(*c.actor)
	if !ok {
		c.log.Debug().Msg("end with no session")
		return
	}
	if _, ended := c.calls.End(s.ID); ended {
		c.log.Info().Str("session_id", s.ID).Msg("call ended")
		c.publishViewLocked(ctx, EventCall)
	}
}

// RequestCallback asks the provider to call the current patient back.  After
// the callback delay the provider initiates a video call, provided the same
// patient is still in the foreground.
func (c *Coordinator) RequestCallback(providerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.actor == nil || c.actor.Role != pkg.RolePatient {
		c.log.Warn().Msg("callback requested without a patient logged in")
		return
	}
	if _, ok := c.dir.Provider(providerID); !ok {
		c.log.Warn().Int64("provider_id", providerID).Msg("callback requested from unknown provider")
		return
	}
	if c.closed {
		return
	}
	patient := *c.actor

	var stop responder.Stopper
	fire := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.callbacks, stop)
		if c.closed || !c.isForeground(patient) {
			c.log.Debug().Int64("patient_id", patient.ID).Msg("callback skipped, patient left")
			return
		}
		c.initiateLocked(context.Background(), patient.ID, providerID, pkg.CallVideo, pkg.RoleProvider)
	}
	stop = c.timer.AfterFunc(c.cfg.CallbackDelay, fire)
	c.callbacks[stop] = struct{}{}
	c.log.Info().Int64("patient_id", patient.ID).Int64("provider_id", providerID).Dur("delay", c.cfg.CallbackDelay).Msg("callback requested")
}

func (c *Coordinator) findSessionLocked(a pkg.Actor, match func(pkg.CallSession) bool) (pkg.CallSession, bool) {
	for _, s := range c.calls.Sessions() {
		if s.Involves(a) && match(s) {
			return s, true
		}
	}
	return pkg.CallSession{}, false
}
