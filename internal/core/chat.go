package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carelink/internal/ledger"
	"carelink/internal/responder"
	"carelink/pkg"
)

// deliverTimeout bounds the durable write of a reply fired by the timer.
const deliverTimeout = 10 * time.Second

// ReplyToken identifies the deferred reply armed by SendMessage.  The zero
// token means no reply was armed.
type ReplyToken struct {
	ID string
	c  *Coordinator
}

// Cancel stops the reply and removes its placeholder.  It reports false if
// the reply already fired or was cancelled.
func (t ReplyToken) Cancel() bool {
	if t.c == nil || t.ID == "" {
		return false
	}
	return t.c.CancelReply(t.ID)
}

// Message is the input of SendMessage.  Type defaults to text.
type Message struct {
	Text   string
	Sender pkg.Sender
	Type   pkg.MessageType
	Data   json.RawMessage
}

// SendMessage appends a message to the patient's ledger.  A patient message
// arms a provider reply when the patient's assigned provider resolves; the
// returned token cancels that reply.  An error wrapping ledger.ErrDegraded
// means the message is kept in memory but not durable.
func (c *Coordinator) SendMessage(ctx context.Context, patientID int64, m Message) (ReplyToken, error) {
	if m.Type == "" {
		m.Type = pkg.MessageText
	}
	if !m.Sender.Valid() || !m.Type.Valid() {
		return ReplyToken{}, fmt.Errorf("%w: sender %q type %q", ledger.ErrInvalidMessage, m.Sender, m.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	provider, hasProvider := c.dir.AssignedProvider(patientID)
	if hasProvider {
		if created, err := c.ledger.OpenChat(ctx, patientID, provider.ID); created {
			c.log.Debug().Int64("patient_id", patientID).Int64("provider_id", provider.ID).Msg("opened chat appointment")
		} else if err != nil {
			c.log.Debug().Err(err).Int64("patient_id", patientID).Msg("opening chat on a degraded ledger")
		}
	}

	_, err := c.ledger.Append(ctx, patientID, pkg.ChatMessage{Sender: m.Sender, Type: m.Type, Text: m.Text, Data: m.Data})
	if err != nil && !errors.Is(err, ledger.ErrDegraded) {
		return ReplyToken{}, err
	}

	var tok ReplyToken
	switch {
	case m.Sender != pkg.SenderPatient:
	case !hasProvider:
		c.log.Warn().Int64("patient_id", patientID).Msg("no assigned provider, reply skipped")
	default:
		tok = c.armReplyLocked(ctx, patientID)
	}

	c.publishViewLocked(ctx, EventView)
	return tok, err
}

// armReplyLocked schedules the provider reply for the message just appended.
func (c *Coordinator) armReplyLocked(ctx context.Context, patientID int64) ReplyToken {
	snapshot := c.ledger.Snapshot(patientID)

	var placeholderID int64
	if c.cfg.TypingIndicator {
		ph, err := c.ledger.AppendPlaceholder(ctx, patientID, pkg.SenderProvider)
		if err != nil {
			c.log.Debug().Err(err).Int64("patient_id", patientID).Msg("placeholder on a degraded ledger")
		}
		placeholderID = ph.ID
	}

	tok := c.replies.Arm(patientID, snapshot, placeholderID)
	c.armed[tok.ID] = pendingReply{patientID: patientID, placeholderID: placeholderID, token: tok}
	return ReplyToken{ID: tok.ID, c: c}
}

// deliver runs on the timer goroutine when a reply fires.
func (c *Coordinator) deliver(task responder.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.armed[task.ID]; !ok {
		// Cancelled after the timer fired but before we got the lock.
		return
	}
	delete(c.armed, task.ID)

	if provider, ok := c.dir.AssignedProvider(task.PatientID); ok {
		c.ledger.OpenChat(ctx, task.PatientID, provider.ID)
	}

	var (
		stored pkg.ChatMessage
		err    error
	)
	if task.PlaceholderID != 0 {
		stored, err = c.ledger.Replace(ctx, task.PatientID, task.PlaceholderID, task.Reply)
	} else {
		stored, err = c.ledger.Append(ctx, task.PatientID, task.Reply)
	}
	log := c.log.With().Str("task_id", task.ID).Int64("patient_id", task.PatientID).Logger()
	if err != nil {
		log.Error().Err(err).Msg("reply delivery degraded")
	} else {
		log.Info().Int64("message_id", stored.ID).Str("type", string(stored.Type)).Msg("reply delivered")
	}

	if c.isForeground(pkg.Actor{Role: pkg.RolePatient, ID: task.PatientID}) {
		c.publishViewLocked(ctx, EventReply)
	}
}

// CancelReply stops an armed reply by token id and removes its placeholder.
func (c *Coordinator) CancelReply(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.armed[id]
	if !ok {
		return false
	}
	delete(c.armed, id)
	p.token.Cancel()
	if p.placeholderID != 0 {
		c.ledger.Discard(p.patientID, p.placeholderID)
	}
	return true
}

// ReplyPatient returns the patient an armed reply belongs to.
func (c *Coordinator) ReplyPatient(id string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.armed[id]
	return p.patientID, ok
}

// cancelRepliesLocked drops every pending reply of the patient.
func (c *Coordinator) cancelRepliesLocked(patientID int64) {
	for _, task := range c.replies.CancelPatient(patientID) {
		delete(c.armed, task.ID)
		if task.PlaceholderID != 0 {
			c.ledger.Discard(patientID, task.PlaceholderID)
		}
		c.log.Debug().Str("task_id", task.ID).Int64("patient_id", patientID).Msg("pending reply cancelled")
	}
	// Tasks that already fired and wait for the lock.
	for id, p := range c.armed {
		if p.patientID == patientID {
			delete(c.armed, id)
		}
	}
}

// PendingReplies counts armed replies for the patient.
func (c *Coordinator) PendingReplies(patientID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.armed {
		if p.patientID == patientID {
			n++
		}
	}
	return n
}

// BookAppointment starts a new appointment with an empty ledger, replacing
// any previous one.  An unknown provider leaves state unchanged and returns
// ErrUnknownProvider.
func (c *Coordinator) BookAppointment(ctx context.Context, patientID, providerID int64, date, at string) error {
	if _, ok := c.dir.Provider(providerID); !ok {
		c.log.Warn().Int64("patient_id", patientID).Int64("provider_id", providerID).Msg("booking with unknown provider ignored")
		return fmt.Errorf("%w: %d", ErrUnknownProvider, providerID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.CancelOnAppointmentEnd {
		c.cancelRepliesLocked(patientID)
	}
	_, err := c.ledger.Book(ctx, patientID, providerID, date, at)
	c.log.Info().Int64("patient_id", patientID).Int64("provider_id", providerID).Str("date", date).Str("time", at).Msg("appointment booked")
	c.publishViewLocked(ctx, EventView)
	return err
}

// CancelAppointment removes the patient's appointment and clears the ledger.
func (c *Coordinator) CancelAppointment(ctx context.Context, patientID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.CancelOnAppointmentEnd {
		c.cancelRepliesLocked(patientID)
	}
	err := c.ledger.Cancel(ctx, patientID)
	c.log.Info().Int64("patient_id", patientID).Msg("appointment cancelled")
	c.publishViewLocked(ctx, EventView)
	return err
}
