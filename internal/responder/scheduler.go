// Package responder simulates the counterparty: it arms one-shot tasks that
// append a provider reply to a patient's ledger after a fixed delay.
package responder

import (
	"sync"
	"time"

	"carelink/pkg"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stopper cancels a scheduled function.  *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Timer runs fn once after d without blocking the caller.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) Stopper
}

// RealTimer schedules with time.AfterFunc.
type RealTimer struct{}

func (RealTimer) AfterFunc(d time.Duration, fn func()) Stopper {
	return time.AfterFunc(d, fn)
}

// Task is one armed reply.  The reply is decided when the task is armed.
type Task struct {
	ID            string
	PatientID     int64
	ArmedAt       time.Time
	Reply         pkg.ChatMessage
	PlaceholderID int64
}

// Token lets the caller of Arm cancel the task it armed.
type Token struct {
	ID string
	s  *Scheduler
}

// Cancel stops the task.  It reports false if the task already fired or was
// cancelled.
func (t Token) Cancel() bool {
	if t.s == nil {
		return false
	}
	return t.s.cancel(t.ID)
}

type entry struct {
	task Task
	stop Stopper
}

// Scheduler arms and tracks pending reply tasks.
type Scheduler struct {
	mu      sync.Mutex
	timer   Timer
	delay   time.Duration
	deliver func(Task)
	now     func() time.Time
	pending map[string]*entry
	log     zerolog.Logger
}

// NewScheduler builds a Scheduler that calls deliver for each task that
// fires.  deliver runs on the timer's goroutine.
func NewScheduler(timer Timer, delay time.Duration, deliver func(Task), log zerolog.Logger) *Scheduler {
	if timer == nil {
		timer = RealTimer{}
	}
	return &Scheduler{
		timer:   timer,
		delay:   delay,
		deliver: deliver,
		now:     time.Now,
		pending: make(map[string]*entry),
		log:     log,
	}
}

// Arm schedules a reply for the patient.  ledgerAtAppend must be the ledger
// as it was right after the triggering append; later messages do not change
// which reply is sent.
func (s *Scheduler) Arm(patientID int64, ledgerAtAppend []pkg.ChatMessage, placeholderID int64) Token {
	task := Task{
		ID:            uuid.NewString(),
		PatientID:     patientID,
		ArmedAt:       s.now(),
		Reply:         ChooseReply(ledgerAtAppend),
		PlaceholderID: placeholderID,
	}
	e := &entry{task: task}

	s.mu.Lock()
	s.pending[task.ID] = e
	s.mu.Unlock()

	// Outside the lock: a synchronous timer may fire immediately.
	stop := s.timer.AfterFunc(s.delay, func() { s.fire(task.ID) })

	s.mu.Lock()
	if cur, ok := s.pending[task.ID]; ok {
		cur.stop = stop
	}
	s.mu.Unlock()

	s.log.Debug().Str("task_id", task.ID).Int64("patient_id", patientID).Str("reply_type", string(task.Reply.Type)).Msg("reply armed")
	return Token{ID: task.ID, s: s}
}

// CancelPatient stops every pending task for the patient and returns them.
func (s *Scheduler) CancelPatient(patientID int64) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []Task
	for id, e := range s.pending {
		if e.task.PatientID != patientID {
			continue
		}
		if e.stop != nil {
			e.stop.Stop()
		}
		delete(s.pending, id)
		cancelled = append(cancelled, e.task)
	}
	return cancelled
}

// Pending returns the number of armed tasks for the patient.
func (s *Scheduler) Pending(patientID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.pending {
		if e.task.PatientID == patientID {
			n++
		}
	}
	return n
}

// Stop cancels all pending tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		if e.stop != nil {
			e.stop.Stop()
		}
		delete(s.pending, id)
	}
}

func (s *Scheduler) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return false
	}
	if e.stop != nil {
		e.stop.Stop()
	}
	delete(s.pending, id)
	return true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Debug().Str("task_id", id).Int64("patient_id", e.task.PatientID).Msg("reply firing")
	s.deliver(e.task)
}
