// Package ledger keeps the per-patient chat ledgers and the appointment
// records they belong to.  Every mutation of a patient that has an
// appointment is written through to the durable store as a whole record
// before the call returns.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"carelink/internal/db"
	"carelink/pkg"

	"github.com/rs/zerolog"
)

var (
	// ErrDegraded wraps durable store failures.  The in-memory ledger kept
	// the mutation; the durable copy is stale until the next successful write.
	ErrDegraded = errors.New("ledger: durable store unavailable, running memory-only")
	// ErrInvalidMessage is returned for unknown senders or message types.
	ErrInvalidMessage = errors.New("ledger: invalid message")
)

// ChatTime is the time label of an appointment opened implicitly by chat.
const ChatTime = "Chat"

// Clock is the time source used for message ids.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Ledger owns the in-memory ledgers and appointment records.
type Ledger struct {
	mu     sync.Mutex
	store  db.Store
	prefix string
	clock  Clock
	log    zerolog.Logger

	lastID   int64
	messages map[int64][]pkg.ChatMessage
	records  map[int64]*pkg.AppointmentRecord
	loaded   map[int64]bool
	degraded map[int64]bool

	// pendingDelete marks cancelled appointments whose durable copy could
	// not be removed yet.
	pendingDelete map[int64]bool
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock used for ids.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithKeyPrefix namespaces durable keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.prefix = prefix }
}

// New constructs a Ledger over store.
func New(store db.Store, log zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		clock:    systemClock{},
		log:      log,
		messages: make(map[int64][]pkg.ChatMessage),
		records:  make(map[int64]*pkg.AppointmentRecord),
		loaded:   make(map[int64]bool),
		degraded: make(map[int64]bool),

		pendingDelete: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reconstructs the patient's ledger from durable storage the first time
// it is called for that patient; later calls return the in-memory ledger.
func (l *Ledger) Load(ctx context.Context, patientID int64) ([]pkg.ChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(ctx, patientID); err != nil {
		return cloneMessages(l.messages[patientID]), err
	}
	return cloneMessages(l.messages[patientID]), nil
}

// Append assigns the next id to msg, appends it to the patient's ledger and,
// when the patient has an appointment, writes the whole record through.  The
// returned message is the stored copy.  A non-nil error wrapping ErrDegraded
// still means the message was appended in memory.
func (l *Ledger) Append(ctx context.Context, patientID int64, msg pkg.ChatMessage) (pkg.ChatMessage, error) {
	if !msg.Sender.Valid() || !msg.Type.Valid() {
		return pkg.ChatMessage{}, fmt.Errorf("%w: sender %q type %q", ErrInvalidMessage, msg.Sender, msg.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loadErr := l.ensureLoaded(ctx, patientID)
	stored := l.appendLocked(patientID, msg)
	if loadErr != nil {
		// Writing now would clobber a durable ledger we never read.
		return stored, loadErr
	}
	return stored, l.persistLocked(ctx, patientID)
}

// AppendPlaceholder adds a loading placeholder authored by sender.  It is
// never persisted and is expected to be swapped out by Replace.
func (l *Ledger) AppendPlaceholder(ctx context.Context, patientID int64, sender pkg.Sender) (pkg.ChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.ensureLoaded(ctx, patientID)
	msg := pkg.ChatMessage{
		ID:        l.nextID(),
		Sender:    sender,
		Type:      pkg.MessageText,
		IsLoading: true,
	}
	l.messages[patientID] = append(l.messages[patientID], msg)
	return msg, err
}

// Replace removes the placeholder (if it is still there) and appends msg in
// its place through the regular append path.
func (l *Ledger) Replace(ctx context.Context, patientID, placeholderID int64, msg pkg.ChatMessage) (pkg.ChatMessage, error) {
	if !msg.Sender.Valid() || !msg.Type.Valid() {
		return pkg.ChatMessage{}, fmt.Errorf("%w: sender %q type %q", ErrInvalidMessage, msg.Sender, msg.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	loadErr := l.ensureLoaded(ctx, patientID)
	l.removeLocked(patientID, placeholderID)
	stored := l.appendLocked(patientID, msg)
	if loadErr != nil {
		return stored, loadErr
	}
	return stored, l.persistLocked(ctx, patientID)
}

// Discard drops a placeholder without replacing it.
func (l *Ledger) Discard(patientID, placeholderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(patientID, placeholderID)
}

// Book creates a fresh appointment with an empty ledger, replacing any
// previous record and its durable copy.
func (l *Ledger) Book(ctx context.Context, patientID, providerID int64, date, at string) (pkg.AppointmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Booking overwrites, so a failed read does not matter.
	l.loaded[patientID] = true
	l.records[patientID] = &pkg.AppointmentRecord{ProviderID: providerID, Date: date, Time: at}
	l.messages[patientID] = nil

	err := l.persistLocked(ctx, patientID)
	return l.recordLocked(patientID), err
}

// OpenChat creates an appointment record labelled ChatTime when the patient
// has none.  It reports whether a record was created.  The record is written
// by the next Append.
func (l *Ledger) OpenChat(ctx context.Context, patientID, providerID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.ensureLoaded(ctx, patientID)
	if _, ok := l.records[patientID]; ok {
		return false, err
	}
	l.records[patientID] = &pkg.AppointmentRecord{
		ProviderID: providerID,
		Date:       l.clock.Now().Format(time.DateOnly),
		Time:       ChatTime,
	}
	return true, err
}

// Cancel deletes the appointment and clears the ledger.
func (l *Ledger) Cancel(ctx context.Context, patientID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loaded[patientID] = true
	delete(l.records, patientID)
	l.messages[patientID] = nil
	l.pendingDelete[patientID] = true

	return l.persistLocked(ctx, patientID)
}

// Refresh replaces the in-memory record with the durable one, for records
// rewritten by another process.  Loading placeholders survive.  A degraded
// patient keeps the memory copy, which is the newer one.
func (l *Ledger) Refresh(ctx context.Context, patientID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded[patientID] {
		return nil
	}

	var placeholders []pkg.ChatMessage
	for _, m := range l.messages[patientID] {
		if m.IsLoading {
			placeholders = append(placeholders, m)
		}
	}

	data, err := l.store.Get(ctx, l.key(patientID))
	if errors.Is(err, db.ErrNotFound) {
		delete(l.records, patientID)
		l.messages[patientID] = placeholders
		l.loaded[patientID] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh ledger for patient %d: %w", patientID, err)
	}
	var record pkg.AppointmentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode appointment for patient %d: %w", patientID, err)
	}
	msgs := record.Ledger
	record.Ledger = nil
	l.records[patientID] = &record
	l.messages[patientID] = append(msgs, placeholders...)
	for _, m := range msgs {
		if m.ID > l.lastID {
			l.lastID = m.ID
		}
	}
	l.loaded[patientID] = true
	return nil
}

// Snapshot returns a copy of the in-memory ledger.
func (l *Ledger) Snapshot(patientID int64) []pkg.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneMessages(l.messages[patientID])
}

// Record returns a copy of the patient's appointment with its ledger.
func (l *Ledger) Record(patientID int64) (pkg.AppointmentRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[patientID]; !ok {
		return pkg.AppointmentRecord{}, false
	}
	return l.recordLocked(patientID), true
}

// Degraded reports whether the last durable write for the patient failed.
func (l *Ledger) Degraded(patientID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded[patientID]
}

// CountBySender counts messages authored by sender, ignoring placeholders.
func CountBySender(msgs []pkg.ChatMessage, sender pkg.Sender) int {
	n := 0
	for _, m := range msgs {
		if m.Sender == sender && !m.IsLoading {
			n++
		}
	}
	return n
}

func (l *Ledger) key(patientID int64) string {
	return db.AppointmentKey(l.prefix, patientID)
}

// nextID is wall-clock derived but strictly increasing.
func (l *Ledger) nextID() int64 {
	id := l.clock.Now().UnixMilli()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	l.lastID = id
	return id
}

func (l *Ledger) appendLocked(patientID int64, msg pkg.ChatMessage) pkg.ChatMessage {
	msg.ID = l.nextID()
	msg.IsLoading = false
	if msg.Data != nil {
		msg.Data = append(json.RawMessage(nil), msg.Data...)
	}
	l.messages[patientID] = append(l.messages[patientID], msg)
	return msg
}

func (l *Ledger) removeLocked(patientID, id int64) {
	msgs := l.messages[patientID]
	for i, m := range msgs {
		if m.ID == id && m.IsLoading {
			l.messages[patientID] = append(msgs[:i:i], msgs[i+1:]...)
			return
		}
	}
}

func (l *Ledger) ensureLoaded(ctx context.Context, patientID int64) error {
	if l.loaded[patientID] {
		return nil
	}
	data, err := l.store.Get(ctx, l.key(patientID))
	if errors.Is(err, db.ErrNotFound) {
		l.loaded[patientID] = true
		return nil
	}
	if err != nil {
		l.degraded[patientID] = true
		l.log.Error().Err(err).Int64("patient_id", patientID).Msg("ledger load failed")
		return fmt.Errorf("load ledger for patient %d: %w", patientID, errors.Join(ErrDegraded, err))
	}

	var record pkg.AppointmentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt record is not recoverable by retrying.
		l.loaded[patientID] = true
		l.log.Error().Err(err).Int64("patient_id", patientID).Msg("discarding unreadable appointment record")
		return nil
	}
	msgs := record.Ledger
	record.Ledger = nil
	l.records[patientID] = &record
	// Earlier in-memory messages (sent while the store was down) stay after
	// the durable ones.
	l.messages[patientID] = append(msgs, l.messages[patientID]...)
	for _, m := range msgs {
		if m.ID > l.lastID {
			l.lastID = m.ID
		}
	}
	l.loaded[patientID] = true
	delete(l.degraded, patientID)
	return nil
}

// persistLocked writes the whole record.  Patients without an appointment
// have nothing durable, unless a cancelled record still has to be deleted.
func (l *Ledger) persistLocked(ctx context.Context, patientID int64) error {
	if _, ok := l.records[patientID]; !ok {
		if !l.pendingDelete[patientID] {
			return nil
		}
		if err := l.store.Delete(ctx, l.key(patientID)); err != nil {
			l.degraded[patientID] = true
			l.log.Error().Err(err).Int64("patient_id", patientID).Msg("appointment delete failed")
			return fmt.Errorf("delete appointment for patient %d: %w", patientID, errors.Join(ErrDegraded, err))
		}
		delete(l.pendingDelete, patientID)
		delete(l.degraded, patientID)
		return nil
	}
	record := l.recordLocked(patientID)
	durable := record.Ledger[:0]
	for _, m := range record.Ledger {
		if !m.IsLoading {
			durable = append(durable, m)
		}
	}
	record.Ledger = durable

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode appointment for patient %d: %w", patientID, err)
	}
	if err := l.store.Put(ctx, l.key(patientID), data); err != nil {
		l.degraded[patientID] = true
		l.log.Error().Err(err).Int64("patient_id", patientID).Msg("ledger write-through failed")
		return fmt.Errorf("persist ledger for patient %d: %w", patientID, errors.Join(ErrDegraded, err))
	}
	delete(l.pendingDelete, patientID)
	delete(l.degraded, patientID)
	return nil
}

func (l *Ledger) recordLocked(patientID int64) pkg.AppointmentRecord {
	rec := *l.records[patientID]
	rec.Ledger = cloneMessages(l.messages[patientID])
	if rec.Ledger == nil {
		rec.Ledger = []pkg.ChatMessage{}
	}
	return rec
}

func cloneMessages(msgs []pkg.ChatMessage) []pkg.ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]pkg.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
