package pkg

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies which side of a consultation an actor is on.
type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProvider
}

// Opposite returns the counterparty role.
func (r Role) Opposite() Role {
	if r == RolePatient {
		return RoleProvider
	}
	return RolePatient
}

// Actor is the currently authenticated participant.  Identity is role plus
// numeric id; a patient and a provider may share the same id.
type Actor struct {
	Role Role  `json:"role"`
	ID   int64 `json:"id"`
}

// Patient is a directory record for a patient profile.
type Patient struct {
	ID                 int64  `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	Age                int    `json:"age,omitempty" yaml:"age"`
	Gender             string `json:"gender,omitempty" yaml:"gender"`
	PhotoURL           string `json:"photo_url,omitempty" yaml:"photo_url"`
	AssignedProviderID int64  `json:"assigned_provider_id" yaml:"assigned_provider_id"`
	ConsultationType   string `json:"consultation_type,omitempty" yaml:"consultation_type"`
	Relationship       string `json:"relationship,omitempty" yaml:"relationship"`
}

// Provider is a directory record for a dietitian or doctor.
type Provider struct {
	ID        int64  `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Specialty string `json:"specialty,omitempty" yaml:"specialty"`
	Degree    string `json:"degree,omitempty" yaml:"degree"`
	PhotoURL  string `json:"photo_url,omitempty" yaml:"photo_url"`
	Online    bool   `json:"online" yaml:"online"`
}

// Profile is the display identity shown on call screens.
type Profile struct {
	Role     Role   `json:"role"`
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Sender describes who authored a chat message.
type Sender string

const (
	SenderPatient  Sender = "patient"
	SenderProvider Sender = "provider"
	SenderBot      Sender = "bot"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderPatient, SenderProvider, SenderBot:
		return true
	}
	return false
}

// MessageType selects how the payload in ChatMessage.Data is interpreted.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageDocument     MessageType = "document"
	MessagePrescription MessageType = "prescription"
	MessageDiet         MessageType = "diet"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageDocument, MessagePrescription, MessageDiet:
		return true
	}
	return false
}

// ChatMessage is one entry of a patient's ledger.  Once persisted its ID and
// Sender never change.  IsLoading marks a placeholder that lives only in
// memory and is replaced when the real message arrives.
type ChatMessage struct {
	ID        int64           `json:"id"`
	Sender    Sender          `json:"sender"`
	Type      MessageType     `json:"type"`
	Text      string          `json:"text"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsLoading bool            `json:"is_loading,omitempty"`
}

// AppointmentRecord is the single live appointment of a patient together
// with its chat ledger.  It is the unit written to the durable store.
type AppointmentRecord struct {
	ProviderID int64         `json:"provider_id"`
	Date       string        `json:"date"`
	Time       string        `json:"time"`
	Ledger     []ChatMessage `json:"chat_history"`
}

// FoodItem is one entry of a diet plan meal.
type FoodItem struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Prakriti string          `json:"prakriti"`
	Rasa     string          `json:"rasa"`
	Calories decimal.Decimal `json:"calories"`
	Protein  decimal.Decimal `json:"protein"`
}

// DietPlan is the payload of a MessageDiet message.
type DietPlan struct {
	TotalCalories decimal.Decimal       `json:"total_calories"`
	TotalProtein  decimal.Decimal       `json:"total_protein"`
	Meals         map[string][]FoodItem `json:"meals"`
}

// CallType is the media kind of a call.
type CallType string

const (
	CallVideo CallType = "video"
	CallAudio CallType = "audio"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallVideo || t == CallAudio
}

// CallStatus is the lifecycle state of a live call session.  An ended call
// is not represented; it is simply absent.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
)

// CallSession is a signaling record shared by a patient and a provider.
type CallSession struct {
	ID          string     `json:"id"`
	PatientID   int64      `json:"patient_id"`
	ProviderID  int64      `json:"provider_id"`
	Type        CallType   `json:"type"`
	Status      CallStatus `json:"status"`
	InitiatedBy Role       `json:"initiated_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Involves reports whether the actor is the patient or the provider of the
// session.
func (s CallSession) Involves(a Actor) bool {
	switch a.Role {
	case RolePatient:
		return a.ID == s.PatientID
	case RoleProvider:
		return a.ID == s.ProviderID
	}
	return false
}

// IsInitiator reports whether the actor started the call.
func (s CallSession) IsInitiator(a Actor) bool {
	return a.Role == s.InitiatedBy && s.Involves(a)
}

// IsCallee reports whether the actor is the side being called.
func (s CallSession) IsCallee(a Actor) bool {
	return a.Role != s.InitiatedBy && s.Involves(a)
}

// CallViewKind tags which call screen an actor should see.
type CallViewKind string

const (
	CallViewNone     CallViewKind = "none"
	CallViewIncoming CallViewKind = "incoming"
	CallViewOutgoing CallViewKind = "outgoing"
	CallViewActive   CallViewKind = "active"
)

// CallView is the per-actor projection of the call registry.
type CallView struct {
	Kind    CallViewKind `json:"kind"`
	Session *CallSession `json:"session,omitempty"`
	Caller  *Profile     `json:"caller,omitempty"`
	Local   *Profile     `json:"local,omitempty"`
	Remote  *Profile     `json:"remote,omitempty"`
}

// ThreadPreview is shown to a provider for every assigned patient.
type ThreadPreview struct {
	Patient         Patient       `json:"patient"`
	Messages        []ChatMessage `json:"messages"`
	LastMessage     string        `json:"last_message,omitempty"`
	LastMessageID   int64         `json:"last_message_id,omitempty"`
	PatientMessages int           `json:"patient_messages"`
}

// AppointmentView is the patient's own appointment as rendered.
type AppointmentView struct {
	Provider *Provider     `json:"provider,omitempty"`
	Date     string        `json:"date"`
	Time     string        `json:"time"`
	Messages []ChatMessage `json:"messages"`
}

// ChatView is the per-actor projection of the ledgers.
type ChatView struct {
	Appointment *AppointmentView `json:"appointment,omitempty"`
	Threads     []ThreadPreview  `json:"threads,omitempty"`
}

// View is what getViewForActor returns.
type View struct {
	Actor Actor    `json:"actor"`
	Call  CallView `json:"call"`
	Chat  ChatView `json:"chat"`
}
