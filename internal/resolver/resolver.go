// Package resolver projects the shared call and chat state onto what one
// actor is entitled to see.  Nothing here mutates state: the same State and
// actor always produce the same View.
package resolver

import (
	"carelink/pkg"
)

// Directory is the profile lookup the projection needs.
type Directory interface {
	Profile(a pkg.Actor) (pkg.Profile, bool)
	Provider(id int64) (pkg.Provider, bool)
	PatientsOf(providerID int64) []pkg.Patient
}

// State is a consistent copy of the authoritative state.
type State struct {
	Sessions []pkg.CallSession
	// Records holds appointment records without their ledgers.
	Records map[int64]pkg.AppointmentRecord
	Ledgers map[int64][]pkg.ChatMessage
}

// Resolve builds the full view for actor.
func Resolve(st State, actor pkg.Actor, dir Directory) pkg.View {
	return pkg.View{
		Actor: actor,
		Call:  ResolveCall(st.Sessions, actor, dir),
		Chat:  ResolveChat(st, actor, dir),
	}
}

// ResolveCall picks the call screen for actor.  The branches are checked in
// priority order and are mutually exclusive: incoming, active, outgoing,
// none.  With several sessions the first matching session in the given
// order wins within each branch.
func ResolveCall(sessions []pkg.CallSession, actor pkg.Actor, dir Directory) pkg.CallView {
	for _, s := range sessions {
		if s.Status == pkg.CallRinging && s.IsCallee(actor) {
			caller, ok := dir.Profile(counterpart(s, actor))
			if !ok {
				// Without a caller identity there is nothing to render.
				continue
			}
			return pkg.CallView{Kind: pkg.CallViewIncoming, Session: sessionRef(s), Caller: &caller}
		}
	}
	for _, s := range sessions {
		if s.Status == pkg.CallActive && s.Involves(actor) {
			return activeView(s, actor, dir)
		}
	}
	for _, s := range sessions {
		if s.Status == pkg.CallRinging && s.IsInitiator(actor) {
			v := pkg.CallView{Kind: pkg.CallViewOutgoing, Session: sessionRef(s)}
			if remote, ok := dir.Profile(counterpart(s, actor)); ok {
				v.Remote = &remote
			}
			return v
		}
	}
	return pkg.CallView{Kind: pkg.CallViewNone}
}

func activeView(s pkg.CallSession, actor pkg.Actor, dir Directory) pkg.CallView {
	v := pkg.CallView{Kind: pkg.CallViewActive, Session: sessionRef(s)}
	if remote, ok := dir.Profile(counterpart(s, actor)); ok {
		v.Remote = &remote
	}
	if s.Type == pkg.CallVideo {
		if local, ok := dir.Profile(actor); ok {
			v.Local = &local
		}
	}
	return v
}

// counterpart returns the other participant of s as seen from actor.
func counterpart(s pkg.CallSession, actor pkg.Actor) pkg.Actor {
	if actor.Role == pkg.RolePatient {
		return pkg.Actor{Role: pkg.RoleProvider, ID: s.ProviderID}
	}
	return pkg.Actor{Role: pkg.RolePatient, ID: s.PatientID}
}

func sessionRef(s pkg.CallSession) *pkg.CallSession {
	return &s
}

// ResolveChat builds the chat side of the view.  Patients see their own
// appointment; providers see one thread per assigned patient.
func ResolveChat(st State, actor pkg.Actor, dir Directory) pkg.ChatView {
	switch actor.Role {
	case pkg.RolePatient:
		return pkg.ChatView{Appointment: appointmentView(st, actor.ID, dir)}
	case pkg.RoleProvider:
		patients := dir.PatientsOf(actor.ID)
		threads := make([]pkg.ThreadPreview, 0, len(patients))
		for _, p := range patients {
			threads = append(threads, Preview(p, st.Ledgers[p.ID]))
		}
		return pkg.ChatView{Threads: threads}
	}
	return pkg.ChatView{}
}

func appointmentView(st State, patientID int64, dir Directory) *pkg.AppointmentView {
	msgs := st.Ledgers[patientID]
	rec, ok := st.Records[patientID]
	if !ok && len(msgs) == 0 {
		return nil
	}
	v := &pkg.AppointmentView{Messages: copyMessages(msgs)}
	if ok {
		v.Date, v.Time = rec.Date, rec.Time
		if prov, found := dir.Provider(rec.ProviderID); found {
			v.Provider = &prov
		}
	}
	return v
}

func copyMessages(msgs []pkg.ChatMessage) []pkg.ChatMessage {
	out := make([]pkg.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}
