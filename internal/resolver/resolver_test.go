package resolver

import (
	"reflect"
	"testing"

	"carelink/internal/directory"
	"carelink/pkg"
)

func patient(id int64) pkg.Actor  { return pkg.Actor{Role: pkg.RolePatient, ID: id} }
func provider(id int64) pkg.Actor { return pkg.Actor{Role: pkg.RoleProvider, ID: id} }

func session(pid, provID int64, typ pkg.CallType, status pkg.CallStatus, by pkg.Role) pkg.CallSession {
	return pkg.CallSession{ID: "s1", PatientID: pid, ProviderID: provID, Type: typ, Status: status, InitiatedBy: by}
}

func TestResolveCall_TruthTable(t *testing.T) {
	dir := directory.Default()

	tests := []struct {
		name     string
		session  pkg.CallSession
		actor    pkg.Actor
		wantKind pkg.CallViewKind
	}{
		{"ringing callee patient", session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider), patient(7), pkg.CallViewIncoming},
		{"ringing initiator provider", session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider), provider(2), pkg.CallViewOutgoing},
		{"ringing third patient", session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider), patient(1), pkg.CallViewNone},
		{"ringing third provider", session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider), provider(1), pkg.CallViewNone},
		{"same id other role", session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider), provider(7), pkg.CallViewNone},
		{"ringing callee provider", session(3, 2, pkg.CallAudio, pkg.CallRinging, pkg.RolePatient), provider(2), pkg.CallViewIncoming},
		{"ringing initiator patient", session(3, 2, pkg.CallAudio, pkg.CallRinging, pkg.RolePatient), patient(3), pkg.CallViewOutgoing},
		{"active patient", session(3, 2, pkg.CallAudio, pkg.CallActive, pkg.RolePatient), patient(3), pkg.CallViewActive},
		{"active provider", session(3, 2, pkg.CallAudio, pkg.CallActive, pkg.RolePatient), provider(2), pkg.CallViewActive},
		{"active third", session(3, 2, pkg.CallAudio, pkg.CallActive, pkg.RolePatient), patient(9), pkg.CallViewNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ResolveCall([]pkg.CallSession{tt.session}, tt.actor, dir)
			if v.Kind != tt.wantKind {
				t.Fatalf("got %s, want %s", v.Kind, tt.wantKind)
			}
			if tt.wantKind == pkg.CallViewNone && v.Session != nil {
				t.Error("none view should carry no session")
			}
			if tt.wantKind != pkg.CallViewNone && (v.Session == nil || v.Session.ID != tt.session.ID) {
				t.Errorf("expected session %s, got %+v", tt.session.ID, v.Session)
			}
		})
	}
}

func TestResolveCall_NoSession(t *testing.T) {
	v := ResolveCall(nil, patient(1), directory.Default())
	if v.Kind != pkg.CallViewNone {
		t.Errorf("expected none, got %s", v.Kind)
	}
}

func TestResolveCall_IncomingCallerIdentity(t *testing.T) {
	dir := directory.Default()
	v := ResolveCall([]pkg.CallSession{session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider)}, patient(7), dir)

	want, _ := dir.Profile(provider(2))
	if v.Caller == nil || *v.Caller != want {
		t.Errorf("expected caller %+v, got %+v", want, v.Caller)
	}
}

func TestResolveCall_MissingCallerRendersNothing(t *testing.T) {
	// Provider 42 is not in the directory.
	s := session(7, 42, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider)
	v := ResolveCall([]pkg.CallSession{s}, patient(7), directory.Default())
	if v.Kind != pkg.CallViewNone {
		t.Errorf("expected none for unknown caller, got %s", v.Kind)
	}
}

func TestResolveCall_ActiveAvatars(t *testing.T) {
	dir := directory.Default()

	video := ResolveCall([]pkg.CallSession{session(1, 1, pkg.CallVideo, pkg.CallActive, pkg.RolePatient)}, patient(1), dir)
	if video.Local == nil || video.Remote == nil {
		t.Fatalf("video call should show both avatars: %+v", video)
	}
	if video.Local.Role != pkg.RolePatient || video.Remote.Role != pkg.RoleProvider {
		t.Errorf("avatars swapped: local %+v remote %+v", video.Local, video.Remote)
	}

	audio := ResolveCall([]pkg.CallSession{session(1, 1, pkg.CallAudio, pkg.CallActive, pkg.RolePatient)}, provider(1), dir)
	if audio.Local != nil || audio.Remote == nil {
		t.Fatalf("audio call should show the remote avatar only: %+v", audio)
	}
	if audio.Remote.Role != pkg.RolePatient || audio.Remote.ID != 1 {
		t.Errorf("unexpected remote %+v", audio.Remote)
	}
}

func TestResolveCall_IncomingBeatsOutgoing(t *testing.T) {
	dir := directory.Default()
	out := session(1, 1, pkg.CallAudio, pkg.CallRinging, pkg.RolePatient)
	out.ID = "out"
	in := session(1, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider)
	in.ID = "in"

	v := ResolveCall([]pkg.CallSession{out, in}, patient(1), dir)
	if v.Kind != pkg.CallViewIncoming || v.Session.ID != "in" {
		t.Errorf("expected incoming to win, got %s %+v", v.Kind, v.Session)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	dir := directory.Default()
	st := State{
		Sessions: []pkg.CallSession{session(7, 2, pkg.CallVideo, pkg.CallRinging, pkg.RoleProvider)},
		Records:  map[int64]pkg.AppointmentRecord{7: {ProviderID: 2, Date: "2026-10-20", Time: "10:00 AM"}},
		Ledgers: map[int64][]pkg.ChatMessage{
			7: {{ID: 1, Sender: pkg.SenderPatient, Type: pkg.MessageText, Text: "Hi"}},
		},
	}
	a := Resolve(st, patient(7), dir)
	b := Resolve(st, patient(7), dir)
	if !reflect.DeepEqual(a, b) {
		t.Error("same input produced different views")
	}
	if len(st.Sessions) != 1 || st.Sessions[0].Status != pkg.CallRinging {
		t.Error("state was mutated")
	}
}

func TestResolveChat_Patient(t *testing.T) {
	dir := directory.Default()
	st := State{
		Records: map[int64]pkg.AppointmentRecord{1: {ProviderID: 1, Date: "2026-10-20", Time: "10:00 AM"}},
		Ledgers: map[int64][]pkg.ChatMessage{
			1: {{ID: 1, Sender: pkg.SenderPatient, Type: pkg.MessageText, Text: "Hello"}},
		},
	}

	v := ResolveChat(st, patient(1), dir)
	if v.Appointment == nil {
		t.Fatal("expected appointment view")
	}
	if v.Appointment.Provider == nil || v.Appointment.Provider.ID != 1 {
		t.Errorf("unexpected provider %+v", v.Appointment.Provider)
	}
	if v.Appointment.Time != "10:00 AM" || len(v.Appointment.Messages) != 1 {
		t.Errorf("unexpected appointment %+v", v.Appointment)
	}
	if v.Threads != nil {
		t.Error("patients do not get threads")
	}

	// Another patient sees nothing of patient 1.
	if other := ResolveChat(st, patient(2), dir); other.Appointment != nil {
		t.Errorf("patient 2 should have no appointment, got %+v", other.Appointment)
	}
}

func TestResolveChat_ProviderThreads(t *testing.T) {
	dir := directory.Default()
	st := State{
		Ledgers: map[int64][]pkg.ChatMessage{
			7: {
				{ID: 1, Sender: pkg.SenderPatient, Type: pkg.MessageText, Text: "Hello"},
				{ID: 2, Sender: pkg.SenderProvider, Type: pkg.MessageDiet},
				{ID: 3, Sender: pkg.SenderProvider, Type: pkg.MessageText, IsLoading: true},
			},
		},
	}

	v := ResolveChat(st, provider(2), dir)
	if len(v.Threads) != 3 {
		t.Fatalf("expected 3 threads for provider 2, got %d", len(v.Threads))
	}
	var thread pkg.ThreadPreview
	for _, th := range v.Threads {
		if th.Patient.ID == 7 {
			thread = th
		}
	}
	if thread.LastMessage != "Diet plan" || thread.LastMessageID != 2 {
		t.Errorf("unexpected preview %+v", thread)
	}
	if thread.PatientMessages != 1 || len(thread.Messages) != 3 {
		t.Errorf("unexpected counts %+v", thread)
	}
}

func TestPreview_Empty(t *testing.T) {
	tp := Preview(pkg.Patient{ID: 4, Name: "Sneha"}, nil)
	if tp.LastMessage != "" || tp.LastMessageID != 0 || tp.PatientMessages != 0 {
		t.Errorf("unexpected preview %+v", tp)
	}
	if tp.Messages == nil || len(tp.Messages) != 0 {
		t.Errorf("expected empty non-nil messages, got %v", tp.Messages)
	}
}
