package directory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"carelink/pkg"
)

func TestDefault(t *testing.T) {
	d := Default()

	p, ok := d.Patient(7)
	if !ok {
		t.Fatal("expected patient 7 in the default seed")
	}
	if p.AssignedProviderID != 2 {
		t.Errorf("expected patient 7 assigned to provider 2, got %d", p.AssignedProviderID)
	}
	prov, ok := d.AssignedProvider(1)
	if !ok || prov.ID != 1 {
		t.Errorf("expected patient 1 assigned to provider 1, got %+v", prov)
	}
	if _, ok := d.Provider(99); ok {
		t.Error("unexpected provider 99")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("providers: [")); err == nil {
		t.Error("expected yaml error")
	}
	dup := `
providers:
  - {id: 1, name: A}
  - {id: 1, name: B}
`
	if _, err := Parse([]byte(dup)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.yaml")
	content := `
providers:
  - {id: 5, name: Dr. Test}
patients:
  - {id: 10, name: Pat, assigned_provider_id: 5}
  - {id: 11, name: Sam}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	patients := d.PatientsOf(5)
	if len(patients) != 1 || patients[0].ID != 10 {
		t.Errorf("unexpected patients of provider 5: %+v", patients)
	}
	sam, _ := d.Patient(11)
	if sam.AssignedProviderID != DefaultProviderID || sam.Relationship != "Self" {
		t.Errorf("defaults not applied: %+v", sam)
	}
}

func TestPatientsOf_Ordered(t *testing.T) {
	d := Default()
	patients := d.PatientsOf(2)
	if len(patients) != 3 {
		t.Fatalf("expected 3 patients for provider 2, got %d", len(patients))
	}
	for i := 1; i < len(patients); i++ {
		if patients[i].ID <= patients[i-1].ID {
			t.Errorf("patients not ordered: %v", patients)
		}
	}
}

func TestProfile(t *testing.T) {
	d := Default()
	tests := []struct {
		actor  pkg.Actor
		wantOK bool
	}{
		{pkg.Actor{Role: pkg.RolePatient, ID: 1}, true},
		{pkg.Actor{Role: pkg.RoleProvider, ID: 2}, true},
		{pkg.Actor{Role: pkg.RoleProvider, ID: 42}, false},
		{pkg.Actor{Role: "admin", ID: 1}, false},
	}
	for _, tt := range tests {
		prof, ok := d.Profile(tt.actor)
		if ok != tt.wantOK {
			t.Errorf("Profile(%+v) ok=%v, want %v", tt.actor, ok, tt.wantOK)
		}
		if ok && (prof.Role != tt.actor.Role || prof.ID != tt.actor.ID || prof.Name == "") {
			t.Errorf("unexpected profile %+v", prof)
		}
	}
}

func TestAddPatient_AssignsID(t *testing.T) {
	d := New()
	a, err := d.AddPatient(pkg.Patient{Name: "A"})
	if err != nil {
		t.Fatalf("AddPatient failed: %v", err)
	}
	b, _ := d.AddPatient(pkg.Patient{Name: "B"})
	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Errorf("expected distinct ids, got %d and %d", a.ID, b.ID)
	}
	if _, err := d.AddPatient(pkg.Patient{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if _, err := d.AddProvider(pkg.Provider{ID: 3, Name: "P"}); err != nil {
		t.Fatalf("AddProvider failed: %v", err)
	}
	if _, err := d.AddProvider(pkg.Provider{ID: 3, Name: "Q"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}
