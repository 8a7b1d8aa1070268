// Package directory resolves patient and provider ids to profiles.
package directory

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"carelink/pkg"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// DefaultProviderID is assigned to patients who sign up without choosing.
const DefaultProviderID = 1

var (
	ErrDuplicate = errors.New("directory: id already registered")
	ErrInvalid   = errors.New("directory: record is missing a name")
)

// Seed is the on-disk layout of a directory file.
type Seed struct {
	Providers []pkg.Provider `yaml:"providers"`
	Patients  []pkg.Patient  `yaml:"patients"`
}

// Directory is an in-memory, concurrency-safe lookup of profiles.
type Directory struct {
	mu        sync.RWMutex
	patients  map[int64]pkg.Patient
	providers map[int64]pkg.Provider
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		patients:  make(map[int64]pkg.Patient),
		providers: make(map[int64]pkg.Provider),
	}
}

// Default returns the directory built from the embedded demo seed.
func Default() *Directory {
	d, err := Parse(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("embedded directory seed is invalid: %v", err))
	}
	return d
}

// LoadFile reads a YAML seed file.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a directory from YAML seed data.
func Parse(data []byte) (*Directory, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	d := New()
	for _, p := range seed.Providers {
		if _, err := d.AddProvider(p); err != nil {
			return nil, err
		}
	}
	for _, p := range seed.Patients {
		if _, err := d.AddPatient(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Patient looks up a patient by id.
func (d *Directory) Patient(id int64) (pkg.Patient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	return p, ok
}

// Provider looks up a provider by id.
func (d *Directory) Provider(id int64) (pkg.Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[id]
	return p, ok
}

// AssignedProvider resolves the provider a patient is assigned to.
func (d *Directory) AssignedProvider(patientID int64) (pkg.Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[patientID]
	if !ok {
		return pkg.Provider{}, false
	}
	prov, ok := d.providers[p.AssignedProviderID]
	return prov, ok
}

// Profile returns the display identity of an actor.
func (d *Directory) Profile(a pkg.Actor) (pkg.Profile, bool) {
	switch a.Role {
	case pkg.RolePatient:
		if p, ok := d.Patient(a.ID); ok {
			return pkg.Profile{Role: a.Role, ID: p.ID, Name: p.Name, PhotoURL: p.PhotoURL}, true
		}
	case pkg.RoleProvider:
		if p, ok := d.Provider(a.ID); ok {
			return pkg.Profile{Role: a.Role, ID: p.ID, Name: p.Name, PhotoURL: p.PhotoURL}, true
		}
	}
	return pkg.Profile{}, false
}

// PatientsOf lists the patients assigned to a provider, ordered by id.
func (d *Directory) PatientsOf(providerID int64) []pkg.Patient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []pkg.Patient
	for _, p := range d.patients {
		if p.AssignedProviderID == providerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PatientIDs lists every patient id, ordered.
func (d *Directory) PatientIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int64, 0, len(d.patients))
	for id := range d.patients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddPatient registers a patient.  A zero id gets the next free id and a
// zero assigned provider falls back to DefaultProviderID.
func (d *Directory) AddPatient(p pkg.Patient) (pkg.Patient, error) {
	if p.Name == "" {
		return pkg.Patient{}, ErrInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.ID == 0 {
		p.ID = nextID(len(d.patients), func(id int64) bool { _, ok := d.patients[id]; return ok })
	} else if _, ok := d.patients[p.ID]; ok {
		return pkg.Patient{}, fmt.Errorf("%w: patient %d", ErrDuplicate, p.ID)
	}
	if p.AssignedProviderID == 0 {
		p.AssignedProviderID = DefaultProviderID
	}
	if p.Relationship == "" {
		p.Relationship = "Self"
	}
	d.patients[p.ID] = p
	return p, nil
}

// AddProvider registers a provider.  A zero id gets the next free id.
func (d *Directory) AddProvider(p pkg.Provider) (pkg.Provider, error) {
	if p.Name == "" {
		return pkg.Provider{}, ErrInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.ID == 0 {
		p.ID = nextID(len(d.providers), func(id int64) bool { _, ok := d.providers[id]; return ok })
	} else if _, ok := d.providers[p.ID]; ok {
		return pkg.Provider{}, fmt.Errorf("%w: provider %d", ErrDuplicate, p.ID)
	}
	d.providers[p.ID] = p
	return p, nil
}

func nextID(n int, taken func(int64) bool) int64 {
	id := int64(n + 1)
	for taken(id) {
		id++
	}
	return id
}
