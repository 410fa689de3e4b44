// Package roster holds the enrolled passengers known to the bridge service.
package roster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

type file struct {
	People []entry `yaml:"people"`
}

type entry struct {
	// CredentialID is what the reader reports for this person. Entries
	// without one are keyed by their biometric id.
	CredentialID string `yaml:"credentialId"`

	domain.IdentificationRecord `yaml:",inline"`
}

type Roster struct {
	byID  map[string]domain.IdentificationRecord
	order []string
}

func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

func Parse(data []byte) (*Roster, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	r := &Roster{byID: make(map[string]domain.IdentificationRecord, len(f.People))}
	for i, e := range f.People {
		id := normalize(e.CredentialID)
		if id == "" {
			id = normalize(e.BiometricID)
		}
		if id == "" {
			return nil, fmt.Errorf("entry %d: credentialId or biometricId is required", i)
		}
		if strings.TrimSpace(e.FullName) == "" {
			return nil, fmt.Errorf("entry %d (%s): fullName is required", i, id)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("entry %d: duplicate id %s", i, id)
		}
		r.byID[id] = e.IdentificationRecord
		r.order = append(r.order, id)
	}
	return r, nil
}

// Lookup implements smartcard.Directory. Ids are matched case-insensitively.
func (r *Roster) Lookup(id string) (*domain.IdentificationRecord, bool) {
	record, ok := r.byID[normalize(id)]
	if !ok {
		return nil, false
	}
	return &record, true
}

func (r *Roster) Len() int { return len(r.order) }

func (r *Roster) at(i int) domain.IdentificationRecord {
	return r.byID[r.order[i%len(r.order)]]
}

func normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
