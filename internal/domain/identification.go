package domain

import "context"

// IdentificationRecord is the personal data the bridge returns for a
// recognized fingerprint. It is consumed immediately and never stored.
type IdentificationRecord struct {
	FullName              string `json:"fullName" yaml:"fullName"`
	Email                 string `json:"email" yaml:"email"`
	Phone                 string `json:"phone" yaml:"phone"`
	Address               string `json:"address" yaml:"address"`
	EmergencyContactName  string `json:"emergencyContactName" yaml:"emergencyContactName"`
	EmergencyContactPhone string `json:"emergencyContactPhone" yaml:"emergencyContactPhone"`
	Department            string `json:"department,omitempty" yaml:"department,omitempty"`
	BiometricID           string `json:"biometricId,omitempty" yaml:"biometricId,omitempty"`
}

// IdentityReader is a bridge-side identification backend. Identify blocks
// until a person is identified, the reader fails, or ctx is done.
type IdentityReader interface {
	Identify(ctx context.Context) (*IdentificationRecord, error)
	Close() error
}
