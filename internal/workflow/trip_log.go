package workflow

import (
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

// NotAvailable fills passenger columns the identification does not carry.
const NotAvailable = "N/A"

// TripMetadata is the static part of every report.
type TripMetadata struct {
	Area       string
	DriverName string
	DriverUnit string
	Route      string
}

// TripLog is the registration flow's report holder: at most one report
// exists at a time, and Reset discards it.
type TripLog struct {
	meta  TripMetadata
	clock clock.Clock

	mu      sync.Mutex
	current *domain.TripReport
}

func NewTripLog(meta TripMetadata, clk clock.Clock) *TripLog {
	return &TripLog{meta: meta, clock: clk}
}

// StartTrip builds the report for the identified passenger, replacing any
// previous one.
func (l *TripLog) StartTrip(record domain.IdentificationRecord) *domain.TripReport {
	report := BuildReport(l.meta, record, l.clock.Now())

	l.mu.Lock()
	l.current = report
	l.mu.Unlock()
	return report
}

func (l *TripLog) Current() *domain.TripReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *TripLog) Reset() {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
}

func BuildReport(meta TripMetadata, record domain.IdentificationRecord, at time.Time) *domain.TripReport {
	return &domain.TripReport{
		Area: meta.Area,
		Driver: domain.Driver{
			Name: meta.DriverName,
			Unit: meta.DriverUnit,
		},
		Trip: domain.Trip{
			Date:  at,
			Route: meta.Route,
		},
		Passengers: []domain.Passenger{{
			Name:       cases.Upper(language.Spanish).String(record.FullName),
			ID:         orNotAvailable(record.BiometricID),
			Department: orNotAvailable(record.Department),
			Time:       at.Format("15:04"),
		}},
	}
}

func orNotAvailable(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}
