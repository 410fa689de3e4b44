package roster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

// DemoReader stands in for fingerprint hardware: after a capture delay it
// identifies the roster's people in turn.
type DemoReader struct {
	roster *Roster
	clock  clock.Clock
	delay  time.Duration

	mu   sync.Mutex
	next int
}

func NewDemoReader(r *Roster, clk clock.Clock, delay time.Duration) *DemoReader {
	return &DemoReader{roster: r, clock: clk, delay: delay}
}

func (d *DemoReader) Identify(ctx context.Context) (*domain.IdentificationRecord, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrNoCapture, ctx.Err())
	case <-d.clock.After(d.delay):
	}

	if d.roster.Len() == 0 {
		return nil, domain.ErrNotRecognized
	}

	d.mu.Lock()
	record := d.roster.at(d.next)
	d.next++
	d.mu.Unlock()
	return &record, nil
}

func (d *DemoReader) Close() error { return nil }
