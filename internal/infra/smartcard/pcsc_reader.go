package smartcard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

const (
	readAttempts   = 3
	readRetryDelay = 100 * time.Millisecond
)

// Directory resolves the credential id read from the reader.
type Directory interface {
	Lookup(credentialID string) (*domain.IdentificationRecord, bool)
}

type transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// PCSCReader identifies a person from the credential presented to a PC/SC
// reader (enrolled fingerprint terminal or card). It implements
// domain.IdentityReader.
type PCSCReader struct {
	context      *scard.Context
	directory    Directory
	clock        clock.Clock
	pollInterval time.Duration
	log          *zap.Logger
}

func NewPCSCReader(directory Directory, pollInterval time.Duration, log *zap.Logger) (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}

	return &PCSCReader{
		context:      ctx,
		directory:    directory,
		clock:        clock.Real(),
		pollInterval: pollInterval,
		log:          log,
	}, nil
}

func (r *PCSCReader) Close() error {
	return r.context.Release()
}

// Identify polls every reader until a credential is present, then resolves
// it in the directory.
func (r *PCSCReader) Identify(ctx context.Context) (*domain.IdentificationRecord, error) {
	for {
		readers, err := r.context.ListReaders()
		if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
			r.log.Warn("error listing readers", zap.Error(err))
		}
		if len(readers) == 0 {
			return nil, domain.ErrReaderNotFound
		}

		for _, reader := range readers {
			card, err := r.context.Connect(reader, scard.ShareShared, scard.ProtocolAny)
			if err != nil {
				continue
			}

			credentialID, readErr := r.readWithRetry(ctx, card)
			_ = card.Disconnect(scard.LeaveCard)
			if readErr != nil && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrNoCapture, ctx.Err())
			}
			if readErr != nil {
				r.log.Warn("credential read failed", zap.String("reader", reader), zap.Error(readErr))
				return nil, fmt.Errorf("%w: %w", domain.ErrReadFailed, readErr)
			}

			record, ok := r.directory.Lookup(credentialID)
			if !ok {
				r.log.Info("credential not enrolled", zap.String("reader", reader), zap.String("credential", credentialID))
				return nil, domain.ErrNotRecognized
			}
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", domain.ErrNoCapture, ctx.Err())
		case <-r.clock.After(r.pollInterval):
		}
	}
}

func (r *PCSCReader) readWithRetry(ctx context.Context, card transmitter) (string, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-r.clock.After(readRetryDelay):
			}
		}
		id, err := readCredentialID(card)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// readCredentialID issues GET DATA for the credential UID, repeating it with
// the length the reader asks for on a 6Cxx status.
func readCredentialID(card transmitter) (string, error) {
	cmd := []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

	rsp, err := card.Transmit(cmd)
	if err != nil {
		return "", err
	}
	if len(rsp) < 2 {
		return "", fmt.Errorf("invalid response")
	}

	sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]

	// Wrong Le, retry with the exact length
	if sw1 == 0x6C {
		cmd[4] = sw2
		rsp, err = card.Transmit(cmd)
		if err != nil {
			return "", fmt.Errorf("GET DATA retry failed: %w", err)
		}
		if len(rsp) < 2 {
			return "", fmt.Errorf("invalid GET DATA response")
		}
		sw1, sw2 = rsp[len(rsp)-2], rsp[len(rsp)-1]
	}

	if sw1 != 0x90 || sw2 != 0x00 {
		return "", fmt.Errorf("get data failed: SW=%02X%02X", sw1, sw2)
	}

	uid := rsp[:len(rsp)-2]
	if len(uid) == 0 {
		return "", fmt.Errorf("empty credential id")
	}
	return fmt.Sprintf("%X", uid), nil
}
