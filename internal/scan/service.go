// Package scan runs identification requests from bridge clients against the
// configured reader, one at a time.
package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

// Replier delivers a response frame to the client that asked for it.
type Replier interface {
	Reply(v any) error
}

type Service struct {
	reader  domain.IdentityReader
	timeout time.Duration
	log     *zap.Logger

	// busy is held while the reader is capturing. There is one physical
	// reader, so concurrent requests are refused instead of queued.
	busy sync.Mutex
	wg   sync.WaitGroup
}

// NewService returns a Service using reader. A nil reader makes every scan
// fail with "reader not found".
func NewService(reader domain.IdentityReader, timeout time.Duration, log *zap.Logger) *Service {
	return &Service{reader: reader, timeout: timeout, log: log}
}

// Handle is a websocket.CommandHandler. Scans run in the background so the
// client's read pump keeps draining frames.
func (s *Service) Handle(ctx context.Context, client Replier, cmd domain.Command) {
	if cmd.Command != domain.CommandScan {
		s.log.Debug("unknown command", zap.String("command", cmd.Command))
		s.reply(client, domain.ErrorResponse(domain.ErrMsgUnknownCommand))
		return
	}

	if !s.busy.TryLock() {
		s.reply(client, domain.ErrorResponse(domain.ErrMsgScanInProgress))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Unlock()
		s.reply(client, s.identify(ctx))
	}()
}

func (s *Service) identify(ctx context.Context) domain.Response {
	if s.reader == nil {
		return domain.ErrorResponse(domain.ErrMsgReaderNotFound)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.log.Info("waiting for fingerprint")
	record, err := s.reader.Identify(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrNoCapture
		}
		s.log.Warn("identification failed", zap.Error(err))
		return domain.ErrorResponse(domain.ErrorMessage(err))
	}

	s.log.Info("identified", zap.String("biometric_id", record.BiometricID))
	return domain.SuccessResponse(record)
}

func (s *Service) reply(client Replier, resp domain.Response) {
	if err := client.Reply(resp); err != nil {
		s.log.Warn("failed to reply to client", zap.Error(err))
	}
}

// Wait blocks until in-flight scans have replied.
func (s *Service) Wait() {
	s.wg.Wait()
}
