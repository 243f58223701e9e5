package agents

import (
	"context"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// stubDriver scripts Generate and ExecuteAgentic responses and records the
// requests it saw.
type stubDriver struct {
	generateResult *driver.GenerateResult
	generateErr    error
	agenticMsgs    []driver.Message
	agenticErr     error
	sessionID      string
	usage          *driver.Usage

	generateReqs []driver.GenerateRequest
	agenticReqs  []driver.AgenticRequest
}

func (s *stubDriver) Generate(_ context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	s.generateReqs = append(s.generateReqs, req)
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return s.generateResult, nil
}

func (s *stubDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (*driver.Stream, error) {
	s.agenticReqs = append(s.agenticReqs, req)
	if s.agenticErr != nil {
		return nil, s.agenticErr
	}
	msgs := s.agenticMsgs
	return driver.NewStream(ctx, func(_ context.Context, emit func(driver.Message) bool) error {
		for _, m := range msgs {
			if !emit(m) {
				return nil
			}
		}
		return nil
	}), nil
}

func (s *stubDriver) CleanupSession(context.Context, string) bool { return false }

func (s *stubDriver) Usage() *driver.Usage { return s.usage }

func (s *stubDriver) SessionID() string { return s.sessionID }
