package mocks

import (
	"context"
	"time"

	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/repository"
	"github.com/stretchr/testify/mock"
)

// SessionRepository is a mock for repository.SessionRepository.
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) OpenSession(ctx context.Context, userID, sessionType string, startedAt time.Time) (*session.Session, error) {
	args := m.Called(ctx, userID, sessionType, startedAt)
	if sess, ok := args.Get(0).(*session.Session); ok {
		return sess, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepository) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	args := m.Called(ctx, sessionID, endedAt)
	return args.Bool(0), args.Error(1)
}

func (m *SessionRepository) LoadActiveSessions(ctx context.Context) ([]session.Session, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]session.Session); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// StepRepository is a mock for repository.StepRepository.
type StepRepository struct {
	mock.Mock
}

func (m *StepRepository) StartQCStep(ctx context.Context, rec qcstep.StartRecord) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

func (m *StepRepository) CompleteQCStep(ctx context.Context, rec qcstep.CompleteRecord) (*qcstep.Completion, error) {
	args := m.Called(ctx, rec)
	if c, ok := args.Get(0).(*qcstep.Completion); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *StepRepository) AbortQCStep(ctx context.Context, key, reason string, abortedAt time.Time) (bool, error) {
	args := m.Called(ctx, key, reason, abortedAt)
	return args.Bool(0), args.Error(1)
}

func (m *StepRepository) LoadActiveQCSteps(ctx context.Context) ([]qcstep.Step, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]qcstep.Step); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// ScanRepository is a mock for repository.ScanRepository.
type ScanRepository struct {
	mock.Mock
}

func (m *ScanRepository) RecordScan(ctx context.Context, rec qcstep.ScanRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// Adapter is a mock for repository.Adapter built from the per-domain mocks.
type Adapter struct {
	SessionRepository
	StepRepository
	ScanRepository
}

// ActivityRepository is a mock for repository.ActivityRepository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.ActivityEntry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ActivityRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// Pruner is a mock for repository.Pruner.
type Pruner struct {
	mock.Mock
}

func (m *Pruner) Prune(ctx context.Context, cutoff time.Time) (repository.PruneResult, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(repository.PruneResult), args.Error(1)
}

// StepAborter is a mock for session.StepAborter.
type StepAborter struct {
	mock.Mock
}

func (m *StepAborter) AbortAllForSession(ctx context.Context, sessionID, reason string) (int, error) {
	args := m.Called(ctx, sessionID, reason)
	return args.Int(0), args.Error(1)
}
