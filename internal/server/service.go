package server

import (
	"context"

	"github.com/gradualhq/gradual/internal/core"
	"github.com/gradualhq/gradual/internal/repository"
	"github.com/gradualhq/gradual/internal/service"
)

type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, name string, update repository.FlagUpdate) (repository.Flag, error)
	DeleteFlag(ctx context.Context, name string) error
	EvaluateForUser(ctx context.Context, userID string) ([]core.Evaluation, error)
	EvaluateFlagForUser(ctx context.Context, userID, name string) (core.Evaluation, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)

// APIKeyStore manages API key credentials for the admin endpoints.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (repository.APIKey, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

var _ APIKeyStore = (*repository.PostgresRepository)(nil)

// AuditStore exposes the recorded flag mutation history.
type AuditStore interface {
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

var _ AuditStore = (*repository.PostgresRepository)(nil)
