// Package service implements the flag management and evaluation logic on top
// of the repository. It keeps an in-memory cache of all flags, refreshed by
// LISTEN/NOTIFY invalidations and a periodic resync, so evaluation reads never
// touch the database on the hot path.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gradualhq/gradual/internal/core"
	"github.com/gradualhq/gradual/internal/repository"
)

const (
	EventTypeCreated = "created"
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	maxNameLength        = 255
	maxDescriptionLength = 500

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second

	uniqueViolationCode = "23505"
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrFlagExists         = errors.New("flag already exists")
	ErrNameRequired       = errors.New("flag name is required")
	ErrNameTooLong        = errors.New("flag name exceeds 255 characters")
	ErrDescriptionTooLong = errors.New("description exceeds 500 characters")
	ErrRolloutOutOfRange  = errors.New("rollout percentage must be between 0 and 100")
	ErrUserIDRequired     = errors.New("user id is required")
)

type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	UpdateFlag(ctx context.Context, name string, update repository.FlagUpdate) (repository.Flag, error)
	DeleteFlag(ctx context.Context, name string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type auditRecorder interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

type actorContextKey struct{}

// WithActor returns a context carrying the identity performing a mutation.
// The audit log records it alongside each flag change.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor recorded by [WithActor], or an empty
// string when the request was unauthenticated.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

type Service struct {
	repo           Repository
	audit          auditRecorder
	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheSize         func(float64)

	mu    sync.RWMutex
	cache map[string]repository.Flag
}

// Option configures a [Service].
type Option func(*Service)

// WithCacheResyncInterval overrides how often the flag cache is reloaded from
// the database as a safety net behind LISTEN/NOTIFY.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheMetrics registers observability callbacks: onLoad fires on every
// full cache reload, onInvalidation on every NOTIFY-triggered invalidation,
// and onSize with the flag count whenever the cache contents change. Nil
// callbacks are ignored.
func WithCacheMetrics(onLoad, onInvalidation func(), onSize func(float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheSize = onSize
	}
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		resyncInterval: defaultCacheResyncInterval,
		cache:          make(map[string]repository.Flag),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if recorder, ok := repo.(auditRecorder); ok {
		svc.audit = recorder
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	next := make(map[string]repository.Flag, len(flags))
	for _, flag := range flags {
		next[flag.Name] = flag
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	s.reportCacheSize(len(next))

	return nil
}

func (s *Service) reportCacheSize(size int) {
	if s.onCacheSize != nil {
		s.onCacheSize(float64(size))
	}
}

func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateName(flag.Name); err != nil {
		return repository.Flag{}, err
	}
	if err := validateDescription(flag.Description); err != nil {
		return repository.Flag{}, err
	}
	if err := validateRollout(flag.RolloutPercentage); err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Flag{}, fmt.Errorf("%w: %s", ErrFlagExists, flag.Name)
		}
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.setCachedFlag(created)
	s.publishFlagEventBestEffort(ctx, EventTypeCreated, created)
	s.recordAuditBestEffort(ctx, "flag_created", created.Name, created)

	return created, nil
}

func (s *Service) UpdateFlag(ctx context.Context, name string, update repository.FlagUpdate) (repository.Flag, error) {
	if err := validateName(name); err != nil {
		return repository.Flag{}, err
	}
	if update.Description != nil {
		if err := validateDescription(*update.Description); err != nil {
			return repository.Flag{}, err
		}
	}
	if err := validateRollout(update.Rollout); err != nil {
		return repository.Flag{}, err
	}

	// A payload with no recognized fields is a no-op: return the current
	// state without touching updated_at.
	if !update.HasChanges() {
		return s.GetFlag(ctx, name)
	}

	updated, err := s.repo.UpdateFlag(ctx, name, update)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(name)
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.setCachedFlag(updated)
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, updated)
	s.recordAuditBestEffort(ctx, "flag_updated", updated.Name, updated)

	return updated, nil
}

func (s *Service) GetFlag(ctx context.Context, name string) (repository.Flag, error) {
	if err := validateName(name); err != nil {
		return repository.Flag{}, err
	}

	if flag, ok := s.getCachedFlag(name); ok {
		return flag, nil
	}

	flag, err := s.repo.GetFlag(ctx, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	s.setCachedFlag(flag)
	return flag, nil
}

func (s *Service) ListFlags(_ context.Context) ([]repository.Flag, error) {
	s.mu.RLock()
	flags := make([]repository.Flag, 0, len(s.cache))
	for _, flag := range s.cache {
		flags = append(flags, flag)
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Name < flags[j].Name
	})

	return flags, nil
}

func (s *Service) DeleteFlag(ctx context.Context, name string) error {
	existing, err := s.GetFlag(ctx, name)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(name)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.deleteCachedFlag(name)
	s.publishFlagEventBestEffort(ctx, EventTypeDeleted, existing)
	s.recordAuditBestEffort(ctx, "flag_deleted", existing.Name, existing)

	return nil
}

// EvaluateForUser evaluates every flag for the given user, ordered by flag
// name. Evaluation is deterministic: the same user and flag set always yield
// the same results.
func (s *Service) EvaluateForUser(ctx context.Context, userID string) ([]core.Evaluation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}

	flags, err := s.ListFlags(ctx)
	if err != nil {
		return nil, err
	}

	coreFlags := make([]core.Flag, 0, len(flags))
	for _, flag := range flags {
		coreFlags = append(coreFlags, repositoryFlagToCore(flag))
	}

	return core.EvaluateAll(coreFlags, userID), nil
}

// EvaluateFlagForUser evaluates a single flag for the given user. Returns
// ErrFlagNotFound if the flag does not exist; the flag is resolved before any
// evaluation happens.
func (s *Service) EvaluateFlagForUser(ctx context.Context, userID, name string) (core.Evaluation, error) {
	if strings.TrimSpace(userID) == "" {
		return core.Evaluation{}, ErrUserIDRequired
	}

	flag, err := s.GetFlag(ctx, name)
	if err != nil {
		return core.Evaluation{}, err
	}

	return core.Evaluate(repositoryFlagToCore(flag), userID), nil
}

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) getCachedFlag(name string) (repository.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.cache[name]
	s.mu.RUnlock()

	return flag, ok
}

func (s *Service) setCachedFlag(flag repository.Flag) {
	s.mu.Lock()
	s.cache[flag.Name] = flag
	size := len(s.cache)
	s.mu.Unlock()

	s.reportCacheSize(size)
}

func (s *Service) deleteCachedFlag(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	size := len(s.cache)
	s.mu.Unlock()

	s.reportCacheSize(size)
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishFlagEventBestEffort(ctx context.Context, eventType string, flag repository.Flag) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishFlagEvent(publishCtx, eventType, flag)
}

func (s *Service) recordAuditBestEffort(ctx context.Context, action, flagName string, details any) {
	if s.audit == nil {
		return
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.audit.InsertAuditLog(writeCtx, repository.AuditLogEntry{
		Actor:    ActorFromContext(ctx),
		Action:   action,
		FlagName: flagName,
		Details:  detailsJSON,
	})
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	_ = s.LoadCache(reloadCtx)
}

func (s *Service) publishFlagEvent(ctx context.Context, eventType string, flag repository.Flag) error {
	payload, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishFlagEvent(ctx, repository.FlagEvent{
		FlagName:  flag.Name,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func repositoryFlagToCore(flag repository.Flag) core.Flag {
	return core.Flag{
		Name:        flag.Name,
		Description: flag.Description,
		Enabled:     flag.Enabled,
		Rollout:     flag.RolloutPercentage,
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameRequired
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return ErrNameTooLong
	}

	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return ErrDescriptionTooLong
	}

	return nil
}

func validateRollout(rollout *float64) error {
	if rollout == nil {
		return nil
	}
	if math.IsNaN(*rollout) || *rollout < 0 || *rollout > 100 {
		return ErrRolloutOutOfRange
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
