package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/gradualhq/gradual/internal/repository"
)

func BenchmarkListFlags(b *testing.B) {
	ctx := context.Background()
	repo := newMemRepo()

	for i := range 100 {
		rollout := float64(i)
		repo.seed(repository.Flag{
			Name:              fmt.Sprintf("flag-%03d", i),
			Description:       fmt.Sprintf("benchmark flag %d", i),
			Enabled:           i%3 != 0,
			RolloutPercentage: &rollout,
		})
	}

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.ListFlags(ctx)
	}
}

func BenchmarkEvaluateForUser(b *testing.B) {
	ctx := context.Background()
	repo := newMemRepo()

	for i := range 100 {
		rollout := float64(i)
		repo.seed(repository.Flag{
			Name:              fmt.Sprintf("flag-%03d", i),
			Description:       fmt.Sprintf("benchmark flag %d", i),
			Enabled:           i%3 != 0,
			RolloutPercentage: &rollout,
		})
	}

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.EvaluateForUser(ctx, "user-12345")
	}
}

func BenchmarkEvaluateFlagForUser(b *testing.B) {
	ctx := context.Background()
	repo := newMemRepo()
	rollout := 50.0
	repo.seed(repository.Flag{
		Name:              "feature-rollout",
		Description:       "benchmark flag",
		Enabled:           true,
		RolloutPercentage: &rollout,
	})

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.EvaluateFlagForUser(ctx, "user-12345", "feature-rollout")
	}
}
