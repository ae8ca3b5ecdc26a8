package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/seamly/rollout/internal/core"
	"github.com/seamly/rollout/internal/registry"
)

func BenchmarkServiceEvaluate(b *testing.B) {
	ctx := context.Background()
	svc, err := New(ctx, newFakeRepository(), registry.New(), nil, Options{})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	if _, err := svc.SetFlag(ctx, percentageFlag("bench", 50)); err != nil {
		b.Fatalf("SetFlag() error = %v", err)
	}

	evalCtx := core.EvaluationContext{UserID: "user-12345"}
	for b.Loop() {
		svc.Evaluate("bench", evalCtx)
	}
}

func BenchmarkServiceEvaluateBatch(b *testing.B) {
	ctx := context.Background()
	svc, err := New(ctx, newFakeRepository(), registry.New(), nil, Options{})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	keys := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("flag-%03d", i)
		if _, err := svc.SetFlag(ctx, percentageFlag(key, float64(i*2))); err != nil {
			b.Fatalf("SetFlag() error = %v", err)
		}
		keys = append(keys, key)
	}

	evalCtx := core.EvaluationContext{UserID: "user-12345"}
	for b.Loop() {
		if _, err := svc.EvaluateBatch(keys, evalCtx); err != nil {
			b.Fatalf("EvaluateBatch() error = %v", err)
		}
	}
}
