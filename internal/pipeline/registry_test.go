package pipeline

import (
	"context"
	"errors"
	"testing"
)

func okRunner(payload map[string]any) RunnerFunc {
	return func(ctx context.Context, in Input) (map[string]any, error) {
		return payload, nil
	}
}

func failRunner(msg string) RunnerFunc {
	return func(ctx context.Context, in Input) (map[string]any, error) {
		return nil, errors.New(msg)
	}
}

func register(t *testing.T, r *Registry, name string, runner Runner, deps ...string) {
	t.Helper()
	if err := r.Register(Descriptor{Name: name, DependsOn: deps}, runner); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(nil))

	err := r.Register(Descriptor{Name: "a"}, okRunner(nil))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected registry unchanged, got %d agents", r.Len())
	}
}

func TestRegister_UnknownDependency(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(nil))

	err := r.Register(Descriptor{Name: "b", DependsOn: []string{"a", "ghost"}}, okRunner(nil))
	if !errors.Is(err, ErrInvalidDependency) {
		t.Fatalf("expected ErrInvalidDependency, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected no partial registration, got %d agents", r.Len())
	}
	if _, ok := r.Descriptor("b"); ok {
		t.Fatal("expected b to be absent after failed registration")
	}
}

func TestRegister_SelfDependency(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{Name: "a", DependsOn: []string{"a"}}, okRunner(nil))
	if !errors.Is(err, ErrInvalidDependency) {
		t.Fatalf("expected ErrInvalidDependency, got %v", err)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Descriptor{Name: ""}, okRunner(nil)); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register(Descriptor{Name: "a"}, nil); err == nil {
		t.Fatal("expected error for nil runner")
	}
}

func TestRegister_NamesInOrder(t *testing.T) {
	r := NewRegistry()
	register(t, r, "c", okRunner(nil))
	register(t, r, "a", okRunner(nil))
	register(t, r, "b", okRunner(nil), "a")

	names := r.Names()
	if len(names) != 3 || names[0] != "c" || names[1] != "a" || names[2] != "b" {
		t.Fatalf("expected registration order [c a b], got %v", names)
	}
}

func TestDescriptor_CopiesDeps(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(nil))
	register(t, r, "b", okRunner(nil), "a")

	d, ok := r.Descriptor("b")
	if !ok {
		t.Fatal("expected descriptor for b")
	}
	d.DependsOn[0] = "mutated"

	d2, _ := r.Descriptor("b")
	if d2.DependsOn[0] != "a" {
		t.Fatal("expected registry descriptor to be unaffected by caller mutation")
	}
}
