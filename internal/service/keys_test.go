package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/state"
)

func TestKeyManagerEnsure(t *testing.T) {
	ctx := context.Background()
	a := newFakeAuthority(t)
	vars := repository.NewMemoryVariables(map[string]string{repository.VarCallerIdentity: "aseguradora-1"})
	keys, _ := newTestDispatcher(t, a, &fakeSigner{}, vars)

	if got := keys.State().State; got != state.KeyEmpty {
		t.Fatalf("initial state = %s", got)
	}

	if err := keys.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if got := keys.State(); got.State != state.KeyValidated || !got.Validated {
		t.Errorf("state after Ensure = %+v", got)
	}

	// 已验证时不再访问上游
	if err := keys.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if got := a.Calls(); len(got) != 2 || got[0] != "generate" || got[1] != "validate" {
		t.Errorf("calls = %v", got)
	}

	stored, ok, _ := vars.Get(ctx, repository.VarHMACKey)
	key, user := keys.Key()
	if !ok || stored != key {
		t.Errorf("stored key = %q, want %q", stored, key)
	}
	if user != "aseguradora-1" {
		t.Errorf("user = %q", user)
	}
}

func TestKeyManagerEnsureGeneratedOnlyValidates(t *testing.T) {
	ctx := context.Background()
	a := newFakeAuthority(t)
	keys, _ := newTestDispatcher(t, a, &fakeSigner{}, nil)

	if err := keys.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := keys.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if n := a.count("generate"); n != 1 {
		t.Errorf("generate calls = %d, want 1", n)
	}
	if n := a.count("validate"); n != 1 {
		t.Errorf("validate calls = %d, want 1", n)
	}
}

func TestKeyManagerFailures(t *testing.T) {
	ctx := context.Background()
	signErr := errors.New("helper crashed")

	tests := []struct {
		name    string
		setup   func(a *fakeAuthority)
		signer  *fakeSigner
		vars    VariableStore
		wantErr []error
		state   string
	}{
		{
			name:    "generation rejected",
			setup:   func(a *fakeAuthority) { a.generateStatus = http.StatusForbidden; a.generateBody = "Error: usuario" },
			signer:  &fakeSigner{},
			wantErr: []error{ErrKeyGenerationFailed},
			state:   state.KeyEmpty,
		},
		{
			name:    "signing failed",
			setup:   func(a *fakeAuthority) {},
			signer:  &fakeSigner{err: signErr},
			wantErr: []error{ErrKeyGenerationFailed, signErr},
			state:   state.KeyEmpty,
		},
		{
			name:    "validation rejected",
			setup:   func(a *fakeAuthority) { a.rejectValidate = true },
			signer:  &fakeSigner{},
			wantErr: []error{ErrKeyValidationFailed},
			state:   state.KeyGenerated,
		},
		{
			name:    "missing identity",
			setup:   func(a *fakeAuthority) {},
			signer:  &fakeSigner{},
			vars:    repository.NewMemoryVariables(nil),
			wantErr: []error{ErrKeyGenerationFailed},
			state:   state.KeyEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newFakeAuthority(t)
			tt.setup(a)
			keys, _ := newTestDispatcher(t, a, tt.signer, tt.vars)

			err := keys.Ensure(ctx)
			for _, want := range tt.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("Ensure() error = %v, want %v", err, want)
				}
			}
			if got := keys.State().State; got != tt.state {
				t.Errorf("state = %s, want %s", got, tt.state)
			}
		})
	}
}

func TestKeyManagerDefaultUser(t *testing.T) {
	a := newFakeAuthority(t)
	client := a.client()
	keys := NewKeyManager(client, &fakeSigner{}, repository.NewMemoryVariables(nil), "env-user", metrics.New(), zaptest.NewLogger(t))

	if err := keys.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, user := keys.Key(); user != "env-user" {
		t.Errorf("user = %q, want env-user", user)
	}

	keys.Invalidate()
	if got := keys.State().State; got != state.KeyGenerated {
		t.Errorf("state after Invalidate = %s", got)
	}
}

func TestKeyManagerGenerateThenValidate(t *testing.T) {
	ctx := context.Background()
	a := newFakeAuthority(t)
	keys, _ := newTestDispatcher(t, a, &fakeSigner{}, nil)

	if err := keys.Validate(ctx); !errors.Is(err, ErrKeyValidationFailed) {
		t.Fatalf("Validate() without a key error = %v, want ErrKeyValidationFailed", err)
	}
	if n := len(a.Calls()); n != 0 {
		t.Errorf("authority calls = %d, want 0", n)
	}

	if err := keys.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := keys.State().State; got != state.KeyGenerated {
		t.Errorf("state after Generate = %s", got)
	}
	if err := keys.Validate(ctx); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := keys.State(); got.State != state.KeyValidated || !got.Validated {
		t.Errorf("state after Validate = %+v", got)
	}
}
