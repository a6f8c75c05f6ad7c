package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/langchou/anprgazer/internal/models"
)

func TestMemoryVariables(t *testing.T) {
	ctx := context.Background()
	vars := NewMemoryVariables(map[string]string{VarCallerIdentity: "u1"})

	if v, ok, _ := vars.Get(ctx, VarCallerIdentity); !ok || v != "u1" {
		t.Errorf("Get(identity) = %q, %v", v, ok)
	}
	if _, ok, _ := vars.Get(ctx, VarHMACKey); ok {
		t.Error("Get(missing) ok = true")
	}

	if err := vars.Set(ctx, VarHMACKey, "k"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := vars.Get(ctx, VarHMACKey); v != "k" {
		t.Errorf("Get(key) = %q", v)
	}
}

func TestMemoryVehicles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryVehicles()

	if _, err := repo.GetByPlate(ctx, "ABC123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByPlate(missing) error = %v", err)
	}

	addr := &models.Address{City: "Bogotá"}
	repo.Upsert(ctx, &models.EnrichedVehicle{Plate: "ABC123", EventIDs: []string{"e2"}, Address: addr, Registry: json.RawMessage(`{"a":1}`)})
	repo.Upsert(ctx, &models.EnrichedVehicle{Plate: "ABC123", EventIDs: []string{"e1", "e2"}, Registry: json.RawMessage(`{"a":2}`)})

	v, err := repo.GetByPlate(ctx, "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.EventIDs) != 2 || v.EventIDs[0] != "e1" || v.EventIDs[1] != "e2" {
		t.Errorf("EventIDs = %v", v.EventIDs)
	}
	if string(v.Registry) != `{"a":2}` {
		t.Errorf("Registry = %s", v.Registry)
	}
	if v.Address == nil || v.Address.City != "Bogotá" {
		t.Errorf("Address should be kept, got %+v", v.Address)
	}
	if repo.Len() != 1 {
		t.Errorf("Len() = %d", repo.Len())
	}
}
