package models

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/utils"
)

// NOTE: These tests are intentionally DB-free. They validate the allocation
// semantics of the fixation critical section: status re-read, authoritative
// SUM re-check, and the over-allocation rejection carrying the remaining
// volume. The same sequence runs against MySQL inside CreateFixation, where
// the advisory lock plays the role of the mutex here.
//
// Full DB integration coverage lives in contract_ledger_integration_test.go.

type fakeAllocator struct {
	mu          sync.Mutex
	status      ContractStatus
	code        string
	totalVolume decimal.Decimal
	allocations []decimal.Decimal
}

func newFakeAllocator(total string) *fakeAllocator {
	return &fakeAllocator{
		status:      ContractStatusActive,
		code:        "C-001",
		totalVolume: decimal.RequireFromString(total),
	}
}

func (a *fakeAllocator) allocate(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return utils.NewValidationError("quantity", "must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != ContractStatusActive {
		return utils.NewValidationError("status", "contract must be active to fix volume")
	}
	fixed := decimal.Zero
	for _, q := range a.allocations {
		fixed = fixed.Add(q)
	}
	available := a.totalVolume.Sub(fixed)
	if quantity.GreaterThan(available) {
		return &utils.InsufficientVolumeError{ContractCode: a.code, Available: available}
	}
	a.allocations = append(a.allocations, quantity)
	return nil
}

func (a *fakeAllocator) fixedVolume() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	fixed := decimal.Zero
	for _, q := range a.allocations {
		fixed = fixed.Add(q)
	}
	return fixed
}

func TestAllocation_SequentialOverAllocationRejected(t *testing.T) {
	a := newFakeAllocator("100")

	if err := a.allocate(decimal.RequireFromString("60")); err != nil {
		t.Fatalf("first allocation within volume must succeed: %v", err)
	}

	err := a.allocate(decimal.RequireFromString("50"))
	var volumeErr *utils.InsufficientVolumeError
	if !errors.As(err, &volumeErr) {
		t.Fatalf("expected InsufficientVolumeError, got %v", err)
	}
	if volumeErr.Available.String() != "40" {
		t.Fatalf("rejection must carry the remaining volume, got %s", volumeErr.Available)
	}

	if err := a.allocate(decimal.RequireFromString("40")); err != nil {
		t.Fatalf("allocation of exactly the remainder must succeed: %v", err)
	}
	if !a.fixedVolume().Equal(a.totalVolume) {
		t.Fatalf("contract must be fully fixed, got %s of %s", a.fixedVolume(), a.totalVolume)
	}
}

func TestAllocation_InvariantHoldsUnderConcurrency(t *testing.T) {
	for run := 0; run < 50; run++ {
		a := newFakeAllocator("100")
		quantity := decimal.RequireFromString("15")

		var wg sync.WaitGroup
		successes := make([]bool, 30)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				successes[i] = a.allocate(quantity) == nil
			}(i)
		}
		wg.Wait()

		var succeeded int
		for _, ok := range successes {
			if ok {
				succeeded++
			}
		}
		// 6 allocations of 15 fit in 100; the 7th would need 105.
		if succeeded != 6 {
			t.Fatalf("run=%d expected exactly 6 successful allocations, got %d", run, succeeded)
		}
		if a.fixedVolume().GreaterThan(a.totalVolume) {
			t.Fatalf("run=%d allocated %s over total %s", run, a.fixedVolume(), a.totalVolume)
		}
	}
}

func TestAllocation_SuspendedContractRejectsFixation(t *testing.T) {
	a := newFakeAllocator("100")
	a.status = ContractStatusSuspended

	err := a.allocate(decimal.RequireFromString("10"))
	var validationErr *utils.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for non-active contract, got %v", err)
	}
}

func TestFixationValue_UsesContractDifferential(t *testing.T) {
	quantity := decimal.RequireFromString("25")
	spot := decimal.RequireFromString("2400")
	differential := decimal.RequireFromString("-150")

	pricePerUnit := spot.Add(differential)
	value := quantity.Mul(pricePerUnit)

	if pricePerUnit.String() != "2250" {
		t.Fatalf("price per unit must include the differential, got %s", pricePerUnit)
	}
	if value.String() != "56250" {
		t.Fatalf("value must be quantity x (spot + differential), got %s", value)
	}
}
