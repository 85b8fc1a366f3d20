package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"FutureCash/internal/query"
)

// ---------------------------------------------------------------------------
// Governance endpoints
// ---------------------------------------------------------------------------

func TestAdmin_NonAdminForbidden(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{"caller": %q, "id": 2, "currency": 1, "num_periods": 4, "period_size": %d, "rate_scalar": 100, "rate_anchor": 1050000000}`,
		uuid.New(), testPeriod)
	if code, _ := f.post(t, "/v1/admin/groups", body); code != http.StatusForbidden {
		t.Fatalf("non-admin group listing status = %d", code)
	}

	body = fmt.Sprintf(`{"caller": %q, "haircut": 1200000000000000000}`, uuid.New())
	if code, _ := f.post(t, "/v1/admin/haircut", body); code != http.StatusForbidden {
		t.Fatalf("non-admin haircut status = %d", code)
	}
}

func TestAdmin_ListCurrencyAndGroup(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{
		"caller": %q, "currency": 2,
		"haircut": 1400000000000000000,
		"settlement_discount": 1000000000000000000,
		"liquidation_discount": 1100000000000000000
	}`, f.admin)
	if code, resp := f.post(t, "/v1/admin/currencies", body); code != http.StatusOK {
		t.Fatalf("list currency status = %d: %s", code, resp)
	}

	var currencies []query.CurrencyResponse
	f.get(t, "/v1/currencies", &currencies)
	if len(currencies) != 2 {
		t.Fatalf("listed currencies = %d, want 2", len(currencies))
	}

	body = fmt.Sprintf(`{
		"caller": %q, "id": 2, "currency": 2,
		"num_periods": 2, "period_size": %d,
		"rate_scalar": 50, "rate_anchor": 1100000000
	}`, f.admin, testPeriod)
	if code, resp := f.post(t, "/v1/admin/groups", body); code != http.StatusOK {
		t.Fatalf("list group status = %d: %s", code, resp)
	}

	if _, ok := f.eng.Groups().Get(2); !ok {
		t.Fatal("group 2 not registered")
	}
	if _, ok := f.amm.GetParams(2); !ok {
		t.Fatal("group 2 curve params not installed")
	}
}

func TestAdmin_CurrencyValidationRejected(t *testing.T) {
	f := newFixture(t)

	// Haircut below the liquidation discount breaks forced-exchange
	// solvency and must be rejected.
	body := fmt.Sprintf(`{
		"caller": %q, "currency": 3,
		"haircut": 1000000000000000000,
		"settlement_discount": 1000000000000000000,
		"liquidation_discount": 1200000000000000000
	}`, f.admin)
	if code, _ := f.post(t, "/v1/admin/currencies", body); code != http.StatusBadRequest {
		t.Fatalf("invalid currency listing status = %d", code)
	}
}

func TestOperators_ApproveEnablesSubmission(t *testing.T) {
	f := newFixture(t)
	seedPool(t, f)

	owner := uuid.New()
	operator := uuid.New()

	batch := fmt.Sprintf(`{
		"caller": %q, "account": %q, "block_time": %d,
		"deposits": [{"currency": 1, "amount": 1000}]
	}`, operator, owner, testBlock)

	if code, _ := f.post(t, "/v1/batches", batch); code != http.StatusForbidden {
		t.Fatalf("unapproved operator status = %d", code)
	}

	approve := fmt.Sprintf(`{"caller": %q, "operator": %q}`, owner, operator)
	if code, _ := f.post(t, "/v1/operators/approve", approve); code != http.StatusOK {
		t.Fatal("approve failed")
	}
	if code, resp := f.post(t, "/v1/batches", batch); code != http.StatusOK {
		t.Fatalf("approved operator status = %d: %s", code, resp)
	}

	revoke := fmt.Sprintf(`{"caller": %q, "operator": %q}`, owner, operator)
	if code, _ := f.post(t, "/v1/operators/revoke", revoke); code != http.StatusOK {
		t.Fatal("revoke failed")
	}
	if code, _ := f.post(t, "/v1/batches", batch); code != http.StatusForbidden {
		t.Fatal("revoked operator still authorized")
	}
}
