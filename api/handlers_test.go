/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Intake -> processing -> reservation round trip over HTTP
- Error kind to status mapping
- Idempotent submission via the Idempotency-Key header
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgt/seed-ledger/ledger"
	"github.com/dgt/seed-ledger/ledger/store"
	"github.com/dgt/seed-ledger/masterdata"
)

var (
	operator   = []string{HeaderActorID, "op-1", HeaderActorRole, string(ledger.RoleOperator)}
	lineMgr    = []string{HeaderActorID, "lm-1", HeaderActorRole, string(ledger.RoleLineManager)}
	partitionQ = "seed=WHGSS&owner=DGT&warehouse=WH-1"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	catalog, err := masterdata.New(masterdata.File{
		Warehouses: []masterdata.Warehouse{{ID: "WH-1", Name: "Humera", Type: "DGT"}},
		Companies:  []masterdata.Company{{ID: "DGT", Internal: true}},
		SeedTypes: []masterdata.SeedType{{
			ID:     "ST-1",
			Symbol: "WHGSS",
			Grades: []masterdata.Grade{{Grade: "1", MinPurity: 99}, {Grade: "3", MinPurity: 90}},
		}},
	})
	require.NoError(t, err)
	svc := ledger.New(ledger.Deps{Store: store.NewMemory(), MasterData: catalog})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	return NewRouter(NewHandler(svc, nil), RouterOptions{Metrics: metrics})
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func intake(t *testing.T, h http.Handler, weight string) LotDTO {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/lots", map[string]any{
		"seed": "WHGSS", "owner": "DGT", "warehouse": "WH-1", "weight": weight,
	}, operator...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[LotDTO](t, rec)
}

func TestLedgerFlowOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	// GIVEN: a 100 kg raw intake
	lot := intake(t, h, "100")
	assert.True(t, lot.RawRemaining.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, lot.InOutNo)

	// WHEN: a 50 -> 48 + 2 cleaning is drafted and posted
	rec := do(t, h, http.MethodPost, "/api/processing", map[string]any{
		"lot_id": lot.ID, "weight_in": "50", "weight_out": "48", "rejects": "2",
		"purity_before": "90", "purity_after": "98", "target_purity": "98",
	}, operator...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decodeBody[RecordDTO](t, rec)
	assert.Equal(t, ledger.StateDraft, draft.State)

	rec = do(t, h, http.MethodPost, "/api/processing/"+draft.ID+"/post", nil, operator...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.StatePosted, decodeBody[RecordDTO](t, rec).State)

	// THEN: the lot and pool reflect the posting
	rec = do(t, h, http.MethodGet, "/api/lots/"+lot.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[LotDTO](t, rec)
	assert.True(t, got.RawRemaining.Equal(decimal.NewFromInt(50)))
	assert.True(t, got.Cleaned.Equal(decimal.NewFromInt(48)))
	assert.Equal(t, "3", got.Grade)

	rec = do(t, h, http.MethodGet, "/api/pools?"+partitionQ, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pools := decodeBody[[]PoolEntryDTO](t, rec)
	require.Len(t, pools, 2)

	rec = do(t, h, http.MethodGet, "/api/processing/"+draft.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TransactionDTO](t, rec), 3)

	// WHEN: 30 kg of cleaned stock is requested and approved
	rec = do(t, h, http.MethodPost, "/api/reservations", map[string]any{
		"seed": "WHGSS", "owner": "DGT", "warehouse": "WH-1", "class": "cleaned", "quantity": "30",
	}, operator...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[ReservationDTO](t, rec)
	assert.Equal(t, ledger.StatusPending, res.Status)

	rec = do(t, h, http.MethodGet, "/api/available?"+partitionQ+"&class=cleaned", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[AvailableDTO](t, rec).Available.Equal(decimal.NewFromInt(18)))

	rec = do(t, h, http.MethodPost, "/api/reservations/"+res.ID+"/approve", nil, operator...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/reservations/"+res.ID+"/approve", nil, lineMgr...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.StatusApproved, decodeBody[ReservationDTO](t, rec).Status)

	// THEN: the bin card shows the outbound row and the running balance
	rec = do(t, h, http.MethodGet, "/api/partitions/balance?"+partitionQ, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[PartitionBalanceDTO](t, rec)
	require.Len(t, bal.BinCard, 2)
	assert.True(t, bal.BinCard[1].Balance.Equal(decimal.NewFromInt(70)))
	assert.True(t, bal.Cleaned.Equal(decimal.NewFromInt(18)))
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestRouter(t)
	lot := intake(t, h, "100")

	// Mass balance is checked on post: 40 in, 30 + 2 out.
	rec := do(t, h, http.MethodPost, "/api/processing", map[string]any{
		"lot_id": lot.ID, "weight_in": "40", "weight_out": "30", "rejects": "2",
		"purity_before": "90", "purity_after": "98", "target_purity": "98",
	}, operator...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decodeBody[RecordDTO](t, rec)

	rec = do(t, h, http.MethodPost, "/api/processing/"+draft.ID+"/post", nil, operator...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(ledger.KindValidation), decodeBody[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/api/processing/"+draft.ID+"/reverse", nil,
		HeaderActorID, "sm-1", HeaderActorRole, string(ledger.RoleSystemManager))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(ledger.KindNotPosted), decodeBody[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/api/reservations", map[string]any{
		"seed": "WHGSS", "owner": "DGT", "warehouse": "WH-1", "class": "raw", "quantity": "500",
	}, operator...)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(ledger.KindInsufficientBalance), decodeBody[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, "/api/lots/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/lots", map[string]any{
		"seed": "WHGSS", "owner": "DGT", "warehouse": "WH-1", "weight": "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing actor")

	req := httptest.NewRequest(http.MethodPost, "/api/processing", bytes.NewBufferString("{"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSubmitReservation_IdempotencyKey(t *testing.T) {
	h := newTestRouter(t)
	intake(t, h, "100")

	body := map[string]any{
		"seed": "WHGSS", "owner": "DGT", "warehouse": "WH-1", "class": "raw", "quantity": "10",
	}
	headers := append([]string{HeaderIdempotencyKey, "req-42"}, operator...)

	first := do(t, h, http.MethodPost, "/api/reservations", body, headers...)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := do(t, h, http.MethodPost, "/api/reservations", body, headers...)
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	assert.Equal(t, decodeBody[ReservationDTO](t, first).ID, decodeBody[ReservationDTO](t, second).ID)

	rec := do(t, h, http.MethodGet, "/api/reservations?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ReservationDTO](t, rec), 1)
}

func TestMetricsMounted(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind ledger.ErrorKind
		want int
	}{
		{ledger.KindValidation, http.StatusBadRequest},
		{ledger.KindForbidden, http.StatusForbidden},
		{ledger.KindNotFound, http.StatusNotFound},
		{ledger.KindConcurrencyConflict, http.StatusConflict},
		{ledger.KindAlreadyDecided, http.StatusConflict},
		{ledger.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}
