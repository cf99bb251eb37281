/*
handlers.go - HTTP API handlers for the seed-lot ledger

PURPOSE:
  Exposes the ledger services over REST. Handlers parse the request,
  resolve the acting principal, call exactly one service operation and
  serialize the result. No ledger rule lives here.

ENDPOINTS:
  Lots:
    POST   /api/lots                        Register intake
    GET    /api/lots/{id}                   Lot details
    GET    /api/lots/{id}/movements         Transaction log rows for the lot
    GET    /api/lots/{id}/records           Processing records on the lot
    GET    /api/partitions/balance          Totals + bin card
    GET    /api/pools                       Balance pool buckets

  Processing:
    POST   /api/processing                  Create draft
    PUT    /api/processing/{id}             Edit draft
    POST   /api/processing/{id}/quality     Add quality sample
    POST   /api/processing/{id}/rejects     Record reject weight
    POST   /api/processing/{id}/disposition Reclassify rejects
    POST   /api/processing/{id}/post
    POST   /api/processing/{id}/reverse
    GET    /api/processing/{id}
    GET    /api/processing/{id}/estimates
    GET    /api/processing/{id}/transactions

  Reservations:
    POST   /api/reservations                Submit (Idempotency-Key header)
    GET    /api/reservations                List (?status=&seed=&owner=&warehouse=&class=)
    GET    /api/reservations/{id}
    POST   /api/reservations/{id}/approve
    POST   /api/reservations/{id}/decline
    POST   /api/reservations/{id}/returns
    GET    /api/available                   Availability net of holds

IDENTITY:
  The acting principal comes from X-Actor-ID and X-Actor-Role. The
  services reject a missing actor as a validation error and check roles
  themselves.

ERROR HANDLING:
  ledger.KindOf picks the status:
  - 400: validation
  - 403: forbidden
  - 404: not_found
  - 409: insufficient_balance, already_posted, already_decided,
         not_posted, concurrency_conflict
  - 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgt/seed-ledger/ledger"
)

const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services *ledger.Services
	log      *zap.Logger
}

// NewHandler creates a handler over the ledger services.
func NewHandler(svc *ledger.Services, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Services: svc, log: log}
}

func actorFrom(r *http.Request) ledger.Actor {
	return ledger.Actor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
		Role: ledger.Role(strings.TrimSpace(r.Header.Get(HeaderActorRole))),
	}
}

func partitionFrom(r *http.Request) ledger.Partition {
	q := r.URL.Query()
	return ledger.Partition{
		Seed:      q.Get("seed"),
		Owner:     q.Get("owner"),
		Warehouse: q.Get("warehouse"),
	}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// RegisterIntake appends a raw inbound lot.
// POST /api/lots
func (h *Handler) RegisterIntake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if !decode(w, r, &req) {
		return
	}
	lot, err := h.Services.Lots.RegisterIntake(r.Context(), ledger.IntakeInput{
		Partition:   ledger.Partition{Seed: req.Seed, Owner: req.Owner, Warehouse: req.Warehouse},
		Weight:      req.Weight,
		Purity:      req.Purity,
		Description: req.Description,
		Attachments: toAttachments(req.Attachments),
	}, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(lot))
}

// GetLot returns a single lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Services.Lots.Get(r.Context(), ledger.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// GetLotMovements returns every transaction log row touching the lot.
// GET /api/lots/{id}/movements
func (h *Handler) GetLotMovements(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Services.Lots.Movements(r.Context(), ledger.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetLotRecords lists processing records opened on the lot.
// GET /api/lots/{id}/records
func (h *Handler) GetLotRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Services.Processing.ListByLot(r.Context(), ledger.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RecordDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPartitionBalance returns the partition's totals and bin card.
// GET /api/partitions/balance?seed=&owner=&warehouse=
func (h *Handler) GetPartitionBalance(w http.ResponseWriter, r *http.Request) {
	p := partitionFrom(r)
	if err := p.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	totals, err := h.Services.Lots.Totals(ctx, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	card, err := h.Services.Lots.BinCard(ctx, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := PartitionBalanceDTO{PartitionTotals: totals, BinCard: make([]BinCardRowDTO, 0, len(card))}
	for _, row := range card {
		resp.BinCard = append(resp.BinCard, BinCardRowDTO{LotDTO: toLotDTO(row.Lot), Balance: row.Balance})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPools returns the partition's balance pool buckets.
// GET /api/pools?seed=&owner=&warehouse=
func (h *Handler) GetPools(w http.ResponseWriter, r *http.Request) {
	p := partitionFrom(r)
	if err := p.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.Services.Lots.Pools(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PoolEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, PoolEntryDTO{ID: e.ID, Purity: e.Purity, Cleaned: e.Cleaned, Reject: e.Reject, UpdatedAt: e.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// PROCESSING HANDLERS
// =============================================================================

// CreateRecord opens a draft processing record.
// POST /api/processing
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Services.Processing.Create(r.Context(), req.input(), actorFrom(r))
	h.respondRecord(w, r, http.StatusCreated, rec, err)
}

// UpdateRecord replaces the measured values of a draft.
// PUT /api/processing/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Services.Processing.UpdateDraft(r.Context(), recordID(r), req.input(), actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// AddQualityCheck records a lab sample.
// POST /api/processing/{id}/quality
func (h *Handler) AddQualityCheck(w http.ResponseWriter, r *http.Request) {
	var req QualityCheckRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Services.Processing.AddQualityCheck(r.Context(), recordID(r), req.Purity, actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// RecordRejectWeight stores the weighed rejects and marks the record ready.
// POST /api/processing/{id}/rejects
func (h *Handler) RecordRejectWeight(w http.ResponseWriter, r *http.Request) {
	var req RejectWeightRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Services.Processing.RecordRejectWeight(r.Context(), recordID(r), req.ActualReject, actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// ReclassifyRejects sets the reject disposition.
// POST /api/processing/{id}/disposition
func (h *Handler) ReclassifyRejects(w http.ResponseWriter, r *http.Request) {
	var req DispositionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Services.Processing.ReclassifyRejects(r.Context(), recordID(r), req.Disposition, actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// PostRecord applies the record to the ledger.
// POST /api/processing/{id}/post
func (h *Handler) PostRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Services.Processing.Post(r.Context(), recordID(r), actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// ReverseRecord undoes a posting.
// POST /api/processing/{id}/reverse
func (h *Handler) ReverseRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Services.Processing.Reverse(r.Context(), recordID(r), actorFrom(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// GetRecord returns a processing record.
// GET /api/processing/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Services.Processing.Get(r.Context(), recordID(r))
	h.respondRecord(w, r, http.StatusOK, rec, err)
}

// GetRecordEstimates returns the reject and balance estimates.
// GET /api/processing/{id}/estimates
func (h *Handler) GetRecordEstimates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.Services.Processing.Get(ctx, recordID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bal, err := h.Services.Processing.BalanceEstimate(ctx, rec.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EstimatesDTO{Estimates: rec.Estimates, Balance: bal})
}

// GetRecordTransactions lists a record's ledger movements.
// GET /api/processing/{id}/transactions
func (h *Handler) GetRecordTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Services.Processing.Transactions(r.Context(), recordID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func recordID(r *http.Request) ledger.RecordID { return ledger.RecordID(chi.URLParam(r, "id")) }

func (h *Handler) respondRecord(w http.ResponseWriter, r *http.Request, status int, rec ledger.ProcessingRecord, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, toRecordDTO(rec))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// SubmitReservation creates a pending stock-out request.
// POST /api/reservations
func (h *Handler) SubmitReservation(w http.ResponseWriter, r *http.Request) {
	var req SubmitReservationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Services.Reservations.Submit(r.Context(), ledger.SubmitInput{
		Partition:      ledger.Partition{Seed: req.Seed, Owner: req.Owner, Warehouse: req.Warehouse},
		Class:          req.Class,
		Quantity:       req.Quantity,
		IsBorrow:       req.IsBorrow,
		Borrower:       req.Borrower,
		Description:    req.Description,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		Attachments:    toAttachments(req.Attachments),
	}, actorFrom(r))
	h.respondReservation(w, r, http.StatusCreated, res, err)
}

// ListReservations lists reservations, optionally filtered.
// GET /api/reservations?status=pending,pending_secondary&seed=&owner=&warehouse=&class=
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.ReservationFilter
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.Statuses = append(f.Statuses, ledger.ReservationStatus(s))
		}
	}
	if p := partitionFrom(r); p != (ledger.Partition{}) {
		if err := p.Validate(); err != nil {
			h.fail(w, r, err)
			return
		}
		f.Partition = &p
	}
	f.Class = ledger.StockClass(q.Get("class"))

	list, err := h.Services.Reservations.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ReservationDTO, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationDTO(res))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetReservation returns one reservation.
// GET /api/reservations/{id}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Services.Reservations.Get(r.Context(), reservationID(r))
	h.respondReservation(w, r, http.StatusOK, res, err)
}

// ApproveReservation advances a reservation one approval stage.
// POST /api/reservations/{id}/approve
func (h *Handler) ApproveReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Services.Reservations.Approve(r.Context(), reservationID(r), actorFrom(r))
	h.respondReservation(w, r, http.StatusOK, res, err)
}

// DeclineReservation ends a pending reservation.
// POST /api/reservations/{id}/decline
func (h *Handler) DeclineReservation(w http.ResponseWriter, r *http.Request) {
	var req DeclineRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Services.Reservations.Decline(r.Context(), reservationID(r), req.Reason, actorFrom(r))
	h.respondReservation(w, r, http.StatusOK, res, err)
}

// RegisterReturn books part of a borrow back to its owner.
// POST /api/reservations/{id}/returns
func (h *Handler) RegisterReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Services.Reservations.RegisterReturn(r.Context(), reservationID(r), req.Quantity, actorFrom(r))
	h.respondReservation(w, r, http.StatusOK, res, err)
}

// GetAvailable returns stock available to new reservations.
// GET /api/available?seed=&owner=&warehouse=&class=
func (h *Handler) GetAvailable(w http.ResponseWriter, r *http.Request) {
	p := partitionFrom(r)
	if err := p.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	class := ledger.StockClass(r.URL.Query().Get("class"))
	if class == "" {
		class = ledger.ClassCleaned
	}
	if !class.Valid() {
		h.fail(w, r, &ledger.FieldError{Field: "class", Message: "must be cleaned, reject or raw"})
		return
	}
	avail, err := h.Services.Reservations.Available(r.Context(), p, class)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableDTO{Partition: p, Class: class, Available: avail})
}

func reservationID(r *http.Request) ledger.ReservationID {
	return ledger.ReservationID(chi.URLParam(r, "id"))
}

func (h *Handler) respondReservation(w http.ResponseWriter, r *http.Request, status int, res ledger.Reservation, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, toReservationDTO(res))
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(ledger.KindValidation), err)
		return false
	}
	return true
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindForbidden:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInsufficientBalance, ledger.KindAlreadyPosted, ledger.KindAlreadyDecided,
		ledger.KindNotPosted, ledger.KindConcurrencyConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, string(ledger.KindInternal), nil)
		return
	}
	writeError(w, status, string(kind), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	resp := ErrorResponse{Error: kind}
	if err != nil {
		resp.Details = ledger.Reason(err)
	}
	writeJSON(w, status, resp)
}
