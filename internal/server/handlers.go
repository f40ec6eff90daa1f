package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB, overridable via HINDSIGHT_MAX_REQUEST_BODY_BYTES

// Handlers holds the HTTP handler dependencies: the three engine components
// the five endpoints wire together.
type Handlers struct {
	ingestor                *signal.Ingestor
	booster                 *boost.Booster
	stats                   *stats.Aggregator
	logger                  *slog.Logger
	startedAt               time.Time
	maxBody                 int64
	defaultUsefulnessWeight float64
}

// NewHandlers creates a new Handlers with all dependencies wired.
func NewHandlers(ingestor *signal.Ingestor, booster *boost.Booster, aggregator *stats.Aggregator, logger *slog.Logger, maxBodyBytes int64, usefulnessWeight float64) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = maxRequestBodyBytes
	}
	return &Handlers{
		ingestor:                ingestor,
		booster:                 booster,
		stats:                   aggregator,
		logger:                  logger,
		startedAt:               time.Now(),
		maxBody:                 maxBodyBytes,
		defaultUsefulnessWeight: usefulnessWeight,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleSignal handles POST /v1/{bank_id}/signal.
func (h *Handlers) HandleSignal(w http.ResponseWriter, r *http.Request) {
	bankID := r.PathValue("bank_id")

	var req model.SignalRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	factID, err := uuid.Parse(req.FactID)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, "fact_id must be a valid UUID")
		return
	}

	_, err = h.ingestor.ApplySignal(r.Context(), signal.ApplySignalInput{
		BankID:     bankID,
		Query:      req.Query,
		FactID:     factID,
		SignalType: req.SignalType,
		Confidence: req.Confidence,
	})
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.SignalResponse{
		Success:          true,
		SignalsProcessed: 1,
		UpdatedFacts:     []string{req.FactID},
	})
}

// HandleSignalBatch handles POST /v1/{bank_id}/signals.
//
// Each signal in the batch is applied independently; one failure does not
// abort the rest. The response reports how many succeeded and which facts
// were updated, matching the per-bank concurrency bound the ingestor already
// enforces internally.
func (h *Handlers) HandleSignalBatch(w http.ResponseWriter, r *http.Request) {
	bankID := r.PathValue("bank_id")

	var req model.SignalBatchRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if len(req.Signals) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, "signals must be non-empty")
		return
	}

	processed := 0
	updated := make([]string, 0, len(req.Signals))
	var firstErr error
	var firstBadFactID bool

	for _, sigReq := range req.Signals {
		factID, err := uuid.Parse(sigReq.FactID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
				firstBadFactID = true
			}
			continue
		}
		_, err = h.ingestor.ApplySignal(r.Context(), signal.ApplySignalInput{
			BankID:     bankID,
			Query:      sigReq.Query,
			FactID:     factID,
			SignalType: sigReq.SignalType,
			Confidence: sigReq.Confidence,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
		updated = append(updated, sigReq.FactID)
	}

	if processed == 0 && firstErr != nil {
		if firstBadFactID {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, "fact_id must be a valid UUID")
			return
		}
		h.writeSignalError(w, r, firstErr)
		return
	}

	writeJSON(w, r, http.StatusOK, model.SignalResponse{
		Success:          processed == len(req.Signals),
		SignalsProcessed: processed,
		UpdatedFacts:     updated,
	})
}

// HandleRecall handles POST /v1/{bank_id}/recall.
func (h *Handlers) HandleRecall(w http.ResponseWriter, r *http.Request) {
	bankID := r.PathValue("bank_id")

	var req model.RecallRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	opts := model.BoostOptions{
		UsefulnessWeight: h.defaultUsefulnessWeight,
		Limit:            req.Limit,
	}
	if req.UsefulnessWeight != nil {
		opts.UsefulnessWeight = *req.UsefulnessWeight
	}
	if req.MinUsefulness != nil {
		opts.MinUsefulness = *req.MinUsefulness
		opts.HasMinUsefulness = true
	}

	results, err := h.booster.Boost(r.Context(), bankID, req.Query, req.BaseResults, opts)
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RecallResponse{Results: results})
}

// HandleFactStats handles GET /v1/{bank_id}/facts/{fact_id}/stats.
func (h *Handlers) HandleFactStats(w http.ResponseWriter, r *http.Request) {
	bankID := r.PathValue("bank_id")
	factID, err := uuid.Parse(r.PathValue("fact_id"))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, "fact_id must be a valid UUID")
		return
	}

	result, err := h.stats.FactStats(r.Context(), bankID, factID)
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleBankStats handles GET /v1/{bank_id}/stats.
func (h *Handlers) HandleBankStats(w http.ResponseWriter, r *http.Request) {
	bankID := r.PathValue("bank_id")

	result, err := h.stats.BankStats(r.Context(), bankID)
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// writeSignalError maps a sentinel error from the signal/boost/stats
// packages onto the HTTP status code the error-handling taxonomy assigns it.
func (h *Handlers) writeSignalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrMissingQuery),
		errors.Is(err, model.ErrInvalidSignalType),
		errors.Is(err, model.ErrConfidenceOutOfRange):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, err.Error())
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUnknownFact):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrStoreConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, model.ErrEmbedFailed):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, err.Error())
	case errors.Is(err, model.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
	default:
		h.writeInternalError(w, r, "unexpected error", err)
	}
}

