package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vibeswap/vibeswap/commitbuf"
	"github.com/vibeswap/vibeswap/engine"
	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/reveal"
	"github.com/vibeswap/vibeswap/types"
)

type (
	// batchEngine is the engine surface the REST handlers expose.
	batchEngine interface {
		Commit(ctx context.Context, req *types.CommitRequest, estimatedNotional uint64, origin types.ParticipantID) error
		Reveal(ctx context.Context, req *types.RevealRequest) error
		CurrentBatch(pool types.PoolID) (types.BatchHeader, types.Phase, error)
		Result(pool types.PoolID, batch types.BatchID) (*types.BatchResult, error)
	}

	commitRequest struct {
		BatchID           uint64 `json:"batch_id"`
		Participant       string `json:"participant"`
		Hash              []byte `json:"hash"` // base64 in JSON
		Deposit           uint64 `json:"deposit"`
		EstimatedNotional uint64 `json:"estimated_notional"`
		// Origin is the funding source of the deposit when it differs
		// from the participant, fed to the anti-replay guard.
		Origin string `json:"origin,omitempty"`
	}

	revealRequest struct {
		BatchID     uint64 `json:"batch_id"`
		Participant string `json:"participant"`
		Payload     []byte `json:"payload"`
		Secret      []byte `json:"secret"`
	}

	currentBatchResponse struct {
		PoolID         string `json:"pool_id"`
		BatchID        uint64 `json:"batch_id"`
		Phase          string `json:"phase"`
		CommitDeadline int64  `json:"commit_deadline"` // unix nanoseconds
		RevealDeadline int64  `json:"reveal_deadline"`
	}

	errorResponse struct {
		Err string `json:"error"`
	}
)

func EngineEndpoints(e batchEngine, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		log := obs.Logger()

		r.HandleFunc("/pools/{poolID}/commitments", postCommitment(e, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/pools/{poolID}/reveals", postReveal(e, log)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/pools/{poolID}/batches/current", getCurrentBatch(e, log)).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/pools/{poolID}/batches/{batchID}/result", getBatchResult(e, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func postCommitment(e batchEngine, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		pool, err := poolIDVar(r)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		req := &commitRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, log, http.StatusBadRequest, fmt.Errorf("parsing commit request: %w", err))
			return
		}
		// submission time is stamped here, not client supplied
		err = e.Commit(r.Context(), &types.CommitRequest{
			PoolID:      pool,
			BatchID:     types.BatchID(req.BatchID),
			Participant: types.ParticipantID(req.Participant),
			Hash:        req.Hash,
			Deposit:     req.Deposit,
			SubmittedAt: time.Now().UnixNano(),
		}, req.EstimatedNotional, types.ParticipantID(req.Origin))
		if err != nil {
			writeError(w, log, rejectionStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func postReveal(e batchEngine, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		pool, err := poolIDVar(r)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		req := &revealRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, log, http.StatusBadRequest, fmt.Errorf("parsing reveal request: %w", err))
			return
		}
		err = e.Reveal(r.Context(), &types.RevealRequest{
			PoolID:      pool,
			BatchID:     types.BatchID(req.BatchID),
			Participant: types.ParticipantID(req.Participant),
			Payload:     req.Payload,
			Secret:      req.Secret,
		})
		if err != nil {
			writeError(w, log, rejectionStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func getCurrentBatch(e batchEngine, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, err := poolIDVar(r)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		header, phase, err := e.CurrentBatch(pool)
		if err != nil {
			writeError(w, log, rejectionStatus(err), err)
			return
		}
		writeJSON(w, log, http.StatusOK, &currentBatchResponse{
			PoolID:         header.PoolID.String(),
			BatchID:        uint64(header.BatchID),
			Phase:          phase.String(),
			CommitDeadline: header.CommitDeadline,
			RevealDeadline: header.RevealDeadline,
		})
	}
}

func getBatchResult(e batchEngine, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, err := poolIDVar(r)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		batch, err := strconv.ParseUint(mux.Vars(r)["batchID"], 10, 64)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, fmt.Errorf("invalid batch ID: %w", err))
			return
		}
		result, err := e.Result(pool, types.BatchID(batch))
		if err != nil {
			writeError(w, log, rejectionStatus(err), err)
			return
		}
		writeJSON(w, log, http.StatusOK, result)
	}
}

// poolIDVar parses the hex encoded pool identifier from the route.
func poolIDVar(r *http.Request) (types.PoolID, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["poolID"], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pool ID: %w", err)
	}
	return types.PoolID(id), nil
}

// rejectionStatus maps engine rejections to HTTP status codes: phase
// violations are conflicts, missing pools and batches are not found,
// everything else the engine rejects synchronously is a bad request.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, commitbuf.ErrWrongPhase) || errors.Is(err, reveal.ErrWrongPhase):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownPool) || errors.Is(err, engine.ErrUnknownBatch) || errors.Is(err, engine.ErrNotSettled):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, status int, err error) {
	writeJSON(w, log, status, &errorResponse{Err: err.Error()})
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", logger.Error(err))
	}
}
