package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/logging"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError classifies an error into the pipeline taxonomy and maps the
// code to an HTTP status. Only the code and message cross the boundary;
// underlying causes stay in the logs.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)

	if code == "" {
		logging.FromContext(ctx).Error("unclassified handler error", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	respondJSON(ctx, w, statusForCode(code), errorResponse{Error: fault.MessageOf(err), Code: string(code)})
}

func statusForCode(code fault.Code) int {
	switch code {
	case fault.CodeInvalidSize, fault.CodeInvalidInputDuration:
		return http.StatusBadRequest
	case fault.CodeRangeConflict, fault.CodeIncomplete, fault.CodeNotReady, fault.CodeNotCompleted:
		return http.StatusConflict
	case fault.CodeChecksumMismatch, fault.CodeAnalysisError:
		return http.StatusUnprocessableEntity
	case fault.CodeSessionNotFound:
		return http.StatusNotFound
	case fault.CodeSessionExpired:
		return http.StatusGone
	case fault.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case fault.CodeMergeError, fault.CodeStorageError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
