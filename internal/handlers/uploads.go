package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clipstitch/backend/internal/logging"
	"github.com/clipstitch/backend/internal/models"
)

// UploadHandler exposes the chunked upload lifecycle over HTTP.
type UploadHandler struct {
	Uploads       UploadManager
	Challenges    ChallengeService
	Limiter       RateLimiter
	MaxChunkBytes int64
}

const defaultMaxChunkBytes = 16 << 20

type openUploadRequest struct {
	OwnerID string `json:"ownerId"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256,omitempty"`
}

type byteRangeResponse struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type uploadSessionResponse struct {
	SessionID    string              `json:"sessionId"`
	OwnerID      string              `json:"ownerId"`
	ExpectedSize int64               `json:"expectedSize"`
	Received     int64               `json:"received"`
	Status       string              `json:"status"`
	Missing      []byteRangeResponse `json:"missing,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

type chunkResponse struct {
	SessionID string `json:"sessionId"`
	Received  int64  `json:"received"`
	Total     int64  `json:"total"`
}

// Open handles POST /api/v1/uploads.
func (h UploadHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Uploads == nil {
		logger.Error("upload dependencies unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "upload services unavailable"})
		return
	}

	if !allowRequest(h.Limiter, r, "upload-open") {
		respondJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}

	var req openUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid open upload payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	session, err := h.Uploads.Open(ctx, req.OwnerID, req.Size, req.SHA256)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, sessionResponse(session, []models.ByteRange{{Start: 0, End: session.ExpectedSize}}))
}

// Chunk handles PUT /api/v1/uploads/{id}/chunk. The byte offset travels in
// the Upload-Offset header; the chunk is the raw request body.
func (h UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if !allowRequest(h.Limiter, r, "upload-chunk") {
		respondJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}

	sessionID := r.PathValue("id")

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		logger.Warn("invalid upload offset", "value", r.Header.Get("Upload-Offset"))
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "Upload-Offset header must be a byte offset"})
		return
	}

	maxChunk := h.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = defaultMaxChunkBytes
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunk))
	if err != nil {
		logger.Warn("read chunk body", "sessionId", sessionID, "error", err)
		respondJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{Error: "chunk exceeds maximum size"})
		return
	}

	progress, err := h.Uploads.WriteChunk(ctx, sessionID, offset, data)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, chunkResponse{SessionID: sessionID, Received: progress.Received, Total: progress.Total})
}

// Status handles GET /api/v1/uploads/{id}, reporting the gaps a resuming
// client still needs to send.
func (h UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.Uploads.Status(ctx, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, sessionResponse(report.Session, report.Missing))
}

// Complete handles POST /api/v1/uploads/{id}/complete. Sealing the last
// clip of a challenge synchronously checks readiness and kicks off the merge.
func (h UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	session, err := h.Uploads.Complete(ctx, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	if h.Challenges != nil {
		if err := h.Challenges.NotifyUploadComplete(ctx, session.ID); err != nil {
			// The upload itself is sealed; merge readiness is re-discovered by
			// the explicit trigger endpoint or the next sibling completion.
			logger.Error("notify merge readiness", "sessionId", session.ID, "error", err)
		}
	}

	respondJSON(ctx, w, http.StatusOK, sessionResponse(session, nil))
}

// Abort handles DELETE /api/v1/uploads/{id}. Always succeeds.
func (h UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.Uploads.Abort(ctx, r.PathValue("id")); err != nil {
		respondError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func sessionResponse(session models.UploadSession, missing []models.ByteRange) uploadSessionResponse {
	resp := uploadSessionResponse{
		SessionID:    session.ID,
		OwnerID:      session.OwnerID,
		ExpectedSize: session.ExpectedSize,
		Received:     session.ReceivedBytes,
		Status:       string(session.Status),
		CreatedAt:    session.CreatedAt,
	}
	for _, gap := range missing {
		resp.Missing = append(resp.Missing, byteRangeResponse{Start: gap.Start, End: gap.End})
	}
	return resp
}
