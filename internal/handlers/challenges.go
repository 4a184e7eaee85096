package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/clipstitch/backend/internal/logging"
	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/storage"
)

// ChallengeHandler exposes merge session creation, triggering, polling,
// and result retrieval.
type ChallengeHandler struct {
	Challenges ChallengeService
	Signer     AssetSigner
	SignTTL    time.Duration
}

type createChallengeRequest struct {
	OwnerID   string   `json:"ownerId"`
	UploadIDs []string `json:"uploadIds"`
}

type challengeResponse struct {
	ChallengeID string   `json:"challengeId"`
	OwnerID     string   `json:"ownerId"`
	UploadIDs   []string `json:"uploadIds"`
	Status      string   `json:"status"`
	RetryCount  int      `json:"retryCount,omitempty"`
	ErrorCode   string   `json:"errorCode,omitempty"`
}

type challengeStatusResponse struct {
	ChallengeID     string `json:"challengeId"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progressPercent"`
	ErrorCode       string `json:"errorCode,omitempty"`
	RetryCount      int    `json:"retryCount,omitempty"`
}

type segmentResponse struct {
	Index      int   `json:"index"`
	StartMS    int64 `json:"startMs"`
	EndMS      int64 `json:"endMs"`
	DurationMS int64 `json:"durationMs"`
}

type challengeResultResponse struct {
	ChallengeID string            `json:"challengeId"`
	URL         string            `json:"url"`
	ExpiresIn   int64             `json:"expiresInSeconds,omitempty"`
	DurationMS  int64             `json:"durationMs"`
	SizeBytes   int64             `json:"sizeBytes"`
	Compressed  bool              `json:"compressed"`
	Replicated  bool              `json:"replicated"`
	Segments    []segmentResponse `json:"segments"`
}

// Create handles POST /api/v1/challenges.
func (h ChallengeHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Challenges == nil {
		logger.Error("challenge dependencies unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "challenge services unavailable"})
		return
	}

	var req createChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid create challenge payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	session, err := h.Challenges.CreateSession(ctx, req.OwnerID, req.UploadIDs)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, toChallengeResponse(session))
}

// Merge handles POST /api/v1/challenges/{id}/merge. Safe to call more than
// once: a merge already underway is returned rather than restarted.
func (h ChallengeHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.Challenges.Trigger(ctx, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusAccepted, toChallengeResponse(session))
}

// Status handles GET /api/v1/challenges/{id}. Cheap; intended for polling.
func (h ChallengeHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	report, err := h.Challenges.Status(ctx, id)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, challengeStatusResponse{
		ChallengeID:     id,
		Status:          string(report.Status),
		ProgressPercent: report.ProgressPercent,
		ErrorCode:       report.ErrorCode,
		RetryCount:      report.RetryCount,
	})
}

// Result handles GET /api/v1/challenges/{id}/result, returning segment
// metadata plus a retrieval URL for the merged asset.
func (h ChallengeHandler) Result(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	id := r.PathValue("id")

	asset, err := h.Challenges.Result(ctx, id)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	url := asset.Location
	var expiresIn int64
	if h.Signer != nil {
		ref := storage.Ref{Key: asset.StorageKey, Location: asset.Location, Backend: storage.Backend(asset.Backend), Replicated: asset.Replicated}
		signed, err := h.Signer.Sign(ctx, ref, h.SignTTL)
		if err != nil {
			logger.Error("sign asset url", "challengeId", id, "error", err)
			respondJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: "unable to issue retrieval url"})
			return
		}
		url = signed
		if storage.Backend(asset.Backend) == storage.BackendS3 {
			expiresIn = int64(h.SignTTL / time.Second)
		}
	}

	resp := challengeResultResponse{
		ChallengeID: id,
		URL:         url,
		ExpiresIn:   expiresIn,
		DurationMS:  asset.DurationMS,
		SizeBytes:   asset.SizeBytes,
		Compressed:  asset.Compressed,
		Replicated:  asset.Replicated,
	}
	for _, seg := range asset.Segments {
		resp.Segments = append(resp.Segments, segmentResponse(seg))
	}

	respondJSON(ctx, w, http.StatusOK, resp)
}

func toChallengeResponse(session models.MergeSession) challengeResponse {
	return challengeResponse{
		ChallengeID: session.ID,
		OwnerID:     session.OwnerID,
		UploadIDs:   session.UploadIDs,
		Status:      string(session.Status),
		RetryCount:  session.RetryCount,
		ErrorCode:   session.LastErrorCode,
	}
}
