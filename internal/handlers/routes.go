package handlers

import (
	"net/http"
	"time"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{}
	uploads := UploadHandler{Uploads: deps.Uploads, Challenges: deps.Challenges, Limiter: deps.Limiter, MaxChunkBytes: deps.MaxChunkBytes}
	challenges := ChallengeHandler{Challenges: deps.Challenges, Signer: deps.Signer, SignTTL: deps.SignTTL}

	mux.HandleFunc("GET /healthz", health.Handle)

	mux.HandleFunc("POST /api/v1/uploads", uploads.Open)
	mux.HandleFunc("PUT /api/v1/uploads/{id}/chunk", uploads.Chunk)
	mux.HandleFunc("GET /api/v1/uploads/{id}", uploads.Status)
	mux.HandleFunc("POST /api/v1/uploads/{id}/complete", uploads.Complete)
	mux.HandleFunc("DELETE /api/v1/uploads/{id}", uploads.Abort)

	mux.HandleFunc("POST /api/v1/challenges", challenges.Create)
	mux.HandleFunc("POST /api/v1/challenges/{id}/merge", challenges.Merge)
	mux.HandleFunc("GET /api/v1/challenges/{id}", challenges.Status)
	mux.HandleFunc("GET /api/v1/challenges/{id}/result", challenges.Result)

	if deps.MediaRoot != "" {
		media := MediaHandler{Root: deps.MediaRoot}
		mux.HandleFunc("GET /media/{key...}", media.Serve)
	}
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Uploads       UploadManager
	Challenges    ChallengeService
	Signer        AssetSigner
	Limiter       RateLimiter
	SignTTL       time.Duration
	MaxChunkBytes int64
	MediaRoot     string
}
