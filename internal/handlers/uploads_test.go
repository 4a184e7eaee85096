package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/merge"
	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/storage"
	"github.com/clipstitch/backend/internal/upload"
)

type uploadManagerStub struct {
	session     models.UploadSession
	progress    upload.Progress
	status      upload.StatusReport
	openErr     error
	chunkErr    error
	completeErr error
	abortErr    error
	statusErr   error

	chunkOffset int64
	chunkData   []byte
	aborted     []string
}

func (s *uploadManagerStub) Open(ctx context.Context, ownerID string, expectedSize int64, checksum string) (models.UploadSession, error) {
	if s.openErr != nil {
		return models.UploadSession{}, s.openErr
	}
	return s.session, nil
}

func (s *uploadManagerStub) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte) (upload.Progress, error) {
	s.chunkOffset = offset
	s.chunkData = append([]byte(nil), data...)
	if s.chunkErr != nil {
		return upload.Progress{}, s.chunkErr
	}
	return s.progress, nil
}

func (s *uploadManagerStub) Complete(ctx context.Context, sessionID string) (models.UploadSession, error) {
	if s.completeErr != nil {
		return models.UploadSession{}, s.completeErr
	}
	return s.session, nil
}

func (s *uploadManagerStub) Abort(ctx context.Context, sessionID string) error {
	s.aborted = append(s.aborted, sessionID)
	return s.abortErr
}

func (s *uploadManagerStub) Status(ctx context.Context, sessionID string) (upload.StatusReport, error) {
	if s.statusErr != nil {
		return upload.StatusReport{}, s.statusErr
	}
	return s.status, nil
}

type challengeServiceStub struct {
	session    models.MergeSession
	status     merge.StatusReport
	asset      models.MergedAsset
	createErr  error
	notifyErr  error
	triggerErr error
	statusErr  error
	resultErr  error

	notified  []string
	triggered []string

	createOwner string
	createClips []string
}

func (s *challengeServiceStub) CreateSession(ctx context.Context, ownerID string, uploadIDs []string) (models.MergeSession, error) {
	s.createOwner = ownerID
	s.createClips = append([]string(nil), uploadIDs...)
	if s.createErr != nil {
		return models.MergeSession{}, s.createErr
	}
	return s.session, nil
}

func (s *challengeServiceStub) NotifyUploadComplete(ctx context.Context, uploadID string) error {
	s.notified = append(s.notified, uploadID)
	return s.notifyErr
}

func (s *challengeServiceStub) Trigger(ctx context.Context, sessionID string) (models.MergeSession, error) {
	s.triggered = append(s.triggered, sessionID)
	if s.triggerErr != nil {
		return models.MergeSession{}, s.triggerErr
	}
	return s.session, nil
}

func (s *challengeServiceStub) Status(ctx context.Context, sessionID string) (merge.StatusReport, error) {
	if s.statusErr != nil {
		return merge.StatusReport{}, s.statusErr
	}
	return s.status, nil
}

func (s *challengeServiceStub) Result(ctx context.Context, sessionID string) (models.MergedAsset, error) {
	if s.resultErr != nil {
		return models.MergedAsset{}, s.resultErr
	}
	return s.asset, nil
}

type signerStub struct {
	url string
	err error
	ref storage.Ref
	ttl time.Duration
}

func (s *signerStub) Sign(ctx context.Context, ref storage.Ref, ttl time.Duration) (string, error) {
	s.ref = ref
	s.ttl = ttl
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func newTestMux(uploads UploadManager, challenges ChallengeService, signer AssetSigner) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, Dependencies{
		Uploads:    uploads,
		Challenges: challenges,
		Signer:     signer,
		SignTTL:    15 * time.Minute,
	})
	return mux
}

func TestUploadHandlerOpen(t *testing.T) {
	uploads := &uploadManagerStub{session: models.UploadSession{
		ID: "u1", OwnerID: "owner-1", ExpectedSize: 100, Status: models.UploadStatusOpen,
	}}
	mux := newTestMux(uploads, &challengeServiceStub{}, nil)

	body, _ := json.Marshal(map[string]any{"ownerId": "owner-1", "size": 100})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusCreated)
	}

	var resp uploadSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "u1" || resp.ExpectedSize != 100 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Missing) != 1 || resp.Missing[0].End != 100 {
		t.Fatalf("new session should report the full range missing: %+v", resp.Missing)
	}
}

func TestUploadHandlerOpenRejectsBadJSON(t *testing.T) {
	mux := newTestMux(&uploadManagerStub{}, &challengeServiceStub{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadHandlerChunk(t *testing.T) {
	uploads := &uploadManagerStub{progress: upload.Progress{Received: 70, Total: 100}}
	mux := newTestMux(uploads, &challengeServiceStub{}, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/uploads/u1/chunk", bytes.NewReader([]byte("chunk-bytes")))
	req.Header.Set("Upload-Offset", "64")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	if uploads.chunkOffset != 64 || string(uploads.chunkData) != "chunk-bytes" {
		t.Fatalf("chunk not delivered: offset=%d data=%q", uploads.chunkOffset, uploads.chunkData)
	}

	var resp chunkResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Received != 70 || resp.Total != 100 {
		t.Fatalf("unexpected progress: %+v", resp)
	}
}

func TestUploadHandlerChunkRequiresOffset(t *testing.T) {
	mux := newTestMux(&uploadManagerStub{}, &challengeServiceStub{}, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/uploads/u1/chunk", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"range conflict", fault.New(fault.CodeRangeConflict, "overlap"), http.StatusConflict},
		{"not found", fault.New(fault.CodeSessionNotFound, "missing"), http.StatusNotFound},
		{"expired", fault.New(fault.CodeSessionExpired, "gone"), http.StatusGone},
		{"invalid size", fault.New(fault.CodeInvalidSize, "too big"), http.StatusBadRequest},
		{"unclassified", context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uploads := &uploadManagerStub{chunkErr: tc.err}
			mux := newTestMux(uploads, &challengeServiceStub{}, nil)

			req := httptest.NewRequest(http.MethodPut, "/api/v1/uploads/u1/chunk", bytes.NewReader([]byte("x")))
			req.Header.Set("Upload-Offset", "0")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestUploadHandlerCompleteNotifiesChallenges(t *testing.T) {
	uploads := &uploadManagerStub{session: models.UploadSession{
		ID: "u1", OwnerID: "owner-1", ExpectedSize: 100, ReceivedBytes: 100, Status: models.UploadStatusComplete,
	}}
	challenges := &challengeServiceStub{}
	mux := newTestMux(uploads, challenges, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/u1/complete", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	if len(challenges.notified) != 1 || challenges.notified[0] != "u1" {
		t.Fatalf("merge readiness not notified: %v", challenges.notified)
	}
}

func TestUploadHandlerCompleteSurvivesNotifyError(t *testing.T) {
	uploads := &uploadManagerStub{session: models.UploadSession{ID: "u1", Status: models.UploadStatusComplete}}
	challenges := &challengeServiceStub{notifyErr: context.DeadlineExceeded}
	mux := newTestMux(uploads, challenges, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/u1/complete", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// The upload is sealed; readiness is re-discovered by later triggers.
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadHandlerStatus(t *testing.T) {
	uploads := &uploadManagerStub{status: upload.StatusReport{
		Session: models.UploadSession{ID: "u1", ExpectedSize: 100, ReceivedBytes: 40, Status: models.UploadStatusOpen},
		Missing: []models.ByteRange{{Start: 40, End: 100}},
	}}
	mux := newTestMux(uploads, &challengeServiceStub{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/u1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var resp uploadSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Received != 40 || len(resp.Missing) != 1 || resp.Missing[0].Start != 40 {
		t.Fatalf("unexpected resume report: %+v", resp)
	}
}

func TestUploadHandlerAbort(t *testing.T) {
	uploads := &uploadManagerStub{}
	mux := newTestMux(uploads, &challengeServiceStub{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/uploads/u1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(uploads.aborted) != 1 || uploads.aborted[0] != "u1" {
		t.Fatalf("abort not delivered: %v", uploads.aborted)
	}
}
