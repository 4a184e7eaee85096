package models

import "time"

// UploadStatus tracks the lifecycle of a single clip upload.
type UploadStatus string

const (
	UploadStatusOpen     UploadStatus = "open"
	UploadStatusComplete UploadStatus = "complete"
	UploadStatusExpired  UploadStatus = "expired"
	UploadStatusFailed   UploadStatus = "failed"
)

// ByteRange is a half-open interval [Start, End) of received bytes.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 { return r.End - r.Start }

// UploadSession represents one in-progress chunked upload of a single clip.
// Received ranges are kept sorted and non-overlapping so clients can resume
// by asking which gaps remain.
type UploadSession struct {
	ID             string
	OwnerID        string
	ExpectedSize   int64
	ExpectedSHA256 string
	Received       []ByteRange
	ReceivedBytes  int64
	Status         UploadStatus
	StagingPath    string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// MergeStatus tracks the lifecycle of a challenge's merge pipeline.
type MergeStatus string

const (
	MergeStatusCollecting MergeStatus = "collecting"
	MergeStatusReady      MergeStatus = "ready"
	MergeStatusMerging    MergeStatus = "merging"
	MergeStatusCompleted  MergeStatus = "completed"
	MergeStatusFailed     MergeStatus = "failed"
)

// MergeSession groups the ordered clip uploads that become one merged asset.
// UploadIDs order is statement order and is fixed at creation. WorkerID and
// LeaseExpiresAt are populated only while Status is MergeStatusMerging; the
// claiming worker owns the session until the lease expires.
type MergeSession struct {
	ID             string
	OwnerID        string
	UploadIDs      []string
	Status         MergeStatus
	RetryCount     int
	LastErrorCode  string
	WorkerID       string
	LeaseExpiresAt *time.Time
	AssetID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SegmentMetadata locates one original clip inside the merged asset. Times
// are milliseconds from the start of the merged output; segments are
// contiguous, so EndMS of segment i equals StartMS of segment i+1.
type SegmentMetadata struct {
	Index      int   `json:"index"`
	StartMS    int64 `json:"startMs"`
	EndMS      int64 `json:"endMs"`
	DurationMS int64 `json:"durationMs"`
}

// MergedAsset is the final durable object produced by a merge. Immutable
// once written; referenced by exactly one MergeSession.
type MergedAsset struct {
	ID             string
	MergeSessionID string
	StorageKey     string
	Location       string
	Backend        string
	Replicated     bool
	SizeBytes      int64
	DurationMS     int64
	Compressed     bool
	Segments       []SegmentMetadata
	CreatedAt      time.Time
}
