package services

import (
	"context"
	"time"

	"github.com/clausewise/analysis-engine/internal/models"
)

// Locker is the per-address advisory lock used to guarantee at most one
// computation per content address cluster-wide.
type Locker interface {
	// Acquire attempts to take the lock, returning an ownership token on
	// success. ok=false means another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the lock if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// BlobStore is the immutable blob backend for artifact payloads
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactRows persists artifact and user-link rows with the composite-key
// uniqueness that backs insert-if-absent semantics.
type ArtifactRows interface {
	FindByAddress(ctx context.Context, address models.ContentAddress) ([]*models.Artifact, error)
	// InsertIfAbsent inserts the row, or returns the already-present row
	// for the same key. inserted=false means a concurrent writer won.
	InsertIfAbsent(ctx context.Context, artifact *models.Artifact) (row *models.Artifact, inserted bool, err error)

	InsertLink(ctx context.Context, link *models.UserDocumentLink) error
	FindLinks(ctx context.Context, userID, documentID string) ([]*models.UserDocumentLink, error)
	DeleteLinks(ctx context.Context, userID, documentID string) error
	CountLinks(ctx context.Context, address models.ContentAddress) (int64, error)
	DeleteByAddress(ctx context.Context, address models.ContentAddress) error
}

// RunStore persists run and checkpoint rows
type RunStore interface {
	Insert(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	FindByID(ctx context.Context, runID string) (*models.Run, error)
	// FindActive returns the non-terminal run for (document, user), or nil
	FindActive(ctx context.Context, documentID, userID string) (*models.Run, error)
	// FindCompleted returns a completed run for (document, user), or nil
	FindCompleted(ctx context.Context, documentID, userID string) (*models.Run, error)
	// FindStale returns recoverable runs whose heartbeat predates cutoff,
	// ordered by recovery priority desc then updated_at asc.
	FindStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error)

	InsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LastCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error)
	Checkpoints(ctx context.Context, runID string) ([]*models.Checkpoint, error)
}

// ProgressStore persists the last accepted emission per run for replay
type ProgressStore interface {
	Last(ctx context.Context, runID string) (*models.ProgressEvent, error)
	Save(ctx context.Context, event *models.ProgressEvent) error
}

// Broadcaster fans an accepted progress event out to live subscribers.
// Exactly one such channel per run is authoritative for UI.
type Broadcaster interface {
	Broadcast(event *models.ProgressEvent)
}

// EventBus publishes lifecycle events to the audit stream. Audit only:
// consumers must not treat it as the UI source of truth.
type EventBus interface {
	PublishRunEvent(ctx context.Context, eventType EventType, run *models.Run, data map[string]interface{}) error
	PublishProgressEvent(ctx context.Context, event *models.ProgressEvent) error
}

// RunQueue hands queued run ids to the worker pool
type RunQueue interface {
	Enqueue(ctx context.Context, runID string) error
	// Dequeue blocks up to timeout; "" means nothing was available
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int64, error)
}

// DocumentSource is the raw material the ingestion boundary supplies for
// one document: the bytes, the processing params, and the page numbers the
// pipeline must cover.
type DocumentSource struct {
	Raw    []byte
	Params map[string]string
	Pages  []int
}

// DocumentFetcher is the ingestion boundary. The engine never validates
// file types or storage concerns, it only consumes bytes.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, documentID string) (*DocumentSource, error)
}

// AnalyzerUnit is one externally-implemented analysis step. The orchestrator
// interprets only success/failure and confidence, never payload content.
type AnalyzerUnit interface {
	Name() string
	Analyze(ctx context.Context, artifacts *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error)
}

// ComputeFn produces the artifacts for the pages missing at an address.
// Invoked at most once per (address, page) cluster-wide.
type ComputeFn func(ctx context.Context, address models.ContentAddress, pages []int) ([]*ComputedPage, error)

// ComputeFactory binds a compute function to one document's source bytes
type ComputeFactory func(source *DocumentSource) ComputeFn

// ComputedPage is the raw output of one page computation before persistence
type ComputedPage struct {
	Kind        models.ArtifactKind
	Page        int
	SubKey      string
	Data        []byte
	ContentType string
	WordCount   int
}
