package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// Shared in-memory fakes so the service tests run without Neo4j, Redis, or
// S3. Each fake honors the same contract the real implementation does.

var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

// sharedMetrics returns a process-wide metrics instance; prometheus
// registration panics on duplicates, so tests share one.
func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics(logger.NewNop())
	})
	return testMetrics
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		AddressSecret:      "test-address-secret",
		AlgorithmVersion:   1,
		WorkerCount:        1,
		PhaseFanoutLimit:   4,
		UnitRetryBudget:    2,
		UnitTimeout:        time.Second,
		RetryBackoffBase:   time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		StalenessThreshold: 5 * time.Minute,
		SweepInterval:      time.Second,
		LockTTL:            time.Second,
		LockWaitTimeout:    time.Second,
	}
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type memBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{data: make(map[string][]byte)}
}

func (b *memBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return nil
}

func (b *memBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[key]
	if !ok {
		return nil, engerrors.Storage(fmt.Sprintf("blob %s not found", key), nil)
	}
	return data, nil
}

func (b *memBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok, nil
}

func (b *memBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func artifactKey(a *models.Artifact) string {
	return fmt.Sprintf("%s|%s|%d|%s", a.Address.Key(), a.Kind, a.Page, a.SubKey)
}

type memArtifactRows struct {
	mu        sync.Mutex
	artifacts map[string]*models.Artifact
	links     []*models.UserDocumentLink
}

func newMemArtifactRows() *memArtifactRows {
	return &memArtifactRows{artifacts: make(map[string]*models.Artifact)}
}

func (r *memArtifactRows) FindByAddress(ctx context.Context, address models.ContentAddress) ([]*models.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Artifact
	for _, a := range r.artifacts {
		if a.Address.Equal(address) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memArtifactRows) InsertIfAbsent(ctx context.Context, artifact *models.Artifact) (*models.Artifact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := artifactKey(artifact)
	if existing, ok := r.artifacts[key]; ok {
		return existing, false, nil
	}
	r.artifacts[key] = artifact
	return artifact, true, nil
}

func (r *memArtifactRows) InsertLink(ctx context.Context, link *models.UserDocumentLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, link)
	return nil
}

func (r *memArtifactRows) FindLinks(ctx context.Context, userID, documentID string) ([]*models.UserDocumentLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.UserDocumentLink
	for _, l := range r.links {
		if l.UserID == userID && l.DocumentID == documentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memArtifactRows) DeleteLinks(ctx context.Context, userID, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.links[:0]
	for _, l := range r.links {
		if l.UserID != userID || l.DocumentID != documentID {
			kept = append(kept, l)
		}
	}
	r.links = kept
	return nil
}

func (r *memArtifactRows) CountLinks(ctx context.Context, address models.ContentAddress) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, l := range r.links {
		if l.Address.Equal(address) {
			n++
		}
	}
	return n, nil
}

func (r *memArtifactRows) DeleteByAddress(ctx context.Context, address models.ContentAddress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.artifacts {
		if a.Address.Equal(address) {
			delete(r.artifacts, key)
		}
	}
	return nil
}

type memRunStore struct {
	mu          sync.Mutex
	runs        map[string]*models.Run
	checkpoints map[string][]*models.Checkpoint
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:        make(map[string]*models.Run),
		checkpoints: make(map[string][]*models.Checkpoint),
	}
}

func copyRun(run *models.Run) *models.Run {
	cp := *run
	return &cp
}

func (s *memRunStore) Insert(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *memRunStore) Update(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return engerrors.NotFound("run not found")
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *memRunStore) FindByID(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, engerrors.NotFound("run not found")
	}
	return copyRun(run), nil
}

func (s *memRunStore) FindActive(ctx context.Context, documentID, userID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.DocumentID == documentID && run.UserID == userID && !run.Status.Terminal() {
			return copyRun(run), nil
		}
	}
	return nil, nil
}

func (s *memRunStore) FindCompleted(ctx context.Context, documentID, userID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.DocumentID == documentID && run.UserID == userID && run.Status == models.RunCompleted {
			return copyRun(run), nil
		}
	}
	return nil, nil
}

func (s *memRunStore) FindStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, run := range s.runs {
		if run.Status.Recoverable() && run.HeartbeatAt.Before(cutoff) {
			out = append(out, copyRun(run))
		}
	}
	return out, nil
}

func (s *memRunStore) InsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.RunID] {
		if existing.Name == cp.Name {
			return nil
		}
	}
	s.checkpoints[cp.RunID] = append(s.checkpoints[cp.RunID], cp)
	return nil
}

func (s *memRunStore) LastCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Checkpoint
	for _, cp := range s.checkpoints[runID] {
		if best == nil || cp.ProgressPercent > best.ProgressPercent {
			best = cp
		}
	}
	return best, nil
}

func (s *memRunStore) Checkpoints(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Checkpoint(nil), s.checkpoints[runID]...), nil
}

type memProgressStore struct {
	mu   sync.Mutex
	last map[string]*models.ProgressEvent
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{last: make(map[string]*models.ProgressEvent)}
}

func (s *memProgressStore) Last(ctx context.Context, runID string) (*models.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[runID], nil
}

func (s *memProgressStore) Save(ctx context.Context, event *models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[event.RunID] = event
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *memQueue) Enqueue(ctx context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, runID)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

type recordedEvent struct {
	Type EventType
	Run  *models.Run
}

type memBus struct {
	mu       sync.Mutex
	events   []recordedEvent
	progress []*models.ProgressEvent
}

func (b *memBus) PublishRunEvent(ctx context.Context, eventType EventType, run *models.Run, data map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{Type: eventType, Run: run})
	return nil
}

func (b *memBus) PublishProgressEvent(ctx context.Context, event *models.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, event)
	return nil
}

type memBroadcaster struct {
	mu     sync.Mutex
	events []*models.ProgressEvent
}

func (b *memBroadcaster) Broadcast(event *models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *memBroadcaster) all() []*models.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.ProgressEvent(nil), b.events...)
}

// scriptedUnit runs an arbitrary function as an analyzer unit
type scriptedUnit struct {
	name string
	fn   func(ctx context.Context, set *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error)
}

func (u *scriptedUnit) Name() string { return u.name }

func (u *scriptedUnit) Analyze(ctx context.Context, set *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error) {
	return u.fn(ctx, set, upstream)
}

func okUnit(name string) *scriptedUnit {
	return &scriptedUnit{name: name, fn: func(ctx context.Context, set *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error) {
		return &models.UnitResult{Unit: name, Confidence: 0.9}, nil
	}}
}
