package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// ArtifactService resolves content addresses to artifact sets, computing
// missing pages at most once per address cluster-wide. Artifacts are shared
// across tenants; user identity only ever touches link rows.
type ArtifactService struct {
	rows    ArtifactRows
	blobs   BlobStore
	locker  Locker
	metrics *metrics.Metrics
	logger  *logger.Logger
	cfg     config.EngineConfig

	// lockPollInterval is how often a waiter re-checks the rows while a
	// concurrent holder computes.
	lockPollInterval time.Duration
}

// NewArtifactService creates the artifact service
func NewArtifactService(rows ArtifactRows, blobs BlobStore, locker Locker, m *metrics.Metrics, cfg config.EngineConfig, log *logger.Logger) *ArtifactService {
	return &ArtifactService{
		rows:             rows,
		blobs:            blobs,
		locker:           locker,
		metrics:          m,
		logger:           log.WithService("artifact_service"),
		cfg:              cfg,
		lockPollInterval: 500 * time.Millisecond,
	}
}

// Address derives the canonical content address for raw input bytes.
// Identical bytes with identical params always yield the identical address,
// regardless of submitting user.
func (s *ArtifactService) Address(raw []byte, params map[string]string) models.ContentAddress {
	return models.NewContentAddress([]byte(s.cfg.AddressSecret), raw, s.cfg.AlgorithmVersion, params)
}

// Resolve returns the artifact set already stored at address, which may be
// empty or partial. It never triggers computation.
func (s *ArtifactService) Resolve(ctx context.Context, address models.ContentAddress) (*models.ArtifactSet, error) {
	artifacts, err := s.rows.FindByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return &models.ArtifactSet{Address: address, Artifacts: artifacts}, nil
}

// ResolveOrCompute returns the full artifact set for address, computing any
// pages missing for kind. The per-address lock guarantees the compute
// callback runs at most once per page cluster-wide; waiters poll the rows
// and adopt the holder's output instead of recomputing.
func (s *ArtifactService) ResolveOrCompute(ctx context.Context, address models.ContentAddress, kind models.ArtifactKind, pages []int, compute ComputeFn) (*models.ArtifactSet, error) {
	set, err := s.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	if set.HasAllPages(kind, pages) {
		s.metrics.RecordArtifactResolution("hit")
		return set, nil
	}
	if len(set.Artifacts) > 0 {
		s.metrics.RecordArtifactResolution("partial_hit")
	}

	lockKey := "artifact:" + address.Key()
	waitStart := time.Now()
	deadline := waitStart.Add(s.cfg.LockWaitTimeout)

	for {
		token, ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			return nil, engerrors.TransientIO("failed to acquire compute lock", err)
		}
		if ok {
			s.metrics.RecordLockWait("acquired", time.Since(waitStart))
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.locker.Release(releaseCtx, lockKey, token); err != nil {
					s.logger.Warn("failed to release compute lock", zap.String("key", lockKey), zap.Error(err))
				}
			}()
			return s.computeMissing(ctx, address, kind, pages, compute)
		}

		// Another holder is computing. Poll the rows so we adopt its
		// output the moment the rows land.
		s.metrics.RecordLockWait("contended", 0)
		select {
		case <-ctx.Done():
			return nil, engerrors.TransientIO("cancelled while waiting for concurrent computation", ctx.Err())
		case <-time.After(s.lockPollInterval):
		}

		set, err = s.Resolve(ctx, address)
		if err != nil {
			return nil, err
		}
		if set.HasAllPages(kind, pages) {
			s.metrics.RecordArtifactResolution("wait_hit")
			return set, nil
		}

		if time.Now().After(deadline) {
			s.metrics.RecordLockWait("timeout", time.Since(waitStart))
			return nil, engerrors.LockHeld(fmt.Sprintf("computation for address %s still held after %s", address.ContentHMAC[:12], s.cfg.LockWaitTimeout))
		}
	}
}

// computeMissing runs under the address lock. A page that fails leaves the
// pages already persisted in place: the next attempt resumes from the rows,
// it never recomputes what landed.
func (s *ArtifactService) computeMissing(ctx context.Context, address models.ContentAddress, kind models.ArtifactKind, pages []int, compute ComputeFn) (*models.ArtifactSet, error) {
	// Re-check under the lock: the previous holder may have finished
	// between our lookup and our acquisition.
	set, err := s.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	var missing []int
	for _, p := range pages {
		if set.Page(kind, p) == nil {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		s.metrics.RecordArtifactResolution("wait_hit")
		return set, nil
	}

	start := time.Now()
	computed, err := compute(ctx, address, missing)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordArtifactCompute(string(kind), time.Since(start))

	var failed []int
	landed := make(map[int]bool, len(missing))
	for _, page := range computed {
		artifact, err := s.persist(ctx, address, page)
		if err != nil {
			s.logger.Error("failed to persist computed page",
				zap.String("content_hmac", address.ContentHMAC[:12]),
				zap.String("kind", string(page.Kind)),
				zap.Int("page", page.Page),
				zap.Error(err),
			)
			if page.Kind == kind {
				failed = append(failed, page.Page)
			}
			continue
		}
		set.Artifacts = append(set.Artifacts, artifact)
		if page.Kind == kind {
			landed[page.Page] = true
		}
	}

	for _, p := range missing {
		if !landed[p] {
			found := false
			for _, f := range failed {
				if f == p {
					found = true
					break
				}
			}
			if !found {
				failed = append(failed, p)
			}
		}
	}

	if len(failed) > 0 {
		return set, engerrors.Wrap(engerrors.ErrTransientIO, "some pages failed to compute", nil, map[string]interface{}{
			"kind":         string(kind),
			"failed_pages": failed,
		})
	}

	s.metrics.RecordArtifactResolution("computed")
	return set, nil
}

// persist writes the blob then the row. The row write is the commit point:
// a blob without a row is invisible and harmless, a row without a blob
// would be a dangling reference.
func (s *ArtifactService) persist(ctx context.Context, address models.ContentAddress, page *ComputedPage) (*models.Artifact, error) {
	blobKey := blobKeyFor(address, page.Kind, page.Page, page.SubKey)
	checksum := sha256Hex(page.Data)

	if err := s.blobs.Put(ctx, blobKey, page.Data, page.ContentType); err != nil {
		return nil, err
	}

	artifact := models.NewArtifact(address, page.Kind, page.Page, page.SubKey, blobKey, checksum, int64(len(page.Data)))
	artifact.WordCount = page.WordCount

	row, inserted, err := s.rows.InsertIfAbsent(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent writer won the row. Its blob key is identical, so
		// our Put was an idempotent overwrite of the same content.
		s.logger.Debug("artifact row already present, adopting existing",
			zap.String("blob_key", blobKey),
		)
	}

	return row, nil
}

// Fetch reads an artifact payload from blob storage
func (s *ArtifactService) Fetch(ctx context.Context, artifact *models.Artifact) ([]byte, error) {
	data, err := s.blobs.Get(ctx, artifact.BlobKey)
	if err != nil {
		return nil, err
	}
	if sha256Hex(data) != artifact.Checksum {
		return nil, engerrors.Storage(fmt.Sprintf("checksum mismatch for blob %s", artifact.BlobKey), nil)
	}
	return data, nil
}

// LinkUser binds a user document to the artifact set's pages. Links carry
// the tenant scope; the artifact rows stay anonymous and shared.
func (s *ArtifactService) LinkUser(ctx context.Context, userID, documentID string, set *models.ArtifactSet, kind models.ArtifactKind) error {
	for _, artifact := range set.ByKind(kind) {
		link := models.NewUserDocumentLink(userID, documentID, artifact.Page, artifact)
		if err := s.rows.InsertLink(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUserDocument removes the user's links for a document. Shared
// artifact rows and blobs are untouched; garbage collection reclaims them
// separately once no link anywhere references the address.
func (s *ArtifactService) DeleteUserDocument(ctx context.Context, userID, documentID string) ([]models.ContentAddress, error) {
	links, err := s.rows.FindLinks(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var addresses []models.ContentAddress
	for _, link := range links {
		if !seen[link.Address.Key()] {
			seen[link.Address.Key()] = true
			addresses = append(addresses, link.Address)
		}
	}

	if err := s.rows.DeleteLinks(ctx, userID, documentID); err != nil {
		return nil, err
	}

	return addresses, nil
}

// CollectGarbage deletes the artifacts at address when no link references
// it anymore. A non-zero link count is a no-op, never an error.
func (s *ArtifactService) CollectGarbage(ctx context.Context, address models.ContentAddress) (bool, error) {
	count, err := s.rows.CountLinks(ctx, address)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	set, err := s.Resolve(ctx, address)
	if err != nil {
		return false, err
	}

	for _, artifact := range set.Artifacts {
		if err := s.blobs.Delete(ctx, artifact.BlobKey); err != nil {
			return false, err
		}
	}

	if err := s.rows.DeleteByAddress(ctx, address); err != nil {
		return false, err
	}

	s.logger.Info("collected unreferenced artifact set",
		zap.String("content_hmac", address.ContentHMAC[:12]),
		zap.Int("artifacts", len(set.Artifacts)),
	)
	return true, nil
}

func blobKeyFor(address models.ContentAddress, kind models.ArtifactKind, page int, subKey string) string {
	key := fmt.Sprintf("artifacts/%s/%d/%s/%s/%d", address.ContentHMAC, address.AlgorithmVersion, address.ParamsFingerprint, kind, page)
	if subKey != "" {
		key += "/" + subKey
	}
	return key
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
