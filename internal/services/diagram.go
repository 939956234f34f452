package services

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// DiagramExtractor pulls embedded images (site plans, survey diagrams,
// floor plans) out of structured page artifacts and stores each as a
// sub-image artifact keyed by its content checksum. Extraction is
// idempotent: re-running over the same pages lands on the same rows.
type DiagramExtractor struct {
	artifacts *ArtifactService
	rows      ArtifactRows
	blobs     BlobStore
	logger    *logger.Logger
}

// NewDiagramExtractor creates the diagram extractor
func NewDiagramExtractor(artifacts *ArtifactService, rows ArtifactRows, blobs BlobStore, log *logger.Logger) *DiagramExtractor {
	return &DiagramExtractor{
		artifacts: artifacts,
		rows:      rows,
		blobs:     blobs,
		logger:    log.WithService("diagram_extractor"),
	}
}

// structuredPage is the subset of the structured-page payload the extractor
// reads. Everything else in the payload is opaque to it.
type structuredPage struct {
	Images []embeddedImage `json:"images"`
}

type embeddedImage struct {
	Label       string `json:"label,omitempty"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// Extract scans the structured artifacts in set and persists every embedded
// image as a sub-image artifact. Returns the extracted artifacts, including
// ones that already existed from a prior extraction.
func (d *DiagramExtractor) Extract(ctx context.Context, set *models.ArtifactSet) ([]*models.Artifact, error) {
	var out []*models.Artifact

	for _, structured := range set.ByKind(models.ArtifactPageStructured) {
		data, err := d.artifacts.Fetch(ctx, structured)
		if err != nil {
			return out, err
		}

		var page structuredPage
		if err := json.Unmarshal(data, &page); err != nil {
			// A malformed structured payload is a processing defect, not
			// an I/O hiccup. Skip the page rather than failing the run.
			d.logger.Warn("structured page payload is not parseable, skipping",
				zap.Int("page", structured.Page),
				zap.Error(err),
			)
			continue
		}

		for _, img := range page.Images {
			extracted, err := d.extractOne(ctx, set.Address, structured.Page, img)
			if err != nil {
				return out, err
			}
			if extracted != nil {
				out = append(out, extracted)
			}
		}
	}

	return out, nil
}

func (d *DiagramExtractor) extractOne(ctx context.Context, address models.ContentAddress, page int, img embeddedImage) (*models.Artifact, error) {
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		d.logger.Warn("embedded image is not valid base64, skipping",
			zap.Int("page", page),
			zap.String("label", img.Label),
		)
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// The checksum is the sub-key: identical images on the same page are
	// one artifact, and re-extraction is a MERGE no-op.
	checksum := sha256Hex(raw)
	blobKey := blobKeyFor(address, models.ArtifactSubImage, page, checksum)

	if err := d.blobs.Put(ctx, blobKey, raw, img.ContentType); err != nil {
		return nil, engerrors.Storage("failed to store extracted diagram", err)
	}

	artifact := models.NewArtifact(address, models.ArtifactSubImage, page, checksum, blobKey, checksum, int64(len(raw)))
	row, inserted, err := d.rows.InsertIfAbsent(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if inserted {
		d.logger.Info("extracted embedded diagram",
			zap.Int("page", page),
			zap.String("label", img.Label),
			zap.Int("size_bytes", len(raw)),
		)
	}

	return row, nil
}
