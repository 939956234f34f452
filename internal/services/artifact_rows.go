package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// Neo4jArtifactRows implements ArtifactRows over Neo4j. The composite
// uniqueness constraint on (content_hmac, algorithm_version,
// params_fingerprint, kind, page, sub_key) backs the insert-if-absent
// contract: MERGE either creates the row or matches the winner's row.
type Neo4jArtifactRows struct {
	neo4j  *database.Neo4jClient
	logger *logger.Logger
}

// NewNeo4jArtifactRows creates the Neo4j-backed artifact row store
func NewNeo4jArtifactRows(client *database.Neo4jClient, log *logger.Logger) *Neo4jArtifactRows {
	return &Neo4jArtifactRows{
		neo4j:  client,
		logger: log.WithService("artifact_rows"),
	}
}

func addressParams(address models.ContentAddress) map[string]interface{} {
	return map[string]interface{}{
		"content_hmac":       address.ContentHMAC,
		"algorithm_version":  address.AlgorithmVersion,
		"params_fingerprint": address.ParamsFingerprint,
	}
}

// FindByAddress returns every artifact row for an address
func (r *Neo4jArtifactRows) FindByAddress(ctx context.Context, address models.ContentAddress) ([]*models.Artifact, error) {
	query := `
		MATCH (a:Artifact {content_hmac: $content_hmac, algorithm_version: $algorithm_version, params_fingerprint: $params_fingerprint})
		RETURN a.id as id, a.kind as kind, a.page as page, a.sub_key as sub_key,
		       a.blob_key as blob_key, a.checksum as checksum,
		       a.word_count as word_count, a.size_bytes as size_bytes,
		       a.created_at as created_at
		ORDER BY a.kind, a.page, a.sub_key`

	result, err := r.neo4j.ExecuteQuery(ctx, query, addressParams(address))
	if err != nil {
		return nil, engerrors.Database("failed to query artifacts", err)
	}

	artifacts := make([]*models.Artifact, 0, len(result.Records))
	for _, record := range result.Records {
		artifacts = append(artifacts, recordToArtifact(record, address))
	}

	return artifacts, nil
}

// InsertIfAbsent inserts the artifact row or returns the existing one
func (r *Neo4jArtifactRows) InsertIfAbsent(ctx context.Context, artifact *models.Artifact) (*models.Artifact, bool, error) {
	query := `
		MERGE (a:Artifact {content_hmac: $content_hmac, algorithm_version: $algorithm_version, params_fingerprint: $params_fingerprint,
		                   kind: $kind, page: $page, sub_key: $sub_key})
		ON CREATE SET a.id = $id, a.blob_key = $blob_key, a.checksum = $checksum,
		              a.word_count = $word_count, a.size_bytes = $size_bytes,
		              a.created_at = $created_at, a.inserted = true
		ON MATCH SET a.inserted = false
		RETURN a.id as id, a.kind as kind, a.page as page, a.sub_key as sub_key,
		       a.blob_key as blob_key, a.checksum as checksum,
		       a.word_count as word_count, a.size_bytes as size_bytes,
		       a.created_at as created_at, a.inserted as inserted`

	params := addressParams(artifact.Address)
	params["id"] = artifact.ID
	params["kind"] = string(artifact.Kind)
	params["page"] = artifact.Page
	params["sub_key"] = artifact.SubKey
	params["blob_key"] = artifact.BlobKey
	params["checksum"] = artifact.Checksum
	params["word_count"] = artifact.WordCount
	params["size_bytes"] = artifact.SizeBytes
	params["created_at"] = artifact.CreatedAt.UTC().Format(time.RFC3339Nano)

	result, err := r.neo4j.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, false, engerrors.Database("failed to insert artifact", err)
	}
	if len(result.Records) == 0 {
		return nil, false, engerrors.Database("artifact merge returned no row", nil)
	}

	record := result.Records[0]
	row := recordToArtifact(record, artifact.Address)
	inserted := false
	if v, ok := record.Get("inserted"); ok && v != nil {
		inserted, _ = v.(bool)
	}

	return row, inserted, nil
}

// InsertLink creates the per-user link row binding a document page to a
// shared artifact. Idempotent on the (user, document, page, artifact) key.
func (r *Neo4jArtifactRows) InsertLink(ctx context.Context, link *models.UserDocumentLink) error {
	annotations := "{}"
	if link.Annotations != nil {
		data, err := json.Marshal(link.Annotations)
		if err != nil {
			return engerrors.Validation("annotations are not serializable", nil)
		}
		annotations = string(data)
	}

	query := `
		MERGE (l:UserDocumentLink {user_id: $user_id, document_id: $document_id, page: $page, artifact_id: $artifact_id})
		ON CREATE SET l.id = $id, l.content_hmac = $content_hmac,
		              l.algorithm_version = $algorithm_version,
		              l.params_fingerprint = $params_fingerprint,
		              l.annotations = $annotations, l.created_at = $created_at`

	params := addressParams(link.Address)
	params["id"] = link.ID
	params["user_id"] = link.UserID
	params["document_id"] = link.DocumentID
	params["page"] = link.Page
	params["artifact_id"] = link.ArtifactID
	params["annotations"] = annotations
	params["created_at"] = link.CreatedAt.UTC().Format(time.RFC3339Nano)

	if _, err := r.neo4j.ExecuteQuery(ctx, query, params); err != nil {
		return engerrors.Database("failed to insert user document link", err)
	}

	return nil
}

// FindLinks returns a user's link rows for one document
func (r *Neo4jArtifactRows) FindLinks(ctx context.Context, userID, documentID string) ([]*models.UserDocumentLink, error) {
	query := `
		MATCH (l:UserDocumentLink {user_id: $user_id, document_id: $document_id})
		RETURN l.id as id, l.page as page, l.artifact_id as artifact_id,
		       l.content_hmac as content_hmac, l.algorithm_version as algorithm_version,
		       l.params_fingerprint as params_fingerprint, l.annotations as annotations
		ORDER BY l.page`

	result, err := r.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"user_id":     userID,
		"document_id": documentID,
	})
	if err != nil {
		return nil, engerrors.Database("failed to query links", err)
	}

	links := make([]*models.UserDocumentLink, 0, len(result.Records))
	for _, record := range result.Records {
		link := &models.UserDocumentLink{
			UserID:     userID,
			DocumentID: documentID,
			ID:         recordString(record, "id"),
			Page:       recordInt(record, "page"),
			ArtifactID: recordString(record, "artifact_id"),
			Address: models.ContentAddress{
				ContentHMAC:       recordString(record, "content_hmac"),
				AlgorithmVersion:  recordInt(record, "algorithm_version"),
				ParamsFingerprint: recordString(record, "params_fingerprint"),
			},
		}
		if raw := recordString(record, "annotations"); raw != "" && raw != "{}" {
			_ = json.Unmarshal([]byte(raw), &link.Annotations)
		}
		links = append(links, link)
	}

	return links, nil
}

// DeleteLinks removes a user's link rows for one document. Shared artifact
// rows are untouched; garbage collection handles unreferenced addresses.
func (r *Neo4jArtifactRows) DeleteLinks(ctx context.Context, userID, documentID string) error {
	query := `
		MATCH (l:UserDocumentLink {user_id: $user_id, document_id: $document_id})
		DELETE l`

	if _, err := r.neo4j.ExecuteQuery(ctx, query, map[string]interface{}{
		"user_id":     userID,
		"document_id": documentID,
	}); err != nil {
		return engerrors.Database("failed to delete user document links", err)
	}

	return nil
}

// CountLinks counts the link rows referencing an address, across all users
func (r *Neo4jArtifactRows) CountLinks(ctx context.Context, address models.ContentAddress) (int64, error) {
	query := `
		MATCH (l:UserDocumentLink {content_hmac: $content_hmac, algorithm_version: $algorithm_version, params_fingerprint: $params_fingerprint})
		RETURN count(l) as total`

	result, err := r.neo4j.ExecuteQuery(ctx, query, addressParams(address))
	if err != nil {
		return 0, engerrors.Database("failed to count links", err)
	}
	if len(result.Records) == 0 {
		return 0, nil
	}

	if v, ok := result.Records[0].Get("total"); ok && v != nil {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}
	return 0, nil
}

// DeleteByAddress removes every artifact row for an address; GC path only
func (r *Neo4jArtifactRows) DeleteByAddress(ctx context.Context, address models.ContentAddress) error {
	query := `
		MATCH (a:Artifact {content_hmac: $content_hmac, algorithm_version: $algorithm_version, params_fingerprint: $params_fingerprint})
		DELETE a`

	if _, err := r.neo4j.ExecuteQuery(ctx, query, addressParams(address)); err != nil {
		return engerrors.Database("failed to delete artifacts", err)
	}

	return nil
}

// Record parsing helpers shared by the Neo4j-backed stores

func recordToArtifact(record *neo4j.Record, address models.ContentAddress) *models.Artifact {
	return &models.Artifact{
		ID:        recordString(record, "id"),
		Address:   address,
		Kind:      models.ArtifactKind(recordString(record, "kind")),
		Page:      recordInt(record, "page"),
		SubKey:    recordString(record, "sub_key"),
		BlobKey:   recordString(record, "blob_key"),
		Checksum:  recordString(record, "checksum"),
		WordCount: recordInt(record, "word_count"),
		SizeBytes: recordInt64(record, "size_bytes"),
		CreatedAt: recordTime(record, "created_at"),
	}
}

func recordString(record *neo4j.Record, key string) string {
	if v, ok := record.Get(key); ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func recordInt(record *neo4j.Record, key string) int {
	return int(recordInt64(record, key))
}

func recordInt64(record *neo4j.Record, key string) int64 {
	if v, ok := record.Get(key); ok && v != nil {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

func recordFloat(record *neo4j.Record, key string) float64 {
	if v, ok := record.Get(key); ok && v != nil {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return 0
}

func recordBool(record *neo4j.Record, key string) bool {
	if v, ok := record.Get(key); ok && v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func recordTime(record *neo4j.Record, key string) time.Time {
	if raw := recordString(record, key); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func recordJSONMap(record *neo4j.Record, key string) map[string]interface{} {
	raw := recordString(record, key)
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
