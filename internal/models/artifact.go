package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactKind identifies the processing stage that produced an artifact
type ArtifactKind string

const (
	ArtifactFullText       ArtifactKind = "full_text"
	ArtifactPageText       ArtifactKind = "page_text"
	ArtifactPageImage      ArtifactKind = "page_image"
	ArtifactPageStructured ArtifactKind = "page_structured"
	ArtifactSubImage       ArtifactKind = "sub_image"
)

// Artifact is an immutable, content-addressed output of one processing
// stage. Artifacts are shared and anonymous: two unrelated users whose
// documents carry identical bytes resolve to the same rows. They are never
// updated in place; garbage collection may remove them only once no
// UserDocumentLink references the address.
type Artifact struct {
	ID       string         `json:"id"`
	Address  ContentAddress `json:"address"`
	Kind     ArtifactKind   `json:"kind"`
	Page     int            `json:"page"`
	SubKey   string         `json:"sub_key,omitempty"`
	BlobKey  string         `json:"blob_key"`
	Checksum string         `json:"checksum"`

	// Lightweight derived metrics
	WordCount int   `json:"word_count,omitempty"`
	SizeBytes int64 `json:"size_bytes"`

	CreatedAt time.Time `json:"created_at"`
}

// NewArtifact creates an artifact row for a freshly computed page output
func NewArtifact(address ContentAddress, kind ArtifactKind, page int, subKey, blobKey, checksum string, sizeBytes int64) *Artifact {
	return &Artifact{
		ID:        uuid.New().String(),
		Address:   address,
		Kind:      kind,
		Page:      page,
		SubKey:    subKey,
		BlobKey:   blobKey,
		Checksum:  checksum,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now(),
	}
}

// ArtifactSet groups the artifacts resolved for one address, indexed for
// phase consumption.
type ArtifactSet struct {
	Address   ContentAddress `json:"address"`
	Artifacts []*Artifact    `json:"artifacts"`
}

// Pages returns the distinct page numbers present in the set, for one kind
func (s *ArtifactSet) Pages(kind ArtifactKind) []int {
	seen := make(map[int]bool)
	var pages []int
	for _, a := range s.Artifacts {
		if a.Kind == kind && !seen[a.Page] {
			seen[a.Page] = true
			pages = append(pages, a.Page)
		}
	}
	return pages
}

// ByKind returns the artifacts of one kind, in insertion order
func (s *ArtifactSet) ByKind(kind ArtifactKind) []*Artifact {
	var out []*Artifact
	for _, a := range s.Artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Page returns the artifact for (kind, page), or nil
func (s *ArtifactSet) Page(kind ArtifactKind, page int) *Artifact {
	for _, a := range s.Artifacts {
		if a.Kind == kind && a.Page == page && a.SubKey == "" {
			return a
		}
	}
	return nil
}

// HasAllPages reports whether every requested page is present for kind
func (s *ArtifactSet) HasAllPages(kind ArtifactKind, pages []int) bool {
	for _, p := range pages {
		if s.Page(kind, p) == nil {
			return false
		}
	}
	return true
}

// UserDocumentLink binds a user-visible document identity to a shared
// artifact. This is the privacy boundary: links are tenant-scoped and
// deleted with the user's document, the artifact rows stay anonymous.
type UserDocumentLink struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	DocumentID string         `json:"document_id"`
	Page       int            `json:"page"`
	ArtifactID string         `json:"artifact_id"`
	Address    ContentAddress `json:"address"`

	// User-private annotations, never shared across links
	Annotations map[string]interface{} `json:"annotations,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUserDocumentLink creates a tenant-scoped link row
func NewUserDocumentLink(userID, documentID string, page int, artifact *Artifact) *UserDocumentLink {
	return &UserDocumentLink{
		ID:         uuid.New().String(),
		UserID:     userID,
		DocumentID: documentID,
		Page:       page,
		ArtifactID: artifact.ID,
		Address:    artifact.Address,
		CreatedAt:  time.Now(),
	}
}
