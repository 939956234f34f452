package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// S3DocumentFetcher reads raw document bytes from the blob store, where the
// upload service places them under documents/<document_id>. Pages are
// delimited by form feeds, the convention the text ingestion path emits.
type S3DocumentFetcher struct {
	blobs  BlobStore
	params map[string]string
}

// NewS3DocumentFetcher creates the default ingestion boundary
func NewS3DocumentFetcher(blobs BlobStore, params map[string]string) *S3DocumentFetcher {
	if params == nil {
		params = map[string]string{"pipeline": "standard"}
	}
	return &S3DocumentFetcher{blobs: blobs, params: params}
}

// FetchDocument loads the raw bytes and derives the page list
func (f *S3DocumentFetcher) FetchDocument(ctx context.Context, documentID string) (*DocumentSource, error) {
	raw, err := f.blobs.Get(ctx, "documents/"+documentID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, engerrors.Validation("document is empty", map[string]interface{}{
			"document_id": documentID,
		})
	}

	pageCount := strings.Count(string(raw), "\f") + 1
	pages := make([]int, pageCount)
	for i := range pages {
		pages[i] = i + 1
	}

	return &DocumentSource{Raw: raw, Params: f.params, Pages: pages}, nil
}

// PlainTextCompute builds the default compute function: it splits the
// source text into pages and emits one page-text artifact each, plus the
// concatenated full text on the first page slot. Deployments with OCR or
// layout extraction substitute their own factory.
func PlainTextCompute(source *DocumentSource) ComputeFn {
	return func(ctx context.Context, address models.ContentAddress, pages []int) ([]*ComputedPage, error) {
		split := strings.Split(string(source.Raw), "\f")
		var out []*ComputedPage

		for _, p := range pages {
			if p < 1 || p > len(split) {
				return nil, engerrors.Validation("page out of range", map[string]interface{}{
					"page":  p,
					"pages": len(split),
				})
			}
			text := split[p-1]
			out = append(out, &ComputedPage{
				Kind:        models.ArtifactPageText,
				Page:        p,
				Data:        []byte(text),
				ContentType: "text/plain; charset=utf-8",
				WordCount:   len(strings.Fields(text)),
			})
		}

		out = append(out, &ComputedPage{
			Kind:        models.ArtifactFullText,
			Page:        0,
			Data:        source.Raw,
			ContentType: "text/plain; charset=utf-8",
			WordCount:   len(strings.Fields(string(source.Raw))),
		})
		return out, nil
	}
}

// KeywordAnalyzer is the built-in analyzer implementation: it scans the
// page text for its clause keywords and reports match positions with a
// coverage-based confidence. Production deployments register LLM-backed
// units behind the same interface.
type KeywordAnalyzer struct {
	name      string
	artifacts *ArtifactService
	keywords  []string
}

// NewKeywordAnalyzer creates a keyword analyzer unit
func NewKeywordAnalyzer(name string, artifacts *ArtifactService, keywords ...string) *KeywordAnalyzer {
	return &KeywordAnalyzer{name: name, artifacts: artifacts, keywords: keywords}
}

// Name returns the unit name
func (a *KeywordAnalyzer) Name() string { return a.name }

// Analyze scans page text for the unit's keywords
func (a *KeywordAnalyzer) Analyze(ctx context.Context, set *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error) {
	matches := make(map[string]interface{})
	found := 0

	for _, artifact := range set.ByKind(models.ArtifactPageText) {
		data, err := a.artifacts.Fetch(ctx, artifact)
		if err != nil {
			return nil, engerrors.TransientIO("failed to read page text", err)
		}
		text := strings.ToLower(string(data))
		for _, kw := range a.keywords {
			if strings.Contains(text, kw) {
				if _, seen := matches[kw]; !seen {
					matches[kw] = artifact.Page
					found++
				}
			}
		}
	}

	confidence := 0.0
	if len(a.keywords) > 0 {
		confidence = float64(found) / float64(len(a.keywords))
	}

	result := &models.UnitResult{
		Unit:       a.name,
		Confidence: confidence,
		Payload: map[string]interface{}{
			"matches": matches,
		},
	}
	if found == 0 {
		result.Warnings = append(result.Warnings, "no clause keywords located")
	}
	return result, nil
}

// ReconciliationAnalyzer is the terminal cross-validation unit. It compares
// the figures upstream units reported under the same key and flags every
// disagreement as a contradiction. It never judges which value is right.
type ReconciliationAnalyzer struct{}

// Name returns the unit name
func (ReconciliationAnalyzer) Name() string { return UnitFigureReconciliation }

// Analyze reconciles figures across upstream phase outputs
func (ReconciliationAnalyzer) Analyze(ctx context.Context, set *models.ArtifactSet, upstream map[string]*models.PhaseResult) (*models.UnitResult, error) {
	// figure key -> phase/unit -> value
	seen := make(map[string]map[string]interface{})

	for phase, result := range upstream {
		if result == nil || result.State != models.PhaseDone {
			continue
		}
		for unitName, unit := range result.Units {
			if unit == nil || unit.Fallback || unit.Payload == nil {
				continue
			}
			figures, ok := unit.Payload["figures"].(map[string]interface{})
			if !ok {
				continue
			}
			for key, value := range figures {
				if seen[key] == nil {
					seen[key] = make(map[string]interface{})
				}
				seen[key][phase+"/"+unitName] = value
			}
		}
	}

	var contradictions []string
	for key, sources := range seen {
		var first interface{}
		var firstSource string
		for source, value := range sources {
			if first == nil {
				first, firstSource = value, source
				continue
			}
			if fmt.Sprint(value) != fmt.Sprint(first) {
				contradictions = append(contradictions,
					fmt.Sprintf("%s: %s reports %v, %s reports %v", key, firstSource, first, source, value))
			}
		}
	}

	confidence := 1.0
	if len(contradictions) > 0 {
		confidence = 0.5
	}

	return &models.UnitResult{
		Unit:       UnitFigureReconciliation,
		Confidence: confidence,
		Payload: map[string]interface{}{
			"contradictions": contradictions,
			"figures_seen":   len(seen),
		},
	}, nil
}

// DefaultUnits registers the built-in analyzer for every unit the contract
// graph names.
func DefaultUnits(artifacts *ArtifactService) UnitRegistry {
	registry := make(UnitRegistry)

	registry.Register(NewKeywordAnalyzer(UnitPartiesProperty, artifacts,
		"vendor", "purchaser", "property"))
	registry.Register(NewKeywordAnalyzer(UnitConditions, artifacts,
		"subject to", "condition", "finance approval", "building inspection"))
	registry.Register(NewKeywordAnalyzer(UnitFinancialTerms, artifacts,
		"purchase price", "deposit", "balance"))
	registry.Register(NewKeywordAnalyzer(UnitChattelsInclusions, artifacts,
		"chattels", "inclusions", "fixtures"))
	registry.Register(NewKeywordAnalyzer(UnitLegalDescription, artifacts,
		"lot", "plan", "title reference"))

	registry.Register(NewKeywordAnalyzer(UnitSettlementArithmetic, artifacts,
		"settlement date", "business days"))
	registry.Register(NewKeywordAnalyzer(UnitDepositSchedule, artifacts,
		"initial deposit", "balance deposit"))

	registry.Register(NewKeywordAnalyzer(UnitTitleSearch, artifacts,
		"certificate of title", "registered proprietor"))
	registry.Register(NewKeywordAnalyzer(UnitEncumbranceReview, artifacts,
		"easement", "covenant", "caveat", "mortgage"))

	registry.Register(NewKeywordAnalyzer(UnitRatesAdjustment, artifacts,
		"rates", "adjustment"))
	registry.Register(NewKeywordAnalyzer(UnitOutgoingsApportionment, artifacts,
		"outgoings", "apportion"))

	registry.Register(ReconciliationAnalyzer{})
	return registry
}
