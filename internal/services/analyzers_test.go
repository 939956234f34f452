package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

func TestS3DocumentFetcher(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobStore()
	fetcher := NewS3DocumentFetcher(blobs, nil)

	t.Run("derives the page list from form feeds", func(t *testing.T) {
		require.NoError(t, blobs.Put(ctx, "documents/doc-1", []byte("page one\fpage two\fpage three"), "text/plain"))

		source, err := fetcher.FetchDocument(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, source.Pages)
		assert.Equal(t, "standard", source.Params["pipeline"])
	})

	t.Run("an empty document is a validation error", func(t *testing.T) {
		require.NoError(t, blobs.Put(ctx, "documents/empty", nil, "text/plain"))

		_, err := fetcher.FetchDocument(ctx, "empty")
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrValidation, engerrors.Code(err))
	})

	t.Run("a missing document surfaces the storage error", func(t *testing.T) {
		_, err := fetcher.FetchDocument(ctx, "no-such-doc")
		require.Error(t, err)
	})
}

func TestPlainTextCompute(t *testing.T) {
	ctx := context.Background()
	source := &DocumentSource{Raw: []byte("vendor and purchaser\fsettlement date"), Pages: []int{1, 2}}
	compute := PlainTextCompute(source)
	address := models.NewContentAddress([]byte("secret"), source.Raw, 1, nil)

	t.Run("emits page text plus full text", func(t *testing.T) {
		pages, err := compute(ctx, address, []int{1, 2})
		require.NoError(t, err)
		require.Len(t, pages, 3)

		assert.Equal(t, models.ArtifactPageText, pages[0].Kind)
		assert.Equal(t, []byte("vendor and purchaser"), pages[0].Data)
		assert.Equal(t, 3, pages[0].WordCount)
		assert.Equal(t, models.ArtifactPageText, pages[1].Kind)
		assert.Equal(t, []byte("settlement date"), pages[1].Data)

		full := pages[2]
		assert.Equal(t, models.ArtifactFullText, full.Kind)
		assert.Equal(t, 0, full.Page)
		assert.Equal(t, source.Raw, full.Data)
	})

	t.Run("an out of range page is a validation error", func(t *testing.T) {
		_, err := compute(ctx, address, []int{7})
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrValidation, engerrors.Code(err))
	})
}

func TestKeywordAnalyzer(t *testing.T) {
	ctx := context.Background()
	env := setupArtifactTest(t)
	address := env.svc.Address([]byte("contract"), nil)

	compute := func(ctx context.Context, addr models.ContentAddress, pages []int) ([]*ComputedPage, error) {
		texts := map[int]string{
			1: "The Vendor agrees to sell and the Purchaser agrees to buy.",
			2: "Settlement shall occur 30 business days after the contract date.",
		}
		var out []*ComputedPage
		for _, p := range pages {
			out = append(out, &ComputedPage{
				Kind:        models.ArtifactPageText,
				Page:        p,
				Data:        []byte(texts[p]),
				ContentType: "text/plain",
			})
		}
		return out, nil
	}
	set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2}, compute)
	require.NoError(t, err)

	t.Run("matches are case-insensitive with page attribution", func(t *testing.T) {
		unit := NewKeywordAnalyzer(UnitPartiesProperty, env.svc, "vendor", "purchaser", "property")
		result, err := unit.Analyze(ctx, set, nil)
		require.NoError(t, err)

		assert.InDelta(t, 2.0/3.0, result.Confidence, 1e-9)
		matches := result.Payload["matches"].(map[string]interface{})
		assert.Equal(t, 1, matches["vendor"])
		assert.Equal(t, 1, matches["purchaser"])
		assert.NotContains(t, matches, "property")
	})

	t.Run("zero matches carry a warning", func(t *testing.T) {
		unit := NewKeywordAnalyzer(UnitEncumbranceReview, env.svc, "easement", "caveat")
		result, err := unit.Analyze(ctx, set, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Confidence)
		assert.Contains(t, result.Warnings, "no clause keywords located")
	})
}

func TestReconciliationAnalyzer(t *testing.T) {
	ctx := context.Background()
	unit := ReconciliationAnalyzer{}

	figures := func(phase string, unitFigures map[string]map[string]interface{}) *models.PhaseResult {
		result := &models.PhaseResult{Phase: phase, State: models.PhaseDone, Units: map[string]*models.UnitResult{}}
		for name, figs := range unitFigures {
			payload := make(map[string]interface{}, len(figs))
			for k, v := range figs {
				payload[k] = v
			}
			result.Units[name] = &models.UnitResult{
				Unit:       name,
				Confidence: 1,
				Payload:    map[string]interface{}{"figures": payload},
			}
		}
		return result
	}

	t.Run("agreeing figures reconcile cleanly", func(t *testing.T) {
		upstream := map[string]*models.PhaseResult{
			PhaseIntake: figures(PhaseIntake, map[string]map[string]interface{}{
				UnitFinancialTerms: {"deposit": 50000},
			}),
			PhaseSettlementLogistics: figures(PhaseSettlementLogistics, map[string]map[string]interface{}{
				UnitDepositSchedule: {"deposit": 50000},
			}),
		}
		result, err := unit.Analyze(ctx, nil, upstream)
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.Confidence)
		assert.Empty(t, result.Payload["contradictions"])
		assert.Equal(t, 1, result.Payload["figures_seen"])
	})

	t.Run("disagreeing figures become contradictions", func(t *testing.T) {
		upstream := map[string]*models.PhaseResult{
			PhaseIntake: figures(PhaseIntake, map[string]map[string]interface{}{
				UnitFinancialTerms: {"deposit": 50000},
			}),
			PhaseSettlementLogistics: figures(PhaseSettlementLogistics, map[string]map[string]interface{}{
				UnitDepositSchedule: {"deposit": 45000},
			}),
		}
		result, err := unit.Analyze(ctx, nil, upstream)
		require.NoError(t, err)
		assert.Equal(t, 0.5, result.Confidence)
		contradictions := result.Payload["contradictions"].([]string)
		require.Len(t, contradictions, 1)
		assert.Contains(t, contradictions[0], "deposit")
	})

	t.Run("fallback and failed upstream values are ignored", func(t *testing.T) {
		fallbackPhase := figures(PhaseSettlementLogistics, map[string]map[string]interface{}{
			UnitDepositSchedule: {"deposit": 999},
		})
		fallbackPhase.Units[UnitDepositSchedule].Fallback = true

		failedPhase := figures(PhaseAdjustments, map[string]map[string]interface{}{
			UnitRatesAdjustment: {"deposit": 111},
		})
		failedPhase.State = models.PhaseFailed

		upstream := map[string]*models.PhaseResult{
			PhaseIntake: figures(PhaseIntake, map[string]map[string]interface{}{
				UnitFinancialTerms: {"deposit": 50000},
			}),
			PhaseSettlementLogistics: fallbackPhase,
			PhaseAdjustments:         failedPhase,
		}
		result, err := unit.Analyze(ctx, nil, upstream)
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.Confidence)
		assert.Empty(t, result.Payload["contradictions"])
	})
}

func TestDefaultUnitsCoverContractGraph(t *testing.T) {
	env := setupArtifactTest(t)
	registry := DefaultUnits(env.svc)
	require.NoError(t, registry.ValidateAgainst(ContractGraph()))
}
