package orchestrator

import (
	"context"
	"fmt"

	"github.com/shelfscope/api/internal/model"
)

type productInput struct {
	Subject model.CollectedRecord `json:"subject"`
}

type competitorInput struct {
	Subject     model.CollectedRecord   `json:"subject"`
	Competitors []model.CollectedRecord `json:"competitors"`
}

type positioningInput struct {
	Subject            model.CollectedRecord `json:"subject"`
	ProductAnalysis    string                `json:"productAnalysis"`
	CompetitorAnalysis string                `json:"competitorAnalysis"`
}

type listingInput struct {
	positioningInput
	MarketPositioning string `json:"marketPositioning"`
}

func (r *runner) collect(ctx context.Context) (*model.PhaseResult, error) {
	res, err := r.m.collector.Collect(ctx, r.job.SubjectURL, func(progress float64, task string) {
		r.advance(model.PhaseCollection, progress, task)
	})
	if err != nil {
		return nil, err
	}
	r.collected = res

	if err := r.m.store.SaveRecords(r.storeCtx, r.job.ID, res.Records()); err != nil {
		r.log.Warn().Err(err).Msg("collected records not persisted")
	}

	return &model.PhaseResult{Collection: &model.CollectionResult{
		Subject:      res.Subject,
		SearchTerms:  res.SearchTerms,
		RelatedCount: len(res.Related),
		FailedCount:  res.FailedCount(),
	}}, nil
}

func (r *runner) analyze(ctx context.Context) (*model.PhaseResult, error) {
	if r.collected == nil {
		return nil, fmt.Errorf("no collection output")
	}
	subject := r.collected.Subject

	product, err := r.m.generator.Generate(ctx, model.SectionProductAnalysis, productInput{Subject: subject})
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	r.advance(model.PhaseAnalysis, 0.5, "Comparing competitors")

	competitors, err := r.m.generator.Generate(ctx, model.SectionCompetitorAnalysis, competitorInput{
		Subject:     subject,
		Competitors: model.UsableRecords(r.collected.Related),
	})
	if err != nil {
		return nil, err
	}

	return &model.PhaseResult{Analysis: &model.AnalysisResult{
		ProductAnalysis:    product,
		CompetitorAnalysis: competitors,
	}}, nil
}

func (r *runner) optimize(ctx context.Context) (*model.PhaseResult, error) {
	prior := r.job.Phase(model.PhaseAnalysis).Result
	if r.collected == nil || prior == nil || prior.Analysis == nil {
		return nil, fmt.Errorf("no analysis output")
	}
	in := positioningInput{
		Subject:            r.collected.Subject,
		ProductAnalysis:    prior.Analysis.ProductAnalysis,
		CompetitorAnalysis: prior.Analysis.CompetitorAnalysis,
	}

	positioning, err := r.m.generator.Generate(ctx, model.SectionMarketPositioning, in)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	r.advance(model.PhaseOptimization, 0.5, "Optimizing listing")

	listing, err := r.m.generator.Generate(ctx, model.SectionListingOptimizer, listingInput{
		positioningInput:  in,
		MarketPositioning: positioning,
	})
	if err != nil {
		return nil, err
	}

	return &model.PhaseResult{Optimization: &model.OptimizationResult{
		MarketPositioning:   positioning,
		ListingOptimization: listing,
	}}, nil
}
