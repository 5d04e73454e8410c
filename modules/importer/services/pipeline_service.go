package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

// RequestBuilder rebuilds a sync request from the ingest parameters
// persisted on a run, so a failed run can be retried without the original
// command line.
type RequestBuilder func(params importrun.IngestParams) (SyncRequest, error)

type SyncRequest struct {
	Entity staging.Entity
	Ingest IngestRequest
}

type SyncResult struct {
	Run        importrun.Run
	Ingest     IngestSummary
	Validation ValidationSummary
	Promotion  PromotionSummary
	Load       *LoadResult
}

// PipelineService owns the run lifecycle and sequences the phases:
// ingest, validate, promote, load. Any phase error marks the run failed
// with the error summary; loaders mark the run succeeded inside their own
// transaction, everything else succeeds here.
type PipelineService struct {
	runs         importrun.Repository
	ingestion    *IngestionService
	validation   *ValidationService
	promotion    *PromotionService
	orgLoader    *OrganizationLoader
	affLoader    *AffiliationLoader
	buildRequest RequestBuilder

	log *logrus.Entry
	now func() time.Time
	m   *metrics
}

func NewPipelineService(
	runs importrun.Repository,
	ingestion *IngestionService,
	validation *ValidationService,
	promotion *PromotionService,
	orgLoader *OrganizationLoader,
	affLoader *AffiliationLoader,
	buildRequest RequestBuilder,
	log *logrus.Entry,
) *PipelineService {
	return &PipelineService{
		runs:         runs,
		ingestion:    ingestion,
		validation:   validation,
		promotion:    promotion,
		orgLoader:    orgLoader,
		affLoader:    affLoader,
		buildRequest: buildRequest,
		log:          log,
		now:          time.Now,
		m:            getMetrics(),
	}
}

func (s *PipelineService) RunSync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	run, err := s.runs.Create(ctx, importrun.New(req.Ingest.Adapter, req.Ingest.DryRun, importrun.IngestParams{
		SourceSystem: req.Ingest.Adapter,
		Object:       req.Ingest.Object,
		DryRun:       req.Ingest.DryRun,
	}))
	if err != nil {
		return SyncResult{}, fmt.Errorf("create run: %w", err)
	}
	run, err = s.runs.Update(ctx, run.Started(s.now()))
	if err != nil {
		return SyncResult{}, fmt.Errorf("start run: %w", err)
	}

	res := SyncResult{Run: run}

	res.Ingest, run, err = s.ingestion.Ingest(ctx, run, req.Ingest)
	if err != nil {
		return res, s.fail(ctx, &res, run, fmt.Errorf("ingest: %w", err))
	}
	res.Run = run

	if req.Ingest.DryRun {
		return res, s.succeed(ctx, &res, run)
	}

	res.Validation, err = s.validation.ValidateRun(ctx, req.Entity, run.ID())
	if err != nil {
		return res, s.fail(ctx, &res, run, fmt.Errorf("validate: %w", err))
	}

	res.Promotion, err = s.promotion.PromoteClean(ctx, req.Entity, run.ID(), false)
	if err != nil {
		return res, s.fail(ctx, &res, run, fmt.Errorf("promote: %w", err))
	}

	switch req.Entity {
	case staging.EntityOrganization:
		load, err := s.orgLoader.Execute(ctx, run.ID())
		if err != nil {
			return res, s.fail(ctx, &res, run, fmt.Errorf("load organizations: %w", err))
		}
		res.Load = &load
	case staging.EntityAffiliation:
		load, err := s.affLoader.Execute(ctx, run.ID())
		if err != nil {
			return res, s.fail(ctx, &res, run, fmt.Errorf("load affiliations: %w", err))
		}
		res.Load = &load
	default:
		// No loader for this entity, the pipeline ends at promotion.
		return res, s.succeed(ctx, &res, run)
	}

	// The loader finished the run inside its transaction; refresh our copy.
	run, err = s.runs.GetByID(ctx, run.ID())
	if err != nil {
		return res, fmt.Errorf("reload run: %w", err)
	}
	res.Run = run
	return res, nil
}

// Retry re-issues a failed run as a fresh run using the persisted ingest
// parameters. The watermark makes the replay incremental, not duplicative.
func (s *PipelineService) Retry(ctx context.Context, runID uuid.UUID) (SyncResult, error) {
	prior, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if prior.Status() != importrun.StatusFailed {
		return SyncResult{}, errors.Errorf("run %s is %s, only failed runs can be retried", runID, prior.Status())
	}
	if s.buildRequest == nil {
		return SyncResult{}, errors.New("retry is not wired for this pipeline")
	}
	req, err := s.buildRequest(prior.IngestParams())
	if err != nil {
		return SyncResult{}, fmt.Errorf("rebuild request for run %s: %w", runID, err)
	}

	s.log.WithFields(logrus.Fields{"run_id": runID, "object": req.Ingest.Object}).Info("retrying failed run")
	return s.RunSync(ctx, req)
}

func (s *PipelineService) Run(ctx context.Context, runID uuid.UUID) (importrun.Run, error) {
	return s.runs.GetByID(ctx, runID)
}

// StaleRuns lists runs still marked running that have not been touched
// within the threshold. Listing only: operators decide what to do.
func (s *PipelineService) StaleRuns(ctx context.Context, threshold time.Duration) ([]importrun.Run, error) {
	return s.runs.ListStale(ctx, s.now().Add(-threshold))
}

func (s *PipelineService) fail(ctx context.Context, res *SyncResult, run importrun.Run, cause error) error {
	failed, err := s.runs.Update(ctx, run.Failed(s.now(), cause.Error()))
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID()).Error("could not mark run failed")
		return cause
	}
	res.Run = failed
	s.m.runsTotal.WithLabelValues(run.Adapter(), string(importrun.StatusFailed)).Inc()
	s.log.WithError(cause).WithField("run_id", run.ID()).Error("run failed")
	return cause
}

func (s *PipelineService) succeed(ctx context.Context, res *SyncResult, run importrun.Run) error {
	done, err := s.runs.Update(ctx, run.Succeeded(s.now()))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	res.Run = done
	s.m.runsTotal.WithLabelValues(run.Adapter(), string(importrun.StatusSucceeded)).Inc()
	return nil
}
