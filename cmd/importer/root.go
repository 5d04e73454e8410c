package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	crmpersistence "github.com/iota-uz/vms-importer/modules/crm/infrastructure/persistence"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/infrastructure/persistence"
	"github.com/iota-uz/vms-importer/modules/importer/infrastructure/salesforce"
	"github.com/iota-uz/vms-importer/modules/importer/services"
	"github.com/iota-uz/vms-importer/pkg/composables"
	"github.com/iota-uz/vms-importer/pkg/configuration"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "importer",
		Short:         "Salesforce to VMS synchronization pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newDQCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		configuration.Use().Unload()
		os.Exit(1)
	}
	configuration.Use().Unload()
}

// app bundles the wired services behind every command that touches the
// database.
type app struct {
	conf *configuration.Configuration
	pool *pgxpool.Pool
	log  *logrus.Entry

	pipeline   *services.PipelineService
	violations *services.ViolationService
}

// newApp wires repositories, services and the connection pool, and returns a
// context carrying the pool for the composables layer.
func newApp(ctx context.Context) (*app, context.Context, error) {
	conf := configuration.Use()
	log := conf.Logger().WithField("component", "importer")

	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, ctx, fmt.Errorf("connect to database: %w", err)
	}
	ctx = composables.WithPool(ctx, pool)

	runs := persistence.NewImportRunRepository()
	staged := persistence.NewStagingRepository()
	cleans := persistence.NewCleanRepository()
	refs := persistence.NewExternalRefRepository()
	watermarks := persistence.NewWatermarkRepository()
	violations := persistence.NewViolationRepository()

	orgs := crmpersistence.NewOrganizationRepository()
	affs := crmpersistence.NewAffiliationRepository()
	volunteers := crmpersistence.NewVolunteerRepository()

	extractor := salesforce.NewBulkClient(salesforce.Options{
		InstanceURL:  conf.Salesforce.InstanceURL,
		APIVersion:   conf.Salesforce.APIVersion,
		AccessToken:  conf.Salesforce.AccessToken,
		PollInterval: conf.Salesforce.PollInterval,
		PollTimeout:  conf.Salesforce.PollTimeout,
		HTTPClient:   &http.Client{Timeout: conf.Salesforce.HTTPTimeout},
		Logger:       log.WithField("component", "salesforce"),
	})

	ingestion := services.NewIngestionService(runs, staged, watermarks, extractor, log)
	validation := services.NewValidationService(staged, violations, log)
	promotion := services.NewPromotionService(staged, cleans, log)
	orgLoader := services.NewOrganizationLoader(runs, staged, cleans, refs, orgs, watermarks, log)
	affLoader := services.NewAffiliationLoader(runs, staged, cleans, refs, affs, volunteers, watermarks, log)

	pipeline := services.NewPipelineService(
		runs,
		ingestion,
		validation,
		promotion,
		orgLoader,
		affLoader,
		func(params importrun.IngestParams) (services.SyncRequest, error) {
			return buildSyncRequest(conf, params.Object, params.DryRun)
		},
		log,
	)
	violationSvc := services.NewViolationService(violations, staged, cleans, runs, orgLoader, affLoader, log)

	if conf.Prometheus.Enabled {
		go serveMetrics(conf, log)
	}

	return &app{
		conf:       conf,
		pool:       pool,
		log:        log,
		pipeline:   pipeline,
		violations: violationSvc,
	}, ctx, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// buildSyncRequest maps a source object name onto the entity, mapping
// document and query builder that synchronize it.
func buildSyncRequest(conf *configuration.Configuration, object string, dryRun bool) (services.SyncRequest, error) {
	base := services.IngestRequest{
		Adapter:     "salesforce",
		DryRun:      dryRun,
		BatchSize:   conf.Importer.BatchSize,
		RecordLimit: conf.Importer.RecordLimit,
	}

	switch strings.ToLower(object) {
	case "contact", "contacts":
		base.Object = "Contact"
		base.Entity = staging.EntityVolunteer
		base.MappingPath = conf.Importer.MappingPath(conf.Importer.ContactMapping)
		base.BuildQuery = salesforce.ContactQuery
	case "account", "accounts", "organization", "organizations":
		base.Object = "Account"
		base.Entity = staging.EntityOrganization
		base.MappingPath = conf.Importer.MappingPath(conf.Importer.AccountMapping)
		base.BuildQuery = salesforce.AccountQuery
	case "affiliation", "affiliations", "npe5__affiliation__c":
		base.Object = "npe5__Affiliation__c"
		base.Entity = staging.EntityAffiliation
		base.MappingPath = conf.Importer.MappingPath(conf.Importer.AffiliationMapping)
		base.BuildQuery = salesforce.AffiliationQuery
	default:
		return services.SyncRequest{}, fmt.Errorf("unknown object %q (want contacts, organizations or affiliations)", object)
	}

	return services.SyncRequest{Entity: base.Entity, Ingest: base}, nil
}

func serveMetrics(conf *configuration.Configuration, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle(conf.Prometheus.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              conf.Prometheus.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", conf.Prometheus.Addr).Info("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics listener stopped")
	}
}
