package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	"github.com/target/mmk-report-api/internal/observability/metrics"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Providers core.Providers
	Policy    *Policy
	Logger    *slog.Logger
	Metrics   statsd.Sink
	Now       func() time.Time
	NewID     func() string
}

// Aggregator runs the provider stages for one address and assembles the report.
//
// Stage graph: geocode and property start together; tract and crime wait for geocode;
// demographics waits for tract. A fatal stage failure cancels every stage still in flight.
type Aggregator struct {
	providers core.Providers
	policy    Policy
	logger    *slog.Logger
	metrics   statsd.Sink
	now       func() time.Time
	newID     func() string
}

// NewAggregator constructs an Aggregator.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Aggregator{
		providers: opts.Providers,
		policy:    policy,
		logger:    logger.With("component", "report_aggregator"),
		metrics:   opts.Metrics,
		now:       now,
		newID:     newID,
	}
}

// BuildReport produces a report for address. It returns a *StageError when a fatal stage
// fails, or the context error when ctx ends first.
func (a *Aggregator) BuildReport(ctx context.Context, address, email string) (*model.Report, error) {
	var (
		geo      model.GeoPoint
		tract    model.Tract
		property *model.PropertySection
		demo     *model.DemographicsSection
		crime    *model.CrimeSection
		quality  = make(map[model.SectionName]model.SourceQuality, 4)
	)
	// Each goroutine writes only its own section quality; merged after Wait.
	var propQ, demoQ, crimeQ model.SourceQuality

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		property, propQ = a.runProperty(gctx, address)
		return nil
	})

	g.Go(func() error {
		var err error
		if geo, err = a.runGeocode(gctx, address); err != nil {
			return err
		}

		inner, ictx := errgroup.WithContext(gctx)
		inner.Go(func() error {
			var terr error
			if tract, terr = a.runTract(ictx, geo); terr != nil {
				return terr
			}
			demo, demoQ = a.runDemographics(ictx, tract)
			return nil
		})
		inner.Go(func() error {
			crime, crimeQ = a.runCrime(ictx, geo)
			return nil
		})
		return inner.Wait()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quality[model.SectionGeo] = model.QualityLive
	quality[model.SectionProperty] = propQ
	quality[model.SectionDemographics] = demoQ
	quality[model.SectionCrime] = crimeQ

	t := tract
	return &model.Report{
		ID:          a.newID(),
		Address:     address,
		Email:       email,
		GeneratedAt: a.now().UTC(),
		Sections: model.ReportSections{
			Geo:          &model.GeoSection{GeoPoint: geo, Tract: &t},
			Property:     property,
			Demographics: demo,
			Crime:        crime,
		},
		SourceQuality: quality,
	}, nil
}

func (a *Aggregator) runGeocode(ctx context.Context, address string) (model.GeoPoint, error) {
	start := time.Now()
	var (
		p   model.GeoPoint
		err error
	)
	if a.providers.Geocoder == nil {
		err = notConfigured("geocoder")
	} else {
		p, err = a.providers.Geocoder.Geocode(ctx, address)
	}
	return p, a.fatal(ctx, StageGeocode, start, err)
}

func (a *Aggregator) runTract(ctx context.Context, p model.GeoPoint) (model.Tract, error) {
	start := time.Now()
	var (
		t   model.Tract
		err error
	)
	if a.providers.Tracts == nil {
		err = notConfigured("tracts")
	} else {
		t, err = a.providers.Tracts.ResolveTract(ctx, p)
	}
	return t, a.fatal(ctx, StageTract, start, err)
}

// fatal records a fatal stage's outcome and converts a failure into a StageError.
// Failures caused by ctx ending are returned as the context error instead.
func (a *Aggregator) fatal(ctx context.Context, stage Stage, start time.Time, err error) error {
	if err == nil {
		a.emit(stage, metrics.OutcomeOK, start, nil)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		a.emit(stage, metrics.OutcomeSkipped, start, ctxErr)
		return fmt.Errorf("%s: %w", stage, ctxErr)
	}

	sp := a.policy.For(stage)
	a.emit(stage, metrics.OutcomeFatal, start, err)
	a.logger.WarnContext(ctx, "fatal report stage failed",
		"stage", stage,
		"provider_error", core.ProviderErrorKindOf(err),
		"error", err,
	)
	return &StageError{Stage: stage, Class: sp.Class, Message: sp.Message, Err: err}
}

func (a *Aggregator) runProperty(ctx context.Context, address string) (*model.PropertySection, model.SourceQuality) {
	start := time.Now()
	var (
		rec *model.PropertyRecord
		err error
	)
	if a.providers.Property == nil {
		err = notConfigured("property")
	} else {
		rec, err = a.providers.Property.LookupProperty(ctx, address)
	}
	if err == nil && rec != nil {
		a.emit(StageProperty, metrics.OutcomeOK, start, nil)
		return &model.PropertySection{Record: rec}, model.QualityLive
	}
	if err == nil {
		err = &core.ProviderError{Provider: "property", Kind: core.ProviderNotFound}
	}

	sp := a.degraded(ctx, StageProperty, start, err)
	estimate := a.policy.PropertyPlaceholder
	return &model.PropertySection{
		Estimate:    &estimate,
		Placeholder: true,
		Reason:      reason(sp.Message, err),
	}, model.QualityFallback
}

func (a *Aggregator) runDemographics(ctx context.Context, t model.Tract) (*model.DemographicsSection, model.SourceQuality) {
	start := time.Now()
	var (
		d   model.Demographics
		err error
	)
	if a.providers.Demographics == nil {
		err = notConfigured("demographics")
	} else {
		d, err = a.providers.Demographics.Demographics(ctx, t)
	}
	if err != nil {
		a.degraded(ctx, StageDemographics, start, err)
		return nil, model.QualityUnavailable
	}
	a.emit(StageDemographics, metrics.OutcomeOK, start, nil)
	return model.NewDemographicsSection(d), model.QualityLive
}

func (a *Aggregator) runCrime(ctx context.Context, p model.GeoPoint) (*model.CrimeSection, model.SourceQuality) {
	start := time.Now()
	var (
		agencies []model.Agency
		err      error
	)
	if a.providers.Agencies == nil {
		err = notConfigured("agencies")
	} else {
		agencies, err = a.providers.Agencies.AgenciesNear(ctx, p)
	}

	summary := model.PlaceholderCrimeSummary(a.now())
	if err != nil {
		a.degraded(ctx, StageCrime, start, err)
		return &model.CrimeSection{Agencies: []model.Agency{}, Summary: summary}, model.QualityFallback
	}
	a.emit(StageCrime, metrics.OutcomeOK, start, nil)
	return &model.CrimeSection{Agencies: dedupeAgencies(agencies, MaxAgencies), Summary: summary}, model.QualityLive
}

// degraded records a non-fatal stage failure and returns its policy.
func (a *Aggregator) degraded(ctx context.Context, stage Stage, start time.Time, err error) StagePolicy {
	sp := a.policy.For(stage)
	if ctx.Err() != nil {
		a.emit(stage, metrics.OutcomeSkipped, start, ctx.Err())
		return sp
	}

	outcome := metrics.OutcomeFallback
	if sp.Class == ClassUnavailable {
		outcome = metrics.OutcomeUnavailable
	}
	a.emit(stage, outcome, start, err)
	a.logger.InfoContext(ctx, "report stage degraded",
		"stage", stage,
		"class", sp.Class,
		"provider_error", core.ProviderErrorKindOf(err),
		"error", err,
	)
	return sp
}

func (a *Aggregator) emit(stage Stage, outcome string, start time.Time, err error) {
	metrics.EmitStage(a.metrics, metrics.StageMetric{
		Stage:    string(stage),
		Outcome:  outcome,
		Duration: time.Since(start),
		Err:      err,
	})
}

// dedupeAgencies keeps the first record per trimmed ORI, drops records without one,
// and stops at limit.
func dedupeAgencies(in []model.Agency, limit int) []model.Agency {
	out := make([]model.Agency, 0, min(len(in), limit))
	seen := make(map[string]struct{}, len(in))
	for _, ag := range in {
		if len(out) >= limit {
			break
		}
		ori := strings.TrimSpace(ag.ORI)
		if ori == "" {
			continue
		}
		if _, dup := seen[ori]; dup {
			continue
		}
		seen[ori] = struct{}{}
		ag.ORI = ori
		out = append(out, ag)
	}
	return out
}

func notConfigured(provider string) error {
	return &core.ProviderError{
		Provider: provider,
		Kind:     core.ProviderMisconfigured,
		Err:      errors.New("provider not configured"),
	}
}

func reason(message string, err error) string {
	if kind := core.ProviderErrorKindOf(err); kind != "" {
		return fmt.Sprintf("%s (%s)", message, kind)
	}
	return message
}
