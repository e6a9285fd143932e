// Package timeline merges the dated events of a treatment into one ordered
// view. It only reads; state changes belong to the sample and monitoring
// packages.
package timeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicflow/engine/internal/domain/monitoring"
	"github.com/clinicflow/engine/internal/domain/sample"
	"github.com/clinicflow/engine/internal/platform/metrics"
	"github.com/clinicflow/engine/internal/platform/telemetry"
)

// PlanReader is the read side of the monitoring scheduler.
type PlanReader interface {
	GetPlans(ctx context.Context, treatmentID uuid.UUID, opts ...monitoring.ListOption) ([]*monitoring.Plan, error)
}

// SampleReader is the read side of the sample lifecycle manager.
type SampleReader interface {
	ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*sample.Sample, error)
	GetHistory(ctx context.Context, sampleID uuid.UUID) ([]*sample.HistoryEntry, error)
}

type Aggregator struct {
	sources Sources
	plans   PlanReader
	samples SampleReader
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewAggregator(sources Sources, plans PlanReader, samples SampleReader, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		sources: sources,
		plans:   plans,
		samples: samples,
		metrics: m,
		logger:  logger.With().Str("component", "timeline").Logger(),
	}
}

// BuildTimeline returns every dated event of the treatment, oldest first.
// Events sharing a timestamp keep source order: treatment, plans, samples,
// notes, milestones, orders.
func (a *Aggregator) BuildTimeline(ctx context.Context, treatmentID uuid.UUID) (items []Item, err error) {
	const op = "build_timeline"
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "timeline."+op, attribute.String("treatment.id", treatmentID.String()))
	defer func() {
		telemetry.EndSpan(span, err)
		a.metrics.Observe(op, start, err)
	}()

	created, err := a.sources.TreatmentCreated(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	items = append(items, *created)

	status, err := a.sources.StatusChanges(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	items = append(items, status...)

	planItems, err := a.planItems(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	items = append(items, planItems...)

	sampleItems, err := a.sampleItems(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	items = append(items, sampleItems...)

	for _, read := range []func(context.Context, uuid.UUID) ([]Item, error){
		a.sources.DoctorNotes,
		a.sources.MedicationMilestones,
		a.sources.MedicalOrders,
	} {
		more, err := read(ctx, treatmentID)
		if err != nil {
			return nil, err
		}
		items = append(items, more...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Date.Before(items[j].Date)
	})

	a.logger.Debug().
		Str("treatment_id", treatmentID.String()).
		Int("items", len(items)).
		Msg("timeline built")
	return items, nil
}

func (a *Aggregator) planItems(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	plans, err := a.plans.GetPlans(ctx, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("read monitoring plans: %w", err)
	}
	var items []Item
	for _, p := range plans {
		// Only plans bound to an appointment appear on the timeline.
		if p.AppointmentID == nil {
			continue
		}
		details := map[string]string{
			"sequence":       strconv.Itoa(p.Sequence),
			"min_date":       p.MinDate.Format(time.DateOnly),
			"max_date":       p.MaxDate.Format(time.DateOnly),
			"appointment_id": p.AppointmentID.String(),
		}
		if p.ReservedAt != nil {
			items = append(items, Item{
				Type:     TypeMonitoringReserved,
				Date:     *p.ReservedAt,
				SourceID: p.ID.String(),
				Summary:  fmt.Sprintf("Monitoring %d reserved", p.Sequence),
				Details:  details,
			})
		}
		if p.CompletedAt != nil {
			items = append(items, Item{
				Type:     TypeMonitoringCompleted,
				Date:     *p.CompletedAt,
				SourceID: p.ID.String(),
				Summary:  fmt.Sprintf("Monitoring %d completed", p.Sequence),
				Details:  details,
			})
		}
	}
	return items, nil
}

func (a *Aggregator) sampleItems(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	samples, err := a.samples.ListByTreatment(ctx, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	var items []Item
	for _, s := range samples {
		history, err := a.samples.GetHistory(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("read sample %s history: %w", s.ID, err)
		}
		for _, h := range history {
			details := map[string]string{
				"sample_id": s.ID.String(),
				"kind":      string(s.Kind),
				"new_state": string(h.NewState),
			}
			if s.Label != nil {
				details["label"] = *s.Label
			}
			it := Item{Date: h.TransitionDate, SourceID: h.ID.String(), Details: details}
			if h.PreviousState == nil {
				it.Type = TypeSampleRegistered
				it.Summary = fmt.Sprintf("%s registered as %s", s.Kind, h.NewState)
			} else {
				details["previous_state"] = string(*h.PreviousState)
				it.Type = TypeSampleTransition
				it.Summary = fmt.Sprintf("%s %s -> %s", s.Kind, *h.PreviousState, h.NewState)
			}
			if h.Cause != nil {
				details["cause"] = *h.Cause
			}
			items = append(items, it)
		}
	}
	return items, nil
}
