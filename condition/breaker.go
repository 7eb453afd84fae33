package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Component data domains, also used as circuit breaker names.
const (
	DomainChecklist     = "checklist"
	DomainQuestionnaire = "questionnaire"
	DomainAttachments   = "attachments"
	DomainFields        = "fields"
)

// BreakerSettings tunes the per-domain circuit breakers.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings trips after three requests with a 60% failure
// ratio and tries again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// BreakerComponentData wraps a ComponentData with one circuit breaker per
// domain. While a breaker is open its domain fails fast and the Assembler
// substitutes the domain default.
type BreakerComponentData struct {
	next     ComponentData
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ ComponentData = (*BreakerComponentData)(nil)

// NewBreakerComponentData wraps next. A nil logger uses slog.Default().
func NewBreakerComponentData(next ComponentData, settings BreakerSettings, logger *slog.Logger) *BreakerComponentData {
	if logger == nil {
		logger = slog.Default()
	}

	b := &BreakerComponentData{
		next:     next,
		breakers: make(map[string]*gobreaker.CircuitBreaker, 4),
	}
	for _, domain := range []string{DomainChecklist, DomainQuestionnaire, DomainAttachments, DomainFields} {
		b.breakers[domain] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("%s_circuit_breaker", domain),
			MaxRequests: settings.MaxRequests,
			Interval:    settings.Interval,
			Timeout:     settings.Timeout,
			IsSuccessful: callerGaveUp,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("component data circuit breaker changed state",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return b
}

// callerGaveUp counts cancelled and timed out requests as successes, since
// they say nothing about the health of the data source.
func callerGaveUp(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// State reports the breaker state of a domain.
func (b *BreakerComponentData) State(domain string) gobreaker.State {
	cb, ok := b.breakers[domain]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (b *BreakerComponentData) GetChecklist(ctx context.Context, instanceID, stageID string) (ChecklistData, error) {
	res, err := b.breakers[DomainChecklist].Execute(func() (interface{}, error) {
		return b.next.GetChecklist(ctx, instanceID, stageID)
	})
	if err != nil {
		return ChecklistData{}, err
	}
	return res.(ChecklistData), nil
}

func (b *BreakerComponentData) GetQuestionnaire(ctx context.Context, instanceID, stageID string) (QuestionnaireData, error) {
	res, err := b.breakers[DomainQuestionnaire].Execute(func() (interface{}, error) {
		return b.next.GetQuestionnaire(ctx, instanceID, stageID)
	})
	if err != nil {
		return QuestionnaireData{}, err
	}
	return res.(QuestionnaireData), nil
}

func (b *BreakerComponentData) GetAttachments(ctx context.Context, instanceID, stageID string) (AttachmentData, error) {
	res, err := b.breakers[DomainAttachments].Execute(func() (interface{}, error) {
		return b.next.GetAttachments(ctx, instanceID, stageID)
	})
	if err != nil {
		return AttachmentData{}, err
	}
	return res.(AttachmentData), nil
}

func (b *BreakerComponentData) GetFields(ctx context.Context, instanceID, stageID string) (map[string]any, error) {
	res, err := b.breakers[DomainFields].Execute(func() (interface{}, error) {
		return b.next.GetFields(ctx, instanceID, stageID)
	})
	if err != nil {
		return nil, err
	}
	fields, _ := res.(map[string]any)
	return fields, nil
}
