package condition

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Assembler builds evaluation inputs from component data.
type Assembler struct {
	data   ComponentData
	logger *slog.Logger

	// onDegraded is told KindDataAssembly once per domain that fell back
	// to its default. It is called after all loads finish, never
	// concurrently.
	onDegraded func(ErrorKind)
}

// NewAssembler creates an assembler. A nil logger uses slog.Default().
func NewAssembler(data ComponentData, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{data: data, logger: logger}
}

// Assemble loads the four data domains concurrently and never fails. A
// domain that cannot be loaded is replaced by its empty default and the
// failure is logged and reported to the degraded hook.
func (a *Assembler) Assemble(ctx context.Context, instanceID, stageID string) EvaluationInput {
	in := EvaluationInput{
		Checklist:     DefaultChecklist(),
		Questionnaire: DefaultQuestionnaire(),
		Fields:        map[string]any{},
	}

	// Each goroutine owns exactly one field of in, and failures are
	// absorbed, so the group never cancels its siblings.
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	warn := func(domain string, err error) {
		failed.Add(1)
		a.warn(ctx, domain, instanceID, stageID, err)
	}

	g.Go(func() error {
		c, err := a.data.GetChecklist(ctx, instanceID, stageID)
		if err != nil {
			warn("checklist", err)
			return nil
		}
		if c.Status == "" {
			c.Status = DefaultComponentStatus
		}
		in.Checklist = c
		return nil
	})

	g.Go(func() error {
		q, err := a.data.GetQuestionnaire(ctx, instanceID, stageID)
		if err != nil {
			warn("questionnaire", err)
			return nil
		}
		if q.Status == "" {
			q.Status = DefaultComponentStatus
		}
		in.Questionnaire = q
		return nil
	})

	g.Go(func() error {
		att, err := a.data.GetAttachments(ctx, instanceID, stageID)
		if err != nil {
			warn("attachments", err)
			return nil
		}
		in.Attachments = att
		return nil
	})

	g.Go(func() error {
		fields, err := a.data.GetFields(ctx, instanceID, stageID)
		if err != nil {
			warn("fields", err)
			return nil
		}
		if fields != nil {
			in.Fields = fields
		}
		return nil
	})

	_ = g.Wait()

	if a.onDegraded != nil {
		for i := int32(0); i < failed.Load(); i++ {
			a.onDegraded(KindDataAssembly)
		}
	}
	return in
}

func (a *Assembler) warn(ctx context.Context, domain, instanceID, stageID string, err error) {
	a.logger.WarnContext(ctx, "component data unavailable, using defaults",
		"domain", domain,
		"instance_id", instanceID,
		"stage_id", stageID,
		"kind", KindDataAssembly.String(),
		"error", err,
	)
}
