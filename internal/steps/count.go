package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/slsupport/email-agent/internal/selector"
)

// runCount computes, per enabled language, how many students already
// received the campaign and how many would be sent to. Read-only.
func (e *Executor) runCount(ctx context.Context, r *Run) error {
	r.Progress(ctx, "Counting recipients")

	students, err := e.store.ScanStudents(ctx)
	if err != nil {
		return err
	}
	pools, err := e.store.ScanPools(ctx)
	if err != nil {
		return err
	}
	stage, err := e.store.GetStageRecord(ctx, r.wo.Stage)
	if err != nil {
		return err
	}

	sel := &selector.Selector{Pools: pools, Stage: stage}
	var received, willSend []string
	for _, lang := range r.wo.EnabledLanguages() {
		s, err := sel.SelectLanguage(students, r.wo, lang)
		if err != nil {
			return err
		}
		received = append(received, fmt.Sprintf("%s:%d", lang, s.AlreadyReceived))
		willSend = append(willSend, fmt.Sprintf("%s:%d", lang, len(s.Recipients)))
	}

	r.Progress(ctx, fmt.Sprintf("Already received: %s. Will send: %s",
		strings.Join(received, ", "), strings.Join(willSend, ", ")))
	return nil
}
