package steps

import (
	"context"
	"fmt"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/selector"
)

// runPrepare fetches rendered HTML from the template service for each
// enabled language, QA-checks it, and publishes the cleaned copy to the
// object store, recording the URL on the work order and the event.
func (e *Executor) runPrepare(ctx context.Context, r *Run) error {
	wo := r.wo

	stage, err := e.store.GetStageRecord(ctx, wo.Stage)
	if err != nil {
		return err
	}

	paths := make(map[string]string, len(wo.Languages))
	for _, lang := range wo.EnabledLanguages() {
		templateName := fmt.Sprintf("%s-%s-%s-%s",
			wo.EventCode, wo.SubEvent, selector.AliasStage(wo.Stage), lang)
		r.Progress(ctx, "Preparing "+templateName)

		html, err := e.templates.FetchHTML(ctx, templateName, wo.Subjects[lang], wo.FromName, wo.ReplyTo)
		if err != nil {
			return err
		}

		html = stripTrailingCenter(html)

		if err := qaCheckHTML(html, wo, stage); err != nil {
			return err
		}

		key := fmt.Sprintf("%s/%s.html", wo.EventCode, templateName)
		if err := e.store.PutHTMLObject(ctx, key, html); err != nil {
			return err
		}
		url := e.store.ObjectURL(key)
		paths[lang] = url

		if err := e.store.UpdateEventEmbeddedEmail(ctx, wo.EventCode, wo.SubEvent, wo.Stage,
			domain.FullLanguage(lang), url); err != nil {
			return err
		}
		e.log.Log(logger.Steps, "prepared HTML published",
			"workOrderId", wo.ID, "language", lang, "key", key)
	}

	// Reruns overwrite the whole map so stale languages do not linger.
	wo.S3HTMLPaths = paths
	if _, err := e.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{"s3HTMLPaths": paths}); err != nil {
		return err
	}

	r.Progress(ctx, fmt.Sprintf("Prepared %d language(s)", len(paths)))
	return nil
}
