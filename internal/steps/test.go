package steps

import (
	"context"
	"fmt"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/mailer"
)

// testStopEvery is how many test messages go out between stop checks.
const testStopEvery = 3

// runTest sends the prepared campaign to the configured testers, one
// message per tester per enabled language, through the real transport.
func (e *Executor) runTest(ctx context.Context, r *Run) error {
	wo := r.wo

	if len(wo.S3HTMLPaths) == 0 {
		return &ValidationError{Reason: "no prepared HTML; run Prepare first"}
	}
	if len(wo.Testers) == 0 {
		return &ValidationError{Reason: "no testers configured"}
	}

	event, err := e.store.GetEvent(ctx, wo.EventCode)
	if err != nil {
		return err
	}
	if wo.RegLinkPresent {
		if event == nil || !event.SubEvents[wo.SubEvent].RegLinkAvailable {
			return &ValidationError{Reason: "Registration form not ready"}
		}
	}

	pools, err := e.store.ScanPools(ctx)
	if err != nil {
		return err
	}
	prompts, err := e.store.ScanPrompts(ctx)
	if err != nil {
		return err
	}
	stage, err := e.store.GetStageRecord(ctx, wo.Stage)
	if err != nil {
		return err
	}

	sent := 0
	for _, testerID := range wo.Testers {
		student, err := e.store.GetStudent(ctx, testerID)
		if err != nil {
			return err
		}
		if student == nil {
			return &ValidationError{Reason: "unknown tester " + testerID}
		}

		for _, lang := range wo.EnabledLanguages() {
			path, ok := wo.S3HTMLPaths[lang]
			if !ok {
				return &ValidationError{Reason: "no prepared HTML for language " + lang}
			}
			html, err := e.store.GetObjectContent(ctx, e.store.ObjectKeyFromURL(path))
			if err != nil {
				return err
			}

			html, err = specializeHTML(html, specializeInput{
				student:  student,
				event:    event,
				pools:    pools,
				prompts:  prompts,
				aid:      wo.EventCode,
				subEvent: wo.SubEvent,
				lang:     lang,
				preview:  e.cfg.SMTP.DefaultPreview,
			})
			if err != nil {
				return err
			}

			subject := "TEST: " + domain.SubjectPrefix(stage, wo.Stage, lang) + wo.Subjects[lang]
			err = e.mail.Send(ctx, mailer.SendParams{
				Student:  student,
				HTML:     html,
				Subject:  subject,
				Account:  wo.Account,
				FromName: wo.FromName,
				ReplyTo:  wo.ReplyTo,
				Wait:     r.Sleep,
			})
			if err != nil {
				return &TransportError{Err: err}
			}

			sent++
			r.Progress(ctx, fmt.Sprintf("Sent %d test email(s)", sent))
			if sent%testStopEvery == 0 {
				if err := r.CheckStop(ctx); err != nil {
					return err
				}
			}
		}
	}

	r.Progress(ctx, fmt.Sprintf("Sent %d test email(s) to %d tester(s)", sent, len(wo.Testers)))
	return nil
}
