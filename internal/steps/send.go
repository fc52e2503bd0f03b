package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/mailer"
	"github.com/slsupport/email-agent/internal/selector"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/workorder"
)

const (
	// sendStopEvery is how many recipients go out between stop polls.
	sendStopEvery = 5
	// quotaCheckEvery is how many recipients go out between re-checks
	// of the 24-hour account quota.
	quotaCheckEvery = 10
)

// runSend delivers the campaign to the selected recipients. Dry runs
// skip the transport, the quota, and the burst sleep, and record a
// preview instead. Continuous sends request parking after a pass that
// finishes before sendUntil.
func (e *Executor) runSend(ctx context.Context, r *Run, dryRun, continuous bool) error {
	wo := r.wo

	if !dryRun && wo.Account != "" {
		if err := e.checkQuota(ctx, wo.Account); err != nil {
			return err
		}
	}

	students, err := e.store.ScanStudents(ctx)
	if err != nil {
		return err
	}
	pools, err := e.store.ScanPools(ctx)
	if err != nil {
		return err
	}
	prompts, err := e.store.ScanPrompts(ctx)
	if err != nil {
		return err
	}
	event, err := e.store.GetEvent(ctx, wo.EventCode)
	if err != nil {
		return err
	}
	stage, err := e.store.GetStageRecord(ctx, wo.Stage)
	if err != nil {
		return err
	}

	sel := &selector.Selector{Pools: pools, Stage: stage}
	var preview []workorder.RecipientPreview
	totalSent := 0

	for _, lang := range wo.EnabledLanguages() {
		campaign := selector.CampaignString(wo.EventCode, wo.SubEvent, wo.Stage, lang)

		if dryRun {
			if err := e.store.DeleteDryrunRecipients(ctx, campaign); err != nil {
				return err
			}
		}

		selection, err := sel.SelectLanguage(students, wo, lang)
		if err != nil {
			return err
		}

		path, ok := wo.S3HTMLPaths[lang]
		if !ok {
			return &ValidationError{Reason: "no prepared HTML for language " + lang}
		}
		html, err := e.store.GetObjectContent(ctx, e.store.ObjectKeyFromURL(path))
		if err != nil {
			return err
		}

		subject := domain.SubjectPrefix(stage, wo.Stage, lang) + wo.Subjects[lang]

		for i := range selection.Recipients {
			student := &selection.Recipients[i]

			if !dryRun && wo.Account != "" && i > 0 && i%quotaCheckEvery == 0 {
				if err := e.checkQuota(ctx, wo.Account); err != nil {
					return err
				}
			}
			if i > 0 && i%sendStopEvery == 0 {
				if err := r.CheckStop(ctx); err != nil {
					return err
				}
			}

			personalized, err := specializeHTML(html, specializeInput{
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

			err = e.mail.Send(ctx, mailer.SendParams{
				Student:  student,
				HTML:     personalized,
				Subject:  subject,
				Account:  wo.Account,
				FromName: wo.FromName,
				ReplyTo:  wo.ReplyTo,
				DryRun:   dryRun,
				Wait:     r.Sleep,
			})
			if err != nil {
				return &TransportError{Err: err}
			}

			now := time.Now().UTC()
			entry := store.SentRecord{
				ID:     student.ID,
				Name:   student.FullName(),
				Email:  student.Email,
				SentAt: now,
			}
			if dryRun {
				if err := e.store.AppendDryrunRecipient(ctx, campaign, entry); err != nil {
					return err
				}
				preview = append(preview, workorder.RecipientPreview{
					ID: student.ID, Name: entry.Name, Email: student.Email,
				})
			} else {
				if err := e.store.SetStudentEmailSent(ctx, student.ID, campaign, now); err != nil {
					return err
				}
				entry.Account = wo.Account
				// The send ledger is the audit trail; losing an entry
				// would re-send the recipient on the next run.
				if err := e.store.AppendSendRecipient(ctx, campaign, entry); err != nil {
					return err
				}
			}

			totalSent++
			if totalSent%sendStopEvery == 0 || i == len(selection.Recipients)-1 {
				r.Progress(ctx, fmt.Sprintf("Sending %s: %d/%d (total %d)",
					lang, i+1, len(selection.Recipients), totalSent))
			}

			if !dryRun && e.cfg.Agent.EmailBurstSize > 0 && totalSent%e.cfg.Agent.EmailBurstSize == 0 {
				recovery := time.Duration(e.cfg.Agent.EmailRecoverySleepSecs) * time.Second
				r.Progress(ctx, fmt.Sprintf("Burst limit reached, pausing %s", recovery))
				if err := r.Sleep(ctx, recovery); err != nil {
					return err
				}
			}
		}
	}

	if dryRun {
		if _, err := e.store.UpdateWorkOrder(ctx, wo.ID, map[string]interface{}{
			"dryRunRecipients": preview,
		}); err != nil {
			return err
		}
		r.Progress(ctx, fmt.Sprintf("Dry run complete: %d recipient(s)", totalSent))
		return nil
	}

	r.Progress(ctx, fmt.Sprintf("Sent %d email(s)", totalSent))

	if continuous && wo.SendUntil != nil && time.Now().Before(*wo.SendUntil) {
		interval := time.Duration(wo.SendInterval) * time.Second
		if wo.SendInterval <= 0 {
			interval = time.Duration(e.cfg.Agent.EmailContinuousSleepSecs) * time.Second
		}
		r.RequestPark(time.Now().Add(interval))
	}
	return nil
}

// checkQuota fails with SendLimitError when the account's rolling
// 24-hour send count has reached the configured cap.
func (e *Executor) checkQuota(ctx context.Context, account string) error {
	count, err := e.store.CountEmailsSentByAccount(ctx, account, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if count >= e.cfg.SMTP.SendLimit24Hours {
		return &SendLimitError{Account: account, Limit: e.cfg.SMTP.SendLimit24Hours}
	}
	return nil
}
