// Package selector materializes the recipient set for a work order and
// language: campaign-string bookkeeping, the language rule, the pool
// filter, and the stage filter.
package selector

import (
	"strings"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/eligibility"
	"github.com/slsupport/email-agent/internal/workorder"
)

// CampaignString builds the canonical ledger key for a (work order,
// language) pair. The canonical form is dash-joined with the raw stage.
func CampaignString(eventCode, subEvent, stage, lang string) string {
	return eventCode + "-" + subEvent + "-" + stage + "-" + lang
}

// legacyStageAlias maps stages that older tooling collapsed to "reg" when
// writing ledger keys. Template names still use the collapsed form.
var legacyStageAlias = map[string]string{
	"eligible":          "reg",
	"offering-reminder": "reg",
	"reg-reminder":      "reg",
}

// AliasStage returns the collapsed stage name used for template lookup,
// or the stage itself when no alias applies.
func AliasStage(stage string) string {
	if alias, ok := legacyStageAlias[stage]; ok {
		return alias
	}
	return stage
}

// ledgerKeys returns every campaign-string form a student's ledger may
// carry for this campaign: the canonical dash form plus the
// underscore-joined and stage-aliased forms written by older versions.
func ledgerKeys(eventCode, subEvent, stage, lang string) []string {
	stages := []string{stage}
	if alias, ok := legacyStageAlias[stage]; ok {
		stages = append(stages, alias)
	}
	var keys []string
	for _, st := range stages {
		keys = append(keys,
			eventCode+"-"+subEvent+"-"+st+"-"+lang,
			eventCode+"_"+subEvent+"_"+st+"_"+lang,
		)
	}
	return keys
}

// AlreadyReceived reports whether the student's ledger records this
// campaign under the canonical key or any legacy form.
func AlreadyReceived(student *domain.Student, eventCode, subEvent, stage, lang string) bool {
	if len(student.Emails) == 0 {
		return false
	}
	for _, key := range ledgerKeys(eventCode, subEvent, stage, lang) {
		if _, ok := student.Emails[key]; ok {
			return true
		}
	}
	return false
}

// Selection is the per-language outcome of a selection pass.
type Selection struct {
	AlreadyReceived int
	Recipients      []domain.Student
}

// Selector evaluates the §-pipeline for one work order against loaded
// reference data.
type Selector struct {
	Pools []domain.Pool
	Stage *domain.StageRecord
}

// SelectLanguage runs the selection pipeline for a single language code:
// unsubscribes are skipped, ledgered students are counted as already
// received, the language rule and pool filter and stage filter gate the
// rest. English passes every otherwise-eligible student; any other
// language requires a matching writtenLangPref.
func (s *Selector) SelectLanguage(students []domain.Student, wo *workorder.WorkOrder, lang string) (Selection, error) {
	var sel Selection
	fullName := strings.ToLower(domain.FullLanguage(lang))
	poolName := wo.PoolName()

	for i := range students {
		student := &students[i]
		if student.Unsubscribe {
			continue
		}
		if AlreadyReceived(student, wo.EventCode, wo.SubEvent, wo.Stage, lang) {
			sel.AlreadyReceived++
			continue
		}
		if !strings.EqualFold(lang, "EN") {
			if student.WrittenLangPref == "" || strings.ToLower(student.WrittenLangPref) != fullName {
				continue
			}
		}
		if poolName == "" {
			continue
		}
		ok, err := eligibility.Check(poolName, student, wo.EventCode, s.Pools, wo.SubEvent)
		if err != nil {
			return Selection{}, err
		}
		if !ok {
			continue
		}
		ok, err = s.passesStageFilter(student, wo)
		if err != nil {
			return Selection{}, err
		}
		if ok {
			sel.Recipients = append(sel.Recipients, *student)
		}
	}
	return sel, nil
}

// passesStageFilter applies the built-in per-stage program predicate and
// then the stage record's AND-over-pools overlay.
func (s *Selector) passesStageFilter(student *domain.Student, wo *workorder.WorkOrder) (bool, error) {
	if !stageProgramPredicate(student, wo) {
		return false, nil
	}
	if s.Stage == nil || len(s.Stage.Pools) == 0 {
		return true, nil
	}
	for _, pool := range s.Stage.Pools {
		ok, err := eligibility.Check(pool, student, wo.EventCode, s.Pools, wo.SubEvent)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// stageProgramPredicate is the built-in program-state gate per stage.
func stageProgramPredicate(student *domain.Student, wo *workorder.WorkOrder) bool {
	switch wo.Stage {
	case "std", "eligible":
		return true
	}

	program := student.ProgramFor(wo.EventCode)

	switch wo.Stage {
	case "reg":
		return program.Join && !program.Withdrawn

	case "accept":
		return program.Join && program.Accepted && !program.Withdrawn

	case "reg-confirm":
		if !program.Join || program.Withdrawn || wo.SubEvent == "" {
			return false
		}
		return program.OfferingHistory[wo.SubEvent].OfferingIntent != ""

	case "offering-reminder":
		if !program.Join || program.Withdrawn || wo.SubEvent == "" {
			return false
		}
		return program.OfferingHistory[wo.SubEvent].OfferingIntent == ""
	}

	// Unknown stages select nobody.
	return false
}
