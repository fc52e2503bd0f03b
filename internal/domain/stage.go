package domain

// StageRecord is a policy record from the stages table. Pools is an
// AND-over-pools overlay applied on top of the built-in stage predicates;
// Prefix supplies per-language subject prefixes.
type StageRecord struct {
	Stage             string            `dynamodbav:"stage" json:"stage"`
	Pools             []string          `dynamodbav:"pools,omitempty" json:"pools,omitempty"`
	Prefix            map[string]string `dynamodbav:"prefix,omitempty" json:"prefix,omitempty"`
	QAStepCheckZoomID bool              `dynamodbav:"qaStepCheckZoomId" json:"qaStepCheckZoomId"`
}

// PrefixFor returns the subject prefix for a language code, or "".
func (r *StageRecord) PrefixFor(lang string) string {
	if r == nil || r.Prefix == nil {
		return ""
	}
	return r.Prefix[lang]
}

// offeringReminderPrefixes are the historical per-language subject
// prefixes for the offering-reminder stage, used when the stage record
// carries no prefix map.
var offeringReminderPrefixes = map[string]string{
	"EN": "Offering Reminder: ",
	"FR": "Rappel d'offrande : ",
	"ES": "Recordatorio de ofrenda: ",
	"DE": "Erinnerung an die Opfergabe: ",
	"IT": "Promemoria dell'offerta: ",
	"CZ": "Připomenutí daru: ",
	"PT": "Lembrete de oferta: ",
}

// SubjectPrefix resolves the subject prefix for a stage and language:
// the stage record's prefix map first, then the built-in
// offering-reminder table, then "".
func SubjectPrefix(record *StageRecord, stage, lang string) string {
	if p := record.PrefixFor(lang); p != "" {
		return p
	}
	if stage == "offering-reminder" {
		return offeringReminderPrefixes[lang]
	}
	return ""
}
