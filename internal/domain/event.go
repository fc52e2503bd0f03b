package domain

// Event is an event record from the events table. The agent reads its
// configuration for HTML personalization and writes prepared-HTML URLs into
// SubEvents[*].EmbeddedEmails.
type Event struct {
	Aid       string              `dynamodbav:"aid" json:"aid"`
	Config    EventConfig         `dynamodbav:"config" json:"config"`
	SubEvents map[string]SubEvent `dynamodbav:"subEvents" json:"subEvents"`
}

// EventConfig holds the event-level knobs the personalization pass reads.
type EventConfig struct {
	// Currency selects the ||balance|| symbol: EUR renders EUR/euro sign,
	// anything else renders USD/dollar sign.
	Currency string `dynamodbav:"currency" json:"currency"`

	// OfferingPresentation switches the "#if offering" grammar between a
	// per-subevent SKU check and the installments computation.
	OfferingPresentation string `dynamodbav:"offeringPresentation" json:"offeringPresentation"`

	// WhichRetreatsConfig maps retreat keys to their prompt key and total.
	WhichRetreatsConfig map[string]RetreatConfig `dynamodbav:"whichRetreatsConfig" json:"whichRetreatsConfig"`
}

// RetreatConfig describes one retreat option within an event.
type RetreatConfig struct {
	Prompt        string  `dynamodbav:"prompt" json:"prompt"`
	OfferingTotal float64 `dynamodbav:"offeringTotal" json:"offeringTotal"`
}

// SubEvent holds per-sub-event state within an event.
type SubEvent struct {
	RegLinkAvailable bool `dynamodbav:"regLinkAvailable" json:"regLinkAvailable"`

	// EmbeddedEmails maps stage -> full language name -> prepared HTML URL.
	EmbeddedEmails map[string]map[string]string `dynamodbav:"embeddedEmails" json:"embeddedEmails"`
}
