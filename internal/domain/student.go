package domain

// Student is a recipient record from the student table. The agent reads
// most fields and writes only Emails[campaignString] after a successful
// non-dry send.
type Student struct {
	ID              string `dynamodbav:"id" json:"id"`
	Email           string `dynamodbav:"email" json:"email"`
	First           string `dynamodbav:"first" json:"first"`
	Last            string `dynamodbav:"last" json:"last"`
	Country         string `dynamodbav:"country" json:"country"`
	WrittenLangPref string `dynamodbav:"writtenLangPref" json:"writtenLangPref"`
	Unsubscribe     bool   `dynamodbav:"unsubscribe" json:"unsubscribe"`

	// Emails is the at-most-one-send ledger: campaign string -> ISO-8601
	// send timestamp. Legacy rows carry a bare boolean; the store adapter
	// normalizes those to "true" on read.
	Emails map[string]string `dynamodbav:"emails" json:"emails"`

	// Programs holds per-event program state keyed by event code (aid).
	Programs map[string]Program `dynamodbav:"programs" json:"programs"`

	// Practice holds free-form practice flags consumed by pool rules.
	Practice map[string]bool `dynamodbav:"practice" json:"practice"`
}

// FullName returns "first last" for salutation substitution.
func (s *Student) FullName() string {
	return s.First + " " + s.Last
}

// Program is a student's state within one event.
type Program struct {
	Join          bool `dynamodbav:"join" json:"join"`
	Accepted      bool `dynamodbav:"accepted" json:"accepted"`
	Withdrawn     bool `dynamodbav:"withdrawn" json:"withdrawn"`
	Oath          bool `dynamodbav:"oath" json:"oath"`
	Attended      bool `dynamodbav:"attended" json:"attended"`
	ManualInclude bool `dynamodbav:"manualInclude" json:"manualInclude"`
	Eligible      bool `dynamodbav:"eligible" json:"eligible"`
	Test          bool `dynamodbav:"test" json:"test"`
	LimitFee      bool `dynamodbav:"limitFee" json:"limitFee"`

	WhichRetreats   map[string]bool     `dynamodbav:"whichRetreats" json:"whichRetreats"`
	OfferingHistory map[string]Offering `dynamodbav:"offeringHistory" json:"offeringHistory"`
}

// Offering is one sub-event's offering record within a program.
type Offering struct {
	OfferingSKU    string                 `dynamodbav:"offeringSKU" json:"offeringSKU"`
	OfferingIntent string                 `dynamodbav:"offeringIntent" json:"offeringIntent"`
	Installments   map[string]Installment `dynamodbav:"installments" json:"installments"`
}

// Installment is a partial payment against an offering.
type Installment struct {
	OfferingAmount float64 `dynamodbav:"offeringAmount" json:"offeringAmount"`
	OfferingIntent string  `dynamodbav:"offeringIntent" json:"offeringIntent"`
	OfferingRefund float64 `dynamodbav:"offeringRefund" json:"offeringRefund"`
}

// ProgramFor returns the student's program state for the given event code.
// A missing program decodes as the zero value, matching the permissive
// reads the pool rules expect.
func (s *Student) ProgramFor(aid string) Program {
	if s.Programs == nil {
		return Program{}
	}
	return s.Programs[aid]
}
