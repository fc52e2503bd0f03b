// Package workorder defines the typed work-order model driving one email
// campaign through its step pipeline, plus the DynamoDB codec for the
// tagged-value wire form.
package workorder

import (
	"sort"
	"time"
)

// StepName enumerates the pipeline steps in declared order.
type StepName string

const (
	StepCount   StepName = "Count"
	StepPrepare StepName = "Prepare"
	StepTest    StepName = "Test"
	StepDryRun  StepName = "Dry-Run"
	StepSend    StepName = "Send"
)

// StepNames lists the pipeline in execution order.
var StepNames = []StepName{StepCount, StepPrepare, StepTest, StepDryRun, StepSend}

// ValidStepName reports whether name is one of the pipeline steps.
func ValidStepName(name StepName) bool {
	for _, n := range StepNames {
		if n == name {
			return true
		}
	}
	return false
}

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StatusReady       StepStatus = "ready"
	StatusWorking     StepStatus = "working"
	StatusSleeping    StepStatus = "sleeping"
	StatusComplete    StepStatus = "complete"
	StatusError       StepStatus = "error"
	StatusException   StepStatus = "exception"
	StatusInterrupted StepStatus = "interrupted"
)

// StateSleeping is the work-order lifecycle tag for a parked continuous
// send. An empty state means the work order is not parked.
const StateSleeping = "Sleeping"

// Step is one phase within a work order.
type Step struct {
	Name      StepName   `dynamodbav:"name" json:"name"`
	Status    StepStatus `dynamodbav:"status" json:"status"`
	Message   string     `dynamodbav:"message" json:"message"`
	IsActive  bool       `dynamodbav:"isActive" json:"isActive"`
	StartTime *time.Time `dynamodbav:"startTime,omitempty" json:"startTime,omitempty"`
	EndTime   *time.Time `dynamodbav:"endTime,omitempty" json:"endTime,omitempty"`
}

// RecipientPreview is one entry of the Dry-Run recipient preview stored on
// the work order for the UI.
type RecipientPreview struct {
	ID    string `dynamodbav:"id" json:"id"`
	Name  string `dynamodbav:"name" json:"name"`
	Email string `dynamodbav:"email" json:"email"`
}

// WorkOrder is one campaign job. The agent exclusively owns step status
// transitions and the lock fields; everything else is written by the UI.
type WorkOrder struct {
	ID string `dynamodbav:"id" json:"id"`

	EventCode string `dynamodbav:"eventCode" json:"eventCode"`
	SubEvent  string `dynamodbav:"subEvent" json:"subEvent"`
	Stage     string `dynamodbav:"stage" json:"stage"`

	Subjects  map[string]string `dynamodbav:"subjects" json:"subjects"`
	Languages map[string]bool   `dynamodbav:"languages" json:"languages"`

	Account  string `dynamodbav:"account" json:"account"`
	FromName string `dynamodbav:"fromName,omitempty" json:"fromName,omitempty"`
	ReplyTo  string `dynamodbav:"replyTo,omitempty" json:"replyTo,omitempty"`

	ZoomID   string `dynamodbav:"zoomId,omitempty" json:"zoomId,omitempty"`
	InPerson bool   `dynamodbav:"inPerson" json:"inPerson"`

	// SalutationByName defaults to true when absent; Prepare QA requires
	// a ||name|| token unless it is explicitly false.
	SalutationByName *bool `dynamodbav:"salutationByName,omitempty" json:"salutationByName,omitempty"`

	// RegLinkPresent requires registration links in Prepare QA and a
	// ready registration form in Test.
	RegLinkPresent bool `dynamodbav:"regLinkPresent" json:"regLinkPresent"`

	Testers []string `dynamodbav:"testers,omitempty" json:"testers,omitempty"`

	// Config is the free-form work-order configuration; the agent reads
	// only the "pool" key.
	Config map[string]interface{} `dynamodbav:"config,omitempty" json:"config,omitempty"`

	S3HTMLPaths map[string]string `dynamodbav:"s3HTMLPaths,omitempty" json:"s3HTMLPaths,omitempty"`

	SendContinuously bool       `dynamodbav:"sendContinuously" json:"sendContinuously"`
	SendUntil        *time.Time `dynamodbav:"sendUntil,omitempty" json:"sendUntil,omitempty"`
	SendInterval     int64      `dynamodbav:"sendInterval,omitempty" json:"sendInterval,omitempty"`

	DryRunRecipients []RecipientPreview `dynamodbav:"dryRunRecipients,omitempty" json:"dryRunRecipients,omitempty"`

	Steps []Step `dynamodbav:"steps" json:"steps"`

	Locked        bool       `dynamodbav:"locked" json:"locked"`
	LockedBy      string     `dynamodbav:"lockedBy" json:"lockedBy"`
	LockedAt      *time.Time `dynamodbav:"lockedAt,omitempty" json:"lockedAt,omitempty"`
	StopRequested bool       `dynamodbav:"stopRequested" json:"stopRequested"`

	State      string     `dynamodbav:"state,omitempty" json:"state,omitempty"`
	SleepUntil *time.Time `dynamodbav:"sleepUntil,omitempty" json:"sleepUntil,omitempty"`

	CreatedAt time.Time `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt" json:"updatedAt"`
}

// StepIndex returns the index of the named step, or -1.
func (w *WorkOrder) StepIndex(name StepName) int {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// StepByName returns the named step, or nil.
func (w *WorkOrder) StepByName(name StepName) *Step {
	if i := w.StepIndex(name); i >= 0 {
		return &w.Steps[i]
	}
	return nil
}

// ActiveStep returns the step marked active, or nil. At most one step is
// active in a well-formed work order.
func (w *WorkOrder) ActiveStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].IsActive {
			return &w.Steps[i]
		}
	}
	return nil
}

// PoolName returns config.pool, or "" when unset. A missing pool excludes
// every recipient.
func (w *WorkOrder) PoolName() string {
	if w.Config == nil {
		return ""
	}
	if s, ok := w.Config["pool"].(string); ok {
		return s
	}
	return ""
}

// SalutationRequired reports whether Prepare QA must find a ||name||
// token: true unless salutationByName is explicitly false.
func (w *WorkOrder) SalutationRequired() bool {
	return w.SalutationByName == nil || *w.SalutationByName
}

// EnabledLanguages returns the enabled language codes in sorted order so
// handlers process languages deterministically.
func (w *WorkOrder) EnabledLanguages() []string {
	langs := make([]string, 0, len(w.Languages))
	for code, enabled := range w.Languages {
		if enabled {
			langs = append(langs, code)
		}
	}
	sort.Strings(langs)
	return langs
}
