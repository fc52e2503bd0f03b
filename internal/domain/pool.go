package domain

// PoolRuleType enumerates the closed set of pool attribute rules.
type PoolRuleType string

const (
	RuleTrue                    PoolRuleType = "true"
	RulePool                    PoolRuleType = "pool"
	RulePoolDiff                PoolRuleType = "pooldiff"
	RulePoolAnd                 PoolRuleType = "pooland"
	RulePractice                PoolRuleType = "practice"
	RuleOffering                PoolRuleType = "offering"
	RuleCurrentEventOffering    PoolRuleType = "currenteventoffering"
	RuleCurrentEventNotOffering PoolRuleType = "currenteventnotoffering"
	RuleCurrentEventTest        PoolRuleType = "currenteventtest"
	RuleOfferingAndPools        PoolRuleType = "offeringandpools"
	RuleOath                    PoolRuleType = "oath"
	RuleAttended                PoolRuleType = "attended"
	RuleJoin                    PoolRuleType = "join"
	RuleCurrentEventJoin        PoolRuleType = "currenteventjoin"
	RuleCurrentEventNotJoin     PoolRuleType = "currenteventnotjoin"
	RuleCurrentEventAccepted    PoolRuleType = "currenteventaccepted"
	RuleCurrentEventManualInc   PoolRuleType = "currenteventmanualinclude"
	RuleJoinWhich               PoolRuleType = "joinwhich"
	RuleOfferingWhich           PoolRuleType = "offeringwhich"
	RuleEligible                PoolRuleType = "eligible"
)

// Pool is a named set definition from the pools table. A student is in the
// pool when ANY attribute rule matches.
type Pool struct {
	Name       string     `dynamodbav:"name" json:"name"`
	Attributes []PoolRule `dynamodbav:"attributes" json:"attributes"`
}

// PoolRule is one attribute rule within a pool. Which fields are required
// depends on Type; the evaluator rejects rules missing required fields.
type PoolRule struct {
	Type PoolRuleType `dynamodbav:"type" json:"type"`

	Name     string   `dynamodbav:"name,omitempty" json:"name,omitempty"`
	InPool   string   `dynamodbav:"inpool,omitempty" json:"inpool,omitempty"`
	OutPool  string   `dynamodbav:"outpool,omitempty" json:"outpool,omitempty"`
	Pool1    string   `dynamodbav:"pool1,omitempty" json:"pool1,omitempty"`
	Pool2    string   `dynamodbav:"pool2,omitempty" json:"pool2,omitempty"`
	Field    string   `dynamodbav:"field,omitempty" json:"field,omitempty"`
	Aid      string   `dynamodbav:"aid,omitempty" json:"aid,omitempty"`
	SubEvent string   `dynamodbav:"subevent,omitempty" json:"subevent,omitempty"`
	Retreat  string   `dynamodbav:"retreat,omitempty" json:"retreat,omitempty"`
	Pools    []string `dynamodbav:"pools,omitempty" json:"pools,omitempty"`
}

// FindPool returns the pool with the given name, or nil.
func FindPool(pools []Pool, name string) *Pool {
	for i := range pools {
		if pools[i].Name == name {
			return &pools[i]
		}
	}
	return nil
}
