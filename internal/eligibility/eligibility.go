// Package eligibility evaluates pool membership for students. A pool is a
// named disjunction of attribute rules; a student is in the pool when any
// rule matches. Rules may recurse into other pools, so evaluation carries
// a visited set and rejects cycles.
package eligibility

import (
	"fmt"
	"sort"
	"strings"

	"github.com/slsupport/email-agent/internal/domain"
)

// MalformedPoolError reports an invalid pool definition: a rule missing a
// required field, an unknown rule type, or a recursion cycle.
type MalformedPoolError struct {
	Pool   string
	Reason string
}

func (e *MalformedPoolError) Error() string {
	return fmt.Sprintf("malformed pool %q: %s", e.Pool, e.Reason)
}

// Check reports whether the student is in the named pool in the context of
// the current event and sub-event. A missing pool or a pool with no
// attributes is simply not a match; a malformed pool is an error.
func Check(poolName string, student *domain.Student, currentAid string, pools []domain.Pool, currentSubEvent string) (bool, error) {
	return check(poolName, student, currentAid, pools, currentSubEvent, map[string]bool{})
}

func check(poolName string, student *domain.Student, currentAid string, pools []domain.Pool, currentSubEvent string, visiting map[string]bool) (bool, error) {
	if visiting[poolName] {
		return false, &MalformedPoolError{Pool: poolName, Reason: "recursive pool reference cycle"}
	}
	visiting[poolName] = true
	defer delete(visiting, poolName)

	pool := domain.FindPool(pools, poolName)
	if pool == nil || len(pool.Attributes) == 0 {
		return false, nil
	}

	for _, rule := range pool.Attributes {
		ok, err := evalRule(pool.Name, rule, student, currentAid, pools, currentSubEvent, visiting)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalRule(poolName string, rule domain.PoolRule, student *domain.Student, currentAid string, pools []domain.Pool, currentSubEvent string, visiting map[string]bool) (bool, error) {
	recurse := func(name string) (bool, error) {
		return check(name, student, currentAid, pools, currentSubEvent, visiting)
	}

	switch rule.Type {
	case domain.RuleTrue:
		return true, nil

	case domain.RulePool:
		if rule.Name == "" {
			return false, missingField(poolName, rule.Type, "name")
		}
		return recurse(rule.Name)

	case domain.RulePoolDiff:
		if rule.InPool == "" {
			return false, missingField(poolName, rule.Type, "inpool")
		}
		if rule.OutPool == "" {
			return false, missingField(poolName, rule.Type, "outpool")
		}
		in, err := recurse(rule.InPool)
		if err != nil || !in {
			return false, err
		}
		out, err := recurse(rule.OutPool)
		if err != nil {
			return false, err
		}
		return !out, nil

	case domain.RulePoolAnd:
		if rule.Pool1 == "" {
			return false, missingField(poolName, rule.Type, "pool1")
		}
		if rule.Pool2 == "" {
			return false, missingField(poolName, rule.Type, "pool2")
		}
		first, err := recurse(rule.Pool1)
		if err != nil || !first {
			return false, err
		}
		return recurse(rule.Pool2)

	case domain.RulePractice:
		if rule.Field == "" {
			return false, missingField(poolName, rule.Type, "field")
		}
		return student.Practice[rule.Field], nil

	case domain.RuleOffering:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		if rule.SubEvent == "" {
			return false, missingField(poolName, rule.Type, "subevent")
		}
		program := student.ProgramFor(rule.Aid)
		if rule.SubEvent == "any" {
			for _, offering := range program.OfferingHistory {
				if offering.OfferingSKU != "" {
					return !program.Withdrawn, nil
				}
			}
			return false, nil
		}
		return program.OfferingHistory[rule.SubEvent].OfferingSKU != "" && !program.Withdrawn, nil

	case domain.RuleCurrentEventOffering:
		program := student.ProgramFor(currentAid)
		return program.OfferingHistory[currentSubEvent].OfferingSKU != "" && !program.Withdrawn, nil

	case domain.RuleCurrentEventNotOffering:
		program := student.ProgramFor(currentAid)
		return program.OfferingHistory[currentSubEvent].OfferingSKU == "", nil

	case domain.RuleCurrentEventTest:
		return student.ProgramFor(currentAid).Test, nil

	case domain.RuleOfferingAndPools:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		if rule.SubEvent == "" {
			return false, missingField(poolName, rule.Type, "subevent")
		}
		program := student.ProgramFor(rule.Aid)
		if _, ok := program.OfferingHistory[rule.SubEvent]; !ok {
			return false, nil
		}
		for _, name := range rule.Pools {
			ok, err := recurse(name)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case domain.RuleOath:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		return student.ProgramFor(rule.Aid).Oath, nil

	case domain.RuleAttended:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		return student.ProgramFor(rule.Aid).Attended, nil

	case domain.RuleJoin:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		return student.ProgramFor(rule.Aid).Join, nil

	case domain.RuleCurrentEventJoin:
		return student.ProgramFor(currentAid).Join, nil

	case domain.RuleCurrentEventNotJoin:
		return !student.ProgramFor(currentAid).Join, nil

	case domain.RuleCurrentEventAccepted:
		program := student.ProgramFor(currentAid)
		return program.Accepted && !program.Withdrawn, nil

	case domain.RuleCurrentEventManualInc:
		return student.ProgramFor(currentAid).ManualInclude, nil

	case domain.RuleJoinWhich:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		if rule.Retreat == "" {
			return false, missingField(poolName, rule.Type, "retreat")
		}
		return joinsRetreat(student.ProgramFor(rule.Aid), rule.Retreat), nil

	case domain.RuleOfferingWhich:
		if rule.Aid == "" {
			return false, missingField(poolName, rule.Type, "aid")
		}
		if rule.Retreat == "" {
			return false, missingField(poolName, rule.Type, "retreat")
		}
		if rule.SubEvent == "" {
			return false, missingField(poolName, rule.Type, "subevent")
		}
		program := student.ProgramFor(rule.Aid)
		if !joinsRetreat(program, rule.Retreat) {
			return false, nil
		}
		for key, offering := range program.OfferingHistory {
			if strings.HasPrefix(key, rule.SubEvent) && offering.OfferingSKU != "" {
				return true, nil
			}
		}
		return false, nil

	case domain.RuleEligible:
		return student.ProgramFor(currentAid).Eligible, nil

	default:
		return false, &MalformedPoolError{
			Pool:   poolName,
			Reason: fmt.Sprintf("unknown attribute type %q", rule.Type),
		}
	}
}

// joinsRetreat reports whether the program joined (and did not withdraw
// from) at least one retreat whose key starts with the given prefix.
func joinsRetreat(program domain.Program, retreat string) bool {
	if !program.Join || program.Withdrawn || len(program.WhichRetreats) == 0 {
		return false
	}
	for key, on := range program.WhichRetreats {
		if on && strings.HasPrefix(key, retreat) {
			return true
		}
	}
	return false
}

// SelectedRetreats returns the truthy whichRetreats keys in sorted order.
func SelectedRetreats(program domain.Program) []string {
	keys := make([]string, 0, len(program.WhichRetreats))
	for key, on := range program.WhichRetreats {
		if on {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func missingField(pool string, ruleType domain.PoolRuleType, field string) error {
	return &MalformedPoolError{
		Pool:   pool,
		Reason: fmt.Sprintf("%s attribute missing required %q field", ruleType, field),
	}
}
