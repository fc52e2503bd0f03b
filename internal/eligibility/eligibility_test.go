package eligibility

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slsupport/email-agent/internal/domain"
)

const (
	testAid = "vr20251001"
	testSub = "retreat"
)

func student(mutate func(*domain.Student)) *domain.Student {
	s := &domain.Student{
		ID:       "s1",
		Email:    "s1@example.com",
		Programs: map[string]domain.Program{},
		Practice: map[string]bool{},
	}
	if mutate != nil {
		mutate(s)
	}
	return s
}

func TestCheckTrueRule(t *testing.T) {
	pools := []domain.Pool{
		{Name: "everyone", Attributes: []domain.PoolRule{{Type: domain.RuleTrue}}},
	}
	ok, err := Check("everyone", student(nil), testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckMissingPoolIsNotAMatch(t *testing.T) {
	ok, err := Check("nope", student(nil), testAid, nil, testSub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPoolRecursionAndDiff(t *testing.T) {
	pools := []domain.Pool{
		{Name: "everyone", Attributes: []domain.PoolRule{{Type: domain.RuleTrue}}},
		{Name: "joined", Attributes: []domain.PoolRule{{Type: domain.RuleCurrentEventJoin}}},
		{Name: "via", Attributes: []domain.PoolRule{{Type: domain.RulePool, Name: "everyone"}}},
		{Name: "not-joined", Attributes: []domain.PoolRule{
			{Type: domain.RulePoolDiff, InPool: "everyone", OutPool: "joined"},
		}},
		{Name: "both", Attributes: []domain.PoolRule{
			{Type: domain.RulePoolAnd, Pool1: "everyone", Pool2: "joined"},
		}},
	}

	outsider := student(nil)
	joiner := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{Join: true}
	})

	ok, err := Check("via", outsider, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("not-joined", outsider, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("not-joined", joiner, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Check("both", joiner, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("both", outsider, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckCycleIsMalformed(t *testing.T) {
	pools := []domain.Pool{
		{Name: "a", Attributes: []domain.PoolRule{{Type: domain.RulePool, Name: "b"}}},
		{Name: "b", Attributes: []domain.PoolRule{{Type: domain.RulePool, Name: "a"}}},
	}
	_, err := Check("a", student(nil), testAid, pools, testSub)
	var malformed *MalformedPoolError
	require.True(t, errors.As(err, &malformed))
}

func TestCheckUnknownRuleTypeIsMalformed(t *testing.T) {
	pools := []domain.Pool{
		{Name: "weird", Attributes: []domain.PoolRule{{Type: "nonsense"}}},
	}
	_, err := Check("weird", student(nil), testAid, pools, testSub)
	var malformed *MalformedPoolError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, err.Error(), "nonsense")
}

func TestCheckMissingRequiredField(t *testing.T) {
	pools := []domain.Pool{
		{Name: "broken", Attributes: []domain.PoolRule{{Type: domain.RulePool}}},
	}
	_, err := Check("broken", student(nil), testAid, pools, testSub)
	var malformed *MalformedPoolError
	require.True(t, errors.As(err, &malformed))
}

func TestCheckOfferingRules(t *testing.T) {
	pools := []domain.Pool{
		{Name: "offered", Attributes: []domain.PoolRule{
			{Type: domain.RuleOffering, Aid: testAid, SubEvent: testSub},
		}},
		{Name: "offered-any", Attributes: []domain.PoolRule{
			{Type: domain.RuleOffering, Aid: testAid, SubEvent: "any"},
		}},
		{Name: "cur-offered", Attributes: []domain.PoolRule{{Type: domain.RuleCurrentEventOffering}}},
		{Name: "cur-not-offered", Attributes: []domain.PoolRule{{Type: domain.RuleCurrentEventNotOffering}}},
	}

	offerer := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{
			Join: true,
			OfferingHistory: map[string]domain.Offering{
				testSub: {OfferingSKU: "sku-1"},
			},
		}
	})
	withdrawn := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{
			Withdrawn: true,
			OfferingHistory: map[string]domain.Offering{
				testSub: {OfferingSKU: "sku-1"},
			},
		}
	})

	for _, pool := range []string{"offered", "offered-any", "cur-offered"} {
		ok, err := Check(pool, offerer, testAid, pools, testSub)
		require.NoError(t, err, pool)
		assert.True(t, ok, pool)

		ok, err = Check(pool, withdrawn, testAid, pools, testSub)
		require.NoError(t, err, pool)
		assert.False(t, ok, pool)
	}

	// Not-offering ignores withdrawn and looks only at the SKU.
	ok, err := Check("cur-not-offered", student(nil), testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("cur-not-offered", offerer, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckJoinWhichAndOfferingWhich(t *testing.T) {
	pools := []domain.Pool{
		{Name: "june", Attributes: []domain.PoolRule{
			{Type: domain.RuleJoinWhich, Aid: testAid, Retreat: "june"},
		}},
		{Name: "june-offered", Attributes: []domain.PoolRule{
			{Type: domain.RuleOfferingWhich, Aid: testAid, Retreat: "june", SubEvent: testSub},
		}},
	}

	s := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{
			Join: true,
			WhichRetreats: map[string]bool{
				"june-2026": true,
				"july-2026": false,
			},
			OfferingHistory: map[string]domain.Offering{
				testSub + "-a": {OfferingSKU: "sku-2"},
			},
		}
	})

	ok, err := Check("june", s, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("june-offered", s, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	noJoin := student(nil)
	ok, err = Check("june", noJoin, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckCurrentEventFlags(t *testing.T) {
	pools := []domain.Pool{
		{Name: "accepted", Attributes: []domain.PoolRule{{Type: domain.RuleCurrentEventAccepted}}},
		{Name: "eligible", Attributes: []domain.PoolRule{{Type: domain.RuleEligible}}},
		{Name: "manual", Attributes: []domain.PoolRule{{Type: domain.RuleCurrentEventManualInc}}},
	}

	s := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{Accepted: true, Eligible: true}
	})
	withdrawn := student(func(s *domain.Student) {
		s.Programs[testAid] = domain.Program{Accepted: true, Withdrawn: true}
	})

	ok, err := Check("accepted", s, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("accepted", withdrawn, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Check("eligible", s, testAid, pools, testSub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check("manual", s, testAid, pools, testSub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectedRetreatsSorted(t *testing.T) {
	p := domain.Program{WhichRetreats: map[string]bool{
		"b": true, "a": true, "c": false,
	}}
	assert.Equal(t, []string{"a", "b"}, SelectedRetreats(p))
}
