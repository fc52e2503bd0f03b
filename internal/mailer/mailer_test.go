package mailer

import (
	"context"
	"fmt"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/store"
)

type fakeCredStore struct {
	creds map[string]*store.Credentials
	calls []string
}

func (f *fakeCredStore) GetCredentials(_ context.Context, account string) (*store.Credentials, error) {
	f.calls = append(f.calls, account)
	return f.creds[account], nil
}

func TestAdjustAccount(t *testing.T) {
	cases := []struct {
		account, country, want string
	}{
		{"foundations", "US", "foundations-americas"},
		{"foundations", "Brazil", "foundations-americas"},
		{"foundations", "France", "foundations-europe"},
		{"foundations", "", "foundations-europe"},
		{"gmb", "Chile", "gmb-americas"},
		{"events", "US", "events"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, adjustAccount(tc.account, tc.country), tc.account+"/"+tc.country)
	}
}

func TestCredentialCacheMemoizes(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"foundations-americas": {Username: "fa@example.com", Password: "pw"},
	}}
	cache := newCredentialCache(cs)

	ctx := context.Background()
	first, err := cache.get(ctx, "foundations", "US")
	require.NoError(t, err)
	second, err := cache.get(ctx, "foundations", "US")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, []string{"foundations-americas"}, cs.calls)
}

func TestCredentialCacheMissingAccount(t *testing.T) {
	cache := newCredentialCache(&fakeCredStore{creds: map[string]*store.Credentials{}})
	_, err := cache.get(context.Background(), "events", "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"events"`)
}

func newTestGateway(cs CredentialStore) *Gateway {
	return New(config.SMTPConfig{
		Server:          "smtp.example.com",
		Port:            587,
		DefaultFromName: "Support",
		DefaultPreview:  "preview",
	}, cs, logger.New())
}

func testStudent() *domain.Student {
	return &domain.Student{
		ID:      "s1",
		Email:   "ada@example.com",
		First:   "Ada",
		Last:    "Lovelace",
		Country: "US",
	}
}

func TestSendDryRunSkipsDial(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw"},
	}}
	g := newTestGateway(cs)
	dialed := false
	g.dial = func(_ context.Context, _ string, _ int, _, _ string, _ *mail.Msg) error {
		dialed = true
		return nil
	}

	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.False(t, dialed)
}

func TestSendSubmitsOnce(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw", Server: "relay.example.com"},
	}}
	g := newTestGateway(cs)

	var gotHost string
	var gotUser string
	dials := 0
	g.dial = func(_ context.Context, host string, _ int, username, _ string, _ *mail.Msg) error {
		dials++
		gotHost = host
		gotUser = username
		return nil
	}

	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
	// Per-account server overrides the configured relay.
	assert.Equal(t, "relay.example.com", gotHost)
	assert.Equal(t, "ev@example.com", gotUser)
}

func TestSendRetriesOn421(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw"},
	}}
	g := newTestGateway(cs)

	dials := 0
	g.dial = func(_ context.Context, _ string, _ int, _, _ string, _ *mail.Msg) error {
		dials++
		if dials < 3 {
			return &textproto.Error{Code: 421, Msg: "4.7.0 try again later"}
		}
		return nil
	}

	var waits []time.Duration
	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
		Wait: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, dials)
	assert.Equal(t, []time.Duration{relay421Wait, relay421Wait}, waits)
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw"},
	}}
	g := newTestGateway(cs)

	dials := 0
	g.dial = func(_ context.Context, _ string, _ int, _, _ string, _ *mail.Msg) error {
		dials++
		return &textproto.Error{Code: 421, Msg: "4.7.0 try again later"}
	}

	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
		Wait:    func(context.Context, time.Duration) error { return nil },
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, dials)
	assert.Contains(t, err.Error(), "relay busy after 5 attempts")
}

func TestSendFatalErrorRedactsRecipient(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw"},
	}}
	g := newTestGateway(cs)
	g.dial = func(_ context.Context, _ string, _ int, _, _ string, _ *mail.Msg) error {
		return fmt.Errorf("550 mailbox unavailable")
	}

	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ad***@example.com")
	assert.NotContains(t, err.Error(), "ada@example.com")
}

func TestSendInterruptedWaitAborts(t *testing.T) {
	cs := &fakeCredStore{creds: map[string]*store.Credentials{
		"events": {Username: "ev@example.com", Password: "pw"},
	}}
	g := newTestGateway(cs)
	g.dial = func(_ context.Context, _ string, _ int, _, _ string, _ *mail.Msg) error {
		return &textproto.Error{Code: 421, Msg: "busy"}
	}

	stop := fmt.Errorf("stop requested")
	err := g.Send(context.Background(), SendParams{
		Student: testStudent(),
		Account: "events",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
		Wait:    func(context.Context, time.Duration) error { return stop },
	})
	assert.ErrorIs(t, err, stop)
}

func TestIsRelayBusy(t *testing.T) {
	assert.True(t, isRelayBusy(&textproto.Error{Code: 421, Msg: "4.7.0 slow down"}))
	assert.True(t, isRelayBusy(fmt.Errorf("dialing relay: %w",
		&textproto.Error{Code: 421, Msg: "slow down"})))
	assert.False(t, isRelayBusy(&textproto.Error{Code: 550, Msg: "no such user"}))
	assert.False(t, isRelayBusy(nil))

	// A 421 that only appears inside the message text is not a relay
	// reply code.
	assert.False(t, isRelayBusy(fmt.Errorf("queued as id 421ab7")))
	assert.False(t, isRelayBusy(&textproto.Error{Code: 550, Msg: "blocked by rule 421"}))
}
