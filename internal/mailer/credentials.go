package mailer

import (
	"context"
	"fmt"
	"sync"

	"github.com/slsupport/email-agent/internal/store"
)

// CredentialStore resolves SMTP account credentials.
type CredentialStore interface {
	GetCredentials(ctx context.Context, account string) (*store.Credentials, error)
}

// americasCountries routes the shared accounts to their regional relay.
var americasCountries = map[string]bool{
	"US":       true,
	"Canada":   true,
	"Mexico":   true,
	"Chile":    true,
	"Brazil":   true,
	"Columbia": true,
}

// regionalAccounts are the accounts split by continent.
var regionalAccounts = map[string]bool{
	"foundations": true,
	"gmb":         true,
}

// adjustAccount appends the regional suffix for split accounts based on
// the recipient's country.
func adjustAccount(account, country string) string {
	if !regionalAccounts[account] {
		return account
	}
	if americasCountries[country] {
		return account + "-americas"
	}
	return account + "-europe"
}

// credentialCache memoizes credential lookups per (account, country)
// for the life of the process.
type credentialCache struct {
	mu    sync.Mutex
	store CredentialStore
	creds map[string]*store.Credentials
}

func newCredentialCache(cs CredentialStore) *credentialCache {
	return &credentialCache{store: cs, creds: make(map[string]*store.Credentials)}
}

func (c *credentialCache) get(ctx context.Context, account, country string) (*store.Credentials, error) {
	key := account + ":" + country
	c.mu.Lock()
	if creds, ok := c.creds[key]; ok {
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	creds, err := c.store.GetCredentials(ctx, adjustAccount(account, country))
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("no SMTP credentials for account %q", adjustAccount(account, country))
	}

	c.mu.Lock()
	c.creds[key] = creds
	c.mu.Unlock()
	return creds, nil
}
