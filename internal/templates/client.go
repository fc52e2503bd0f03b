// Package templates fetches campaign HTML from the hosted template
// service. Designers build a template per campaign and language; the
// agent finds it by name, renders it through a throwaway campaign, and
// pulls the rendered HTML down.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/pkg/httpretry"
	"github.com/slsupport/email-agent/internal/pkg/logger"
)

// ErrNotFound is returned when no template carries the requested name.
var ErrNotFound = errors.New("template not found")

const pageSize = 100

// Client talks to the template service REST API.
type Client struct {
	http    httpretry.HTTPDoer
	baseURL string
	apiKey  string
	cfg     config.TemplateConfig
	log     *logger.Logger

	listID string
}

// New builds a Client from the template-service configuration.
func New(cfg config.TemplateConfig, doer httpretry.HTTPDoer, log *logger.Logger) *Client {
	if doer == nil {
		doer = httpretry.New(nil, 3)
	}
	return &Client{
		http:    doer,
		baseURL: fmt.Sprintf("https://%s.api.mailchimp.com/3.0", cfg.ServerPrefix),
		apiKey:  cfg.APIKey,
		cfg:     cfg,
		log:     log,
	}
}

// FetchHTML renders the named template and returns its HTML. The render
// goes through a temporary campaign which is deleted before returning,
// success or not.
func (c *Client) FetchHTML(ctx context.Context, templateName, subject, fromName, replyTo string) (string, error) {
	templateID, err := c.findTemplate(ctx, templateName)
	if err != nil {
		return "", err
	}

	campaignID, err := c.createCampaign(ctx, templateID, subject, fromName, replyTo)
	if err != nil {
		return "", err
	}
	defer func() {
		if derr := c.deleteCampaign(context.WithoutCancel(ctx), campaignID); derr != nil {
			c.log.Warn("deleting render campaign", "campaignId", campaignID, "error", derr.Error())
		}
	}()

	return c.campaignHTML(ctx, campaignID)
}

// findTemplate pages through the template inventory looking for an
// exact name match.
func (c *Client) findTemplate(ctx context.Context, name string) (int64, error) {
	for offset := 0; ; offset += pageSize {
		var page struct {
			Templates []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"templates"`
			TotalItems int `json:"total_items"`
		}
		path := fmt.Sprintf("/templates?count=%d&offset=%d&type=user", pageSize, offset)
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return 0, err
		}
		for _, t := range page.Templates {
			if t.Name == name {
				return t.ID, nil
			}
		}
		if offset+pageSize >= page.TotalItems || len(page.Templates) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
}

// audienceListID resolves (and caches) the configured audience name to
// its list id.
func (c *Client) audienceListID(ctx context.Context) (string, error) {
	if c.listID != "" {
		return c.listID, nil
	}
	var lists struct {
		Lists []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"lists"`
	}
	if err := c.do(ctx, http.MethodGet, "/lists?count=100", nil, &lists); err != nil {
		return "", err
	}
	for _, l := range lists.Lists {
		if l.Name == c.cfg.Audience {
			c.listID = l.ID
			return l.ID, nil
		}
	}
	return "", fmt.Errorf("audience %q not found", c.cfg.Audience)
}

func (c *Client) createCampaign(ctx context.Context, templateID int64, subject, fromName, replyTo string) (string, error) {
	listID, err := c.audienceListID(ctx)
	if err != nil {
		return "", err
	}
	if replyTo == "" {
		replyTo = c.cfg.ReplyTo
	}

	body := map[string]interface{}{
		"type": "regular",
		"recipients": map[string]interface{}{
			"list_id": listID,
		},
		"settings": map[string]interface{}{
			"subject_line": subject,
			"from_name":    fromName,
			"reply_to":     replyTo,
			"template_id":  templateID,
		},
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/campaigns", body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("template service returned campaign without id")
	}
	return created.ID, nil
}

func (c *Client) campaignHTML(ctx context.Context, campaignID string) (string, error) {
	var content struct {
		HTML string `json:"html"`
	}
	if err := c.do(ctx, http.MethodGet, "/campaigns/"+campaignID+"/content", nil, &content); err != nil {
		return "", err
	}
	if content.HTML == "" {
		return "", fmt.Errorf("campaign %s has no HTML content", campaignID)
	}
	return content.HTML, nil
}

func (c *Client) deleteCampaign(ctx context.Context, campaignID string) error {
	return c.do(ctx, http.MethodDelete, "/campaigns/"+campaignID, nil, nil)
}

// do executes one API call: basic auth, JSON in, JSON out, non-2xx
// mapped to an error carrying the service's detail message.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding template request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building template request: %w", err)
	}
	req.SetBasicAuth("anystring", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("template service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading template response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &detail)
		if detail.Detail != "" {
			return fmt.Errorf("template service %s %s: %d: %s", method, path, resp.StatusCode, detail.Detail)
		}
		return fmt.Errorf("template service %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding template response: %w", err)
		}
	}
	return nil
}
