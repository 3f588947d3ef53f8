/*
Package scto is a minimal client for the SurveyCTO form-data API.

PURPOSE:
  Downloads a form's submissions as wide-format JSON records. This is the
  one upstream dependency of a refresh cycle; every failure here aborts that
  cycle only, leaving the previously persisted tables visible.

ENDPOINT:
  GET https://{server}.surveycto.com/api/v2/forms/data/wide/json/{form_id}
      ?r[]=approved&r[]=rejected&r[]=pending
  with HTTP basic auth.

ERROR MAPPING:
  401/403 -> ErrUnauthorized (bad credentials)
  404     -> ErrFormNotFound (wrong form id)
  other   -> wrapped transport/status error

No retry logic here: the refresh scheduler's next cycle is the retry.

SEE ALSO:
  - ingest: normalizes the records this client returns
  - api/scheduler.go: the periodic caller
*/
package scto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials.
	ErrUnauthorized = errors.New("surveycto: unauthorized")

	// ErrFormNotFound is returned when the form id does not exist on the
	// server.
	ErrFormNotFound = errors.New("surveycto: form not found")
)

// Client talks to one SurveyCTO server.
type Client struct {
	Server   string // server name, e.g. "risetkedaikopi"
	Username string
	Password string

	// BaseURL overrides the derived https://{server}.surveycto.com root.
	// Tests point it at an httptest server.
	BaseURL string

	HTTPClient *http.Client
}

// New creates a client for the given server and credentials.
func New(server, username, password string) *Client {
	return &Client{
		Server:     server,
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// FetchFormData downloads every approved, rejected and pending submission of
// a form as wide JSON records.
func (c *Client) FetchFormData(ctx context.Context, formID string) ([]map[string]any, error) {
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.surveycto.com", c.Server)
	}

	q := url.Values{}
	for _, status := range []string{"approved", "rejected", "pending"} {
		q.Add("r[]", status)
	}
	endpoint := fmt.Sprintf("%s/api/v2/forms/data/wide/json/%s?%s", base, url.PathEscape(formID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("surveycto: build request: %w", err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("surveycto: fetch form %s: %w", formID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("surveycto: fetch form %s: unexpected status %d", formID, resp.StatusCode)
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("surveycto: decode form %s response: %w", formID, err)
	}
	return records, nil
}
