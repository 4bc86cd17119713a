// Package ticketing opens remediation issues in external trackers.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// ErrUnsupported is returned for integration types with no ticketing backend.
var ErrUnsupported = errors.New("unsupported ticketing integration")

// TicketRequest describes the issue to open.
type TicketRequest struct {
	ControlID   string
	Title       string
	Description string
	ProjectKey  string // empty uses the integration's default project
	Labels      []string
	// DedupKey makes creation idempotent: it is attached as a label and an
	// existing issue carrying it is returned instead of opening another.
	DedupKey string
}

// TicketRef identifies a created issue.
type TicketRef struct {
	IssueKey string `json:"key"`
	IssueID  string `json:"id"`
	URL      string `json:"self"`
}

// Ticketer creates issues.
type Ticketer interface {
	CreateTicket(ctx context.Context, req TicketRequest) (*TicketRef, error)
}

// Factory builds a Ticketer for a ticketing integration and its decrypted config.
type Factory struct {
	client *resiliency.HTTPClient
}

// NewFactory creates a factory sharing one HTTP client.
func NewFactory(client *resiliency.HTTPClient) *Factory {
	if client == nil {
		client = resiliency.NewHTTPClient()
	}
	return &Factory{client: client}
}

// Build returns the Ticketer for in.
func (f *Factory) Build(in *compliance.Integration, cfg map[string]string) (Ticketer, error) {
	switch in.Type {
	case compliance.IntegrationJira:
		return NewJiraClient(cfg, f.client)
	default:
		return nil, resiliency.Permanent(fmt.Errorf("%w: %s", ErrUnsupported, in.Type))
	}
}

// JiraClient talks to the Jira REST v2 API.
type JiraClient struct {
	baseURL    string
	email      string
	token      string
	projectKey string
	issueType  string
	client     *resiliency.HTTPClient
}

// NewJiraClient requires base_url, email, api_token and project_key in cfg.
func NewJiraClient(cfg map[string]string, client *resiliency.HTTPClient) (*JiraClient, error) {
	var missing []string
	for _, k := range []string{"base_url", "email", "api_token", "project_key"} {
		if cfg[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, resiliency.Permanent(fmt.Errorf("jira config missing %v", missing))
	}
	issueType := cfg["issue_type"]
	if issueType == "" {
		issueType = "Task"
	}
	return &JiraClient{
		baseURL:    strings.TrimRight(cfg["base_url"], "/"),
		email:      cfg["email"],
		token:      cfg["api_token"],
		projectKey: cfg["project_key"],
		issueType:  issueType,
		client:     client,
	}, nil
}

type jiraIssue struct {
	Fields jiraFields `json:"fields"`
}

type jiraFields struct {
	Project     jiraKey  `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   jiraName `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
}

type jiraKey struct {
	Key string `json:"key"`
}

type jiraName struct {
	Name string `json:"name"`
}

// jiraLabel strips whitespace, which Jira labels cannot contain.
func jiraLabel(l string) string {
	return strings.Join(strings.Fields(l), "-")
}

// CreateTicket opens an issue, or returns the issue already carrying
// req.DedupKey. The POST is not idempotent, so a retry after a lost
// response relies on that lookup.
func (c *JiraClient) CreateTicket(ctx context.Context, req TicketRequest) (*TicketRef, error) {
	project := req.ProjectKey
	if project == "" {
		project = c.projectKey
	}
	labels := make([]string, 0, len(req.Labels)+1)
	for _, l := range req.Labels {
		labels = append(labels, jiraLabel(l))
	}
	if req.DedupKey != "" {
		existing, err := c.findByLabel(ctx, project, jiraLabel(req.DedupKey))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		labels = append(labels, jiraLabel(req.DedupKey))
	}

	body, err := json.Marshal(jiraIssue{Fields: jiraFields{
		Project:     jiraKey{Key: project},
		Summary:     req.Title,
		Description: req.Description,
		IssueType:   jiraName{Name: c.issueType},
		Labels:      labels,
	}})
	if err != nil {
		return nil, resiliency.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return nil, resiliency.Permanent(err)
	}
	httpReq.SetBasicAuth(c.email, c.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jira create issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var ref TicketRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("jira create issue: decode: %w", err)
	}
	if ref.IssueKey == "" {
		return nil, fmt.Errorf("jira create issue: response has no key")
	}
	return &ref, nil
}

// findByLabel returns the first issue in project carrying label, or nil.
func (c *JiraClient) findByLabel(ctx context.Context, project, label string) (*TicketRef, error) {
	q := url.Values{}
	q.Set("jql", fmt.Sprintf("project = %q AND labels = %q", project, label))
	q.Set("fields", "key")
	q.Set("maxResults", "1")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/api/2/search?"+q.Encode(), nil)
	if err != nil {
		return nil, resiliency.Permanent(err)
	}
	httpReq.SetBasicAuth(c.email, c.token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jira search issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Issues []TicketRef `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("jira search issue: decode: %w", err)
	}
	if len(result.Issues) == 0 {
		return nil, nil
	}
	return &result.Issues[0], nil
}
