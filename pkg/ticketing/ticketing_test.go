package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

func jiraConfig(url string) map[string]string {
	return map[string]string{"base_url": url, "email": "bot@acme.io", "api_token": "tok", "project_key": "SEC"}
}

func TestJiraClient_CreateTicket(t *testing.T) {
	var got jiraIssue
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@acme.io", user)
		assert.Equal(t, "tok", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10042","key":"SEC-42","self":"https://jira/rest/api/2/issue/10042"}`))
	}))
	defer srv.Close()

	f := NewFactory(resiliency.NewHTTPClientFrom(srv.Client()))
	tk, err := f.Build(&compliance.Integration{Type: compliance.IntegrationJira}, jiraConfig(srv.URL))
	require.NoError(t, err)

	ref, err := tk.CreateTicket(context.Background(), TicketRequest{
		ControlID: "CC6.1", Title: "Remediate CC6.1", Description: "Encryption disabled", Labels: []string{"CC6.1", "compliance remediation"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SEC-42", ref.IssueKey)
	assert.Equal(t, "10042", ref.IssueID)

	assert.Equal(t, "SEC", got.Fields.Project.Key)
	assert.Equal(t, "Task", got.Fields.IssueType.Name)
	assert.Equal(t, []string{"CC6.1", "compliance-remediation"}, got.Fields.Labels)
}

func TestJiraClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errorMessages":["project does not exist"]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tk, err := NewJiraClient(jiraConfig(srv.URL), resiliency.NewHTTPClientFrom(srv.Client()))
	require.NoError(t, err)
	_, err = tk.CreateTicket(context.Background(), TicketRequest{Title: "x"})
	require.Error(t, err)
	assert.True(t, resiliency.IsPermanent(err))

	_, err = NewJiraClient(map[string]string{"base_url": srv.URL}, nil)
	require.Error(t, err)
	assert.True(t, resiliency.IsPermanent(err))
}

func TestJiraClient_RetryAfterLostResponseFindsIssue(t *testing.T) {
	var (
		mu      sync.Mutex
		created []jiraIssue
		posts   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/rest/api/2/search", r.URL.Path)
			assert.Equal(t, `project = "SEC" AND labels = "assure-check-chk-1"`, r.URL.Query().Get("jql"))
			for i, issue := range created {
				if slices.Contains(issue.Fields.Labels, "assure-check-chk-1") {
					_, _ = fmt.Fprintf(w, `{"issues":[{"id":"%d","key":"SEC-%d"}]}`, 100+i, 1+i)
					return
				}
			}
			_, _ = w.Write([]byte(`{"issues":[]}`))
		case http.MethodPost:
			posts++
			var issue jiraIssue
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&issue))
			created = append(created, issue)
			// Issue exists, but the caller never sees the response.
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		}
	}))
	defer srv.Close()

	tk, err := NewJiraClient(jiraConfig(srv.URL), resiliency.NewHTTPClientFrom(srv.Client()))
	require.NoError(t, err)
	req := TicketRequest{Title: "Remediate CC6.1", Labels: []string{"CC6.1"}, DedupKey: "assure-check-chk-1"}

	_, err = tk.CreateTicket(context.Background(), req)
	require.Error(t, err)
	assert.False(t, resiliency.IsPermanent(err), "5xx stays retryable")

	ref, err := tk.CreateTicket(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "SEC-1", ref.IssueKey)
	assert.Equal(t, "100", ref.IssueID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, posts, "retry must not open a second issue")
	assert.Equal(t, []string{"CC6.1", "assure-check-chk-1"}, created[0].Fields.Labels)
}

func TestFactory_Unsupported(t *testing.T) {
	_, err := NewFactory(nil).Build(&compliance.Integration{Type: compliance.IntegrationGitHub}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}
