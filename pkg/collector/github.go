package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// GitHub aspects.
const (
	AspectBranchProtection = "branch_protection"
	AspectOrgTwoFactor     = "org_two_factor"
	AspectSecretScanning   = "secret_scanning"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	githubPageSize   = 100
)

// GitHubCollector inspects an organization through the GitHub REST API.
type GitHubCollector struct {
	*BaseCollector
	client *resiliency.HTTPClient
}

// NewGitHubCollector creates a GitHub collector.
func NewGitHubCollector(client *resiliency.HTTPClient) *GitHubCollector {
	if client == nil {
		client = resiliency.NewHTTPClient()
	}
	return &GitHubCollector{
		BaseCollector: NewBaseCollector(compliance.IntegrationGitHub, map[string]float64{
			AspectBranchProtection: 1.00,
			AspectOrgTwoFactor:     1.00,
			AspectSecretScanning:   0.90,
		}, rate.Every(time.Second/2), 10), // 2 requests per second
		client: client,
	}
}

type githubRepo struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Archived      bool   `json:"archived"`
	Security      *struct {
		SecretScanning *struct {
			Status string `json:"status"`
		} `json:"secret_scanning"`
	} `json:"security_and_analysis"`
}

type githubMember struct {
	Login string `json:"login"`
}

func (c *GitHubCollector) Collect(ctx context.Context, aspect string, cfg Config) (*Result, error) {
	if _, err := c.Threshold(aspect); err != nil {
		return nil, err
	}
	if err := cfg.Require("token", "org"); err != nil {
		return nil, err
	}

	var (
		resources []Resource
		err       error
	)
	switch aspect {
	case AspectBranchProtection:
		resources, err = c.branchProtection(ctx, cfg)
	case AspectOrgTwoFactor:
		resources, err = c.twoFactor(ctx, cfg)
	case AspectSecretScanning:
		resources, err = c.secretScanning(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return c.Result(aspect, resources)
}

func (c *GitHubCollector) branchProtection(ctx context.Context, cfg Config) ([]Resource, error) {
	repos, err := c.repos(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(repos))
	for _, r := range repos {
		path := fmt.Sprintf("/repos/%s/%s/branches/%s/protection",
			url.PathEscape(cfg["org"]), url.PathEscape(r.Name), url.PathEscape(r.DefaultBranch))
		err := c.get(ctx, cfg, path, nil)
		var statusErr *resiliency.StatusError
		switch {
		case err == nil:
			resources = append(resources, Resource{Name: r.Name, Compliant: true, Detail: r.DefaultBranch})
		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
			resources = append(resources, Resource{Name: r.Name, Detail: r.DefaultBranch + " unprotected"})
		default:
			return nil, err
		}
	}
	return resources, nil
}

func (c *GitHubCollector) secretScanning(ctx context.Context, cfg Config) ([]Resource, error) {
	repos, err := c.repos(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(repos))
	for _, r := range repos {
		status := "disabled"
		if r.Security != nil && r.Security.SecretScanning != nil {
			status = r.Security.SecretScanning.Status
		}
		resources = append(resources, Resource{Name: r.Name, Compliant: status == "enabled", Detail: status})
	}
	return resources, nil
}

func (c *GitHubCollector) twoFactor(ctx context.Context, cfg Config) ([]Resource, error) {
	org := url.PathEscape(cfg["org"])
	all, err := c.members(ctx, cfg, "/orgs/"+org+"/members")
	if err != nil {
		return nil, err
	}
	disabled, err := c.members(ctx, cfg, "/orgs/"+org+"/members?filter=2fa_disabled")
	if err != nil {
		return nil, err
	}
	off := make(map[string]bool, len(disabled))
	for _, m := range disabled {
		off[m.Login] = true
	}
	resources := make([]Resource, 0, len(all))
	for _, m := range all {
		r := Resource{Name: m.Login, Compliant: !off[m.Login]}
		if off[m.Login] {
			r.Detail = "2fa disabled"
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// repos lists the organization's non-archived repositories.
func (c *GitHubCollector) repos(ctx context.Context, cfg Config) ([]githubRepo, error) {
	var out []githubRepo
	for page := 1; ; page++ {
		var batch []githubRepo
		path := fmt.Sprintf("/orgs/%s/repos?per_page=%d&page=%d", url.PathEscape(cfg["org"]), githubPageSize, page)
		if err := c.get(ctx, cfg, path, &batch); err != nil {
			return nil, err
		}
		for _, r := range batch {
			if !r.Archived {
				out = append(out, r)
			}
		}
		if len(batch) < githubPageSize {
			return out, nil
		}
	}
}

func (c *GitHubCollector) members(ctx context.Context, cfg Config, path string) ([]githubMember, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var out []githubMember
	for page := 1; ; page++ {
		var batch []githubMember
		if err := c.get(ctx, cfg, fmt.Sprintf("%s%sper_page=%d&page=%d", path, sep, githubPageSize, page), &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < githubPageSize {
			return out, nil
		}
	}
}

func (c *GitHubCollector) get(ctx context.Context, cfg Config, path string, out any) error {
	if err := c.Wait(ctx); err != nil {
		return err
	}
	base := strings.TrimRight(cfg["base_url"], "/")
	if base == "" {
		base = defaultGitHubAPI
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return resiliency.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg["token"])
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github %s: decode: %w", path, err)
	}
	return nil
}
