package bamboo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/pkg/cerr"
)

const (
	apiPrefix = "/rest/api/latest"

	// pageLimit is the page size used for paginated listings.
	pageLimit = 100
)

// Client talks to the Bamboo REST API. It is the single long-lived connection
// handle for a reconciliation run; timeout policy lives on the injected
// http.Client, not here.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New creates a Client against baseURL with basic auth credentials.
// httpClient may be nil, in which case http.DefaultClient is used.
func New(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     httpClient,
	}
}

// Ping verifies the server is reachable and the credentials are accepted.
// Used at setup time: an unreachable server aborts the whole run before any
// domain is touched.
func (c *Client) Ping(ctx context.Context) error {
	var info struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, apiPrefix+"/info", nil, &info); err != nil {
		return cerr.NewError(cerr.CodeOf(err), "bamboo server not reachable", err)
	}
	return nil
}

// FetchDomain retrieves the current permission records for one domain,
// normalized into the comparable record form. Scoped domains are enumerated
// first (plans, projects, deployment projects, environments) and each scope's
// user and group grants are paged through.
func (c *Client) FetchDomain(ctx context.Context, domain record.Domain) ([]record.Record, error) {
	switch domain {
	case record.DomainGlobal:
		return c.fetchScope(ctx, "global", record.Record{})
	case record.DomainBuildPlan:
		return c.fetchBuildPlans(ctx)
	case record.DomainProject:
		return c.fetchProjects(ctx)
	case record.DomainDeployment:
		return c.fetchScope(ctx, "deployment", record.Record{})
	case record.DomainDeploymentProject:
		return c.fetchDeploymentProjects(ctx)
	case record.DomainDeploymentEnvironment:
		return c.fetchDeploymentEnvironments(ctx)
	default:
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown domain %q", domain), nil)
	}
}

// Grant issues the idempotent grant call for one record. Bamboo answers 304
// when the permission is already present, which counts as success.
func (c *Client) Grant(ctx context.Context, domain record.Domain, r record.Record) error {
	return c.modify(ctx, http.MethodPut, domain, r)
}

// Revoke issues the matching revoke call for one record. A 304 means the
// permission was already absent.
func (c *Client) Revoke(ctx context.Context, domain record.Domain, r record.Record) error {
	return c.modify(ctx, http.MethodDelete, domain, r)
}

func (c *Client) modify(ctx context.Context, method string, domain record.Domain, r record.Record) error {
	scope, err := scopePath(domain, r)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/permissions/%s/%ss/%s",
		apiPrefix, scope, r.SubjectKind(), url.PathEscape(r.SubjectName()))
	body, err := json.Marshal([]string{r.Permission})
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to encode permission body", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotModified {
		return nil
	}
	return cerr.NewError(cerr.NewCodeFromHTTPStatus(resp.StatusCode),
		fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
}

// scopePath maps a domain and its record's qualifiers onto the permission
// endpoint scope. The qualifiers a domain requires mirror the record shape:
// build plans need project and plan keys, environments need an environment
// ID, global and deployment take none.
func scopePath(domain record.Domain, r record.Record) (string, error) {
	switch domain {
	case record.DomainGlobal:
		return "global", nil
	case record.DomainBuildPlan:
		if r.PlanKey == "" {
			return "", cerr.NewError(cerr.InvalidArgument, "build plan record without plan key", nil)
		}
		return "plan/" + url.PathEscape(r.PlanKey), nil
	case record.DomainProject:
		if r.ProjectKey == "" {
			return "", cerr.NewError(cerr.InvalidArgument, "project record without project key", nil)
		}
		return "project/" + url.PathEscape(r.ProjectKey), nil
	case record.DomainDeployment:
		return "deployment", nil
	case record.DomainDeploymentProject:
		if r.ProjectKey == "" {
			return "", cerr.NewError(cerr.InvalidArgument, "deployment project record without project key", nil)
		}
		return "deploymentproject/" + url.PathEscape(r.ProjectKey), nil
	case record.DomainDeploymentEnvironment:
		if r.EnvironmentID == "" {
			return "", cerr.NewError(cerr.InvalidArgument, "deployment environment record without environment id", nil)
		}
		return "environment/" + url.PathEscape(r.EnvironmentID), nil
	default:
		return "", cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown domain %q", domain), nil)
	}
}

func (c *Client) fetchBuildPlans(ctx context.Context) ([]record.Record, error) {
	plans, err := c.listPlans(ctx)
	if err != nil {
		return nil, err
	}
	var records []record.Record
	for _, plan := range plans {
		base := record.Record{ProjectKey: plan.ProjectKey, PlanKey: plan.Key}
		scoped, err := c.fetchScope(ctx, "plan/"+url.PathEscape(plan.Key), base)
		if err != nil {
			return nil, err
		}
		records = append(records, scoped...)
	}
	return records, nil
}

func (c *Client) fetchProjects(ctx context.Context) ([]record.Record, error) {
	keys, err := c.listProjects(ctx)
	if err != nil {
		return nil, err
	}
	var records []record.Record
	for _, key := range keys {
		base := record.Record{ProjectKey: key}
		scoped, err := c.fetchScope(ctx, "project/"+url.PathEscape(key), base)
		if err != nil {
			return nil, err
		}
		records = append(records, scoped...)
	}
	return records, nil
}

func (c *Client) fetchDeploymentProjects(ctx context.Context) ([]record.Record, error) {
	projects, err := c.listDeployProjects(ctx)
	if err != nil {
		return nil, err
	}
	var records []record.Record
	for _, p := range projects {
		base := record.Record{ProjectKey: p.Key.Key}
		scoped, err := c.fetchScope(ctx, "deploymentproject/"+url.PathEscape(p.Key.Key), base)
		if err != nil {
			return nil, err
		}
		records = append(records, scoped...)
	}
	return records, nil
}

func (c *Client) fetchDeploymentEnvironments(ctx context.Context) ([]record.Record, error) {
	projects, err := c.listDeployProjects(ctx)
	if err != nil {
		return nil, err
	}
	var records []record.Record
	for _, p := range projects {
		for _, env := range p.Environments {
			id := fmt.Sprintf("%d", env.ID)
			base := record.Record{ProjectKey: p.Key.Key, EnvironmentID: id}
			scoped, err := c.fetchScope(ctx, "environment/"+id, base)
			if err != nil {
				return nil, err
			}
			records = append(records, scoped...)
		}
	}
	return records, nil
}

// permissionResult is one row of a permission listing: a subject and its
// granted permission names within the queried scope.
type permissionResult struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type permissionPage struct {
	Start   int                `json:"start"`
	Limit   int                `json:"limit"`
	Results []permissionResult `json:"results"`
}

// fetchScope pages through the user and group grants of one permission scope.
// base carries the scope qualifiers to stamp onto every produced record.
func (c *Client) fetchScope(ctx context.Context, scope string, base record.Record) ([]record.Record, error) {
	var records []record.Record
	for _, kind := range []record.SubjectKind{record.KindUser, record.KindGroup} {
		path := fmt.Sprintf("%s/permissions/%s/%ss", apiPrefix, scope, kind)
		start := 0
		for {
			var page permissionPage
			q := url.Values{
				"start": []string{fmt.Sprintf("%d", start)},
				"limit": []string{fmt.Sprintf("%d", pageLimit)},
			}
			if err := c.get(ctx, path, q, &page); err != nil {
				return nil, err
			}
			for _, res := range page.Results {
				for _, perm := range res.Permissions {
					r := base
					r.Permission = perm
					r.Value = true
					if kind == record.KindGroup {
						r.Group = res.Name
					} else {
						r.User = res.Name
					}
					records = append(records, r)
				}
			}
			if len(page.Results) < pageLimit {
				break
			}
			start += pageLimit
		}
	}
	return records, nil
}

type planSummary struct {
	Key        string `json:"key"`
	ProjectKey string `json:"projectKey"`
}

// listPlans pages through the build plan listing. Bamboo caps each listing
// response regardless of the requested max-result, so the loop keeps asking
// from start-index until the reported total size is collected. Stopping at
// the first response would make plans beyond the server's page cap invisible
// to the diff.
func (c *Client) listPlans(ctx context.Context) ([]planSummary, error) {
	var plans []planSummary
	for {
		var out struct {
			Plans struct {
				Size int           `json:"size"`
				Plan []planSummary `json:"plan"`
			} `json:"plans"`
		}
		q := url.Values{
			"start-index": []string{fmt.Sprintf("%d", len(plans))},
			"max-result":  []string{fmt.Sprintf("%d", pageLimit)},
		}
		if err := c.get(ctx, apiPrefix+"/plan", q, &out); err != nil {
			return nil, err
		}
		plans = append(plans, out.Plans.Plan...)
		if len(out.Plans.Plan) == 0 || len(plans) >= out.Plans.Size {
			return plans, nil
		}
	}
}

// listProjects pages through the project listing the same way as listPlans.
func (c *Client) listProjects(ctx context.Context) ([]string, error) {
	var keys []string
	for {
		var out struct {
			Projects struct {
				Size    int `json:"size"`
				Project []struct {
					Key string `json:"key"`
				} `json:"project"`
			} `json:"projects"`
		}
		q := url.Values{
			"start-index": []string{fmt.Sprintf("%d", len(keys))},
			"max-result":  []string{fmt.Sprintf("%d", pageLimit)},
		}
		if err := c.get(ctx, apiPrefix+"/project", q, &out); err != nil {
			return nil, err
		}
		for _, p := range out.Projects.Project {
			keys = append(keys, p.Key)
		}
		if len(out.Projects.Project) == 0 || len(keys) >= out.Projects.Size {
			return keys, nil
		}
	}
}

type deployProject struct {
	Key struct {
		Key string `json:"key"`
	} `json:"key"`
	Environments []struct {
		ID int64 `json:"id"`
	} `json:"environments"`
}

func (c *Client) listDeployProjects(ctx context.Context) ([]deployProject, error) {
	var out []deployProject
	if err := c.get(ctx, apiPrefix+"/deploy/project/all", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("GET %s failed", path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cerr.NewError(cerr.NewCodeFromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("GET %s returned %d", path, resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("GET %s: failed to read body", path), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return cerr.NewError(cerr.Internal, fmt.Sprintf("GET %s: unexpected response body", path), err)
	}
	return nil
}
