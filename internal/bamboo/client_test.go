package bamboo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/pkg/cerr"
)

func permissionsJSON(results ...permissionResult) string {
	data, _ := json.Marshal(permissionPage{Limit: pageLimit, Results: results})
	return string(data)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/latest/info", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		fmt.Fprint(w, `{"version":"9.6.0"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "wrong", nil)
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Unauthenticated))
}

func TestFetchDomainGlobal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/latest/permissions/global/users":
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "alice", Permissions: []string{"ACCESS", "ADMINISTRATION"}}))
		case "/rest/api/latest/permissions/global/groups":
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "developers", Permissions: []string{"ACCESS"}}))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainGlobal)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, record.Record{User: "alice", Permission: "ACCESS", Value: true}, records[0])
	assert.Equal(t, record.Record{User: "alice", Permission: "ADMINISTRATION", Value: true}, records[1])
	assert.Equal(t, record.Record{Group: "developers", Permission: "ACCESS", Value: true}, records[2])
}

func TestFetchDomainGlobalPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/latest/permissions/global/users" {
			fmt.Fprint(w, permissionsJSON())
			return
		}
		start := r.URL.Query().Get("start")
		page := permissionPage{Limit: pageLimit}
		switch start {
		case "0":
			for i := 0; i < pageLimit; i++ {
				page.Results = append(page.Results, permissionResult{
					Name:        fmt.Sprintf("user%03d", i),
					Permissions: []string{"ACCESS"},
				})
			}
		case "100":
			page.Results = []permissionResult{{Name: "zed", Permissions: []string{"ACCESS"}}}
		default:
			t.Errorf("Unexpected start %q", start)
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainGlobal)
	require.NoError(t, err)
	assert.Len(t, records, pageLimit+1)
	assert.Equal(t, "zed", records[pageLimit].User)
}

func TestFetchDomainBuildPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/latest/plan":
			fmt.Fprint(w, `{"plans":{"plan":[{"key":"PROJ-PLAN","projectKey":"PROJ"}]}}`)
		case "/rest/api/latest/permissions/plan/PROJ-PLAN/users":
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "alice", Permissions: []string{"VIEW", "BUILD"}}))
		case "/rest/api/latest/permissions/plan/PROJ-PLAN/groups":
			fmt.Fprint(w, permissionsJSON())
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainBuildPlan)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "PROJ", r.ProjectKey)
		assert.Equal(t, "PROJ-PLAN", r.PlanKey)
	}
}

func TestFetchDomainBuildPlanPaginatesPlanListing(t *testing.T) {
	// The server honors at most 25 plans per response no matter what
	// max-result asks for, mirroring Bamboo's listing cap.
	const totalPlans, serverCap = 30, 25
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/api/latest/plan" {
			start, err := strconv.Atoi(r.URL.Query().Get("start-index"))
			require.NoError(t, err)
			end := start + serverCap
			if end > totalPlans {
				end = totalPlans
			}
			plans := make([]planSummary, 0, end-start)
			for i := start; i < end; i++ {
				plans = append(plans, planSummary{
					Key:        fmt.Sprintf("PROJ-PLAN%02d", i),
					ProjectKey: "PROJ",
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"plans": map[string]any{
					"size":        totalPlans,
					"start-index": start,
					"max-result":  len(plans),
					"plan":        plans,
				},
			})
			return
		}
		if strings.HasSuffix(r.URL.Path, "/users") {
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "alice", Permissions: []string{"VIEW"}}))
			return
		}
		fmt.Fprint(w, permissionsJSON())
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainBuildPlan)
	require.NoError(t, err)
	require.Len(t, records, totalPlans)
	plans := map[string]bool{}
	for _, r := range records {
		plans[r.PlanKey] = true
	}
	assert.Len(t, plans, totalPlans)
}

func TestFetchDomainProjectPaginatesProjectListing(t *testing.T) {
	const totalProjects, serverCap = 30, 25
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/api/latest/project" {
			start, err := strconv.Atoi(r.URL.Query().Get("start-index"))
			require.NoError(t, err)
			end := start + serverCap
			if end > totalProjects {
				end = totalProjects
			}
			projects := make([]map[string]string, 0, end-start)
			for i := start; i < end; i++ {
				projects = append(projects, map[string]string{"key": fmt.Sprintf("PROJ%02d", i)})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"projects": map[string]any{
					"size":        totalProjects,
					"start-index": start,
					"max-result":  len(projects),
					"project":     projects,
				},
			})
			return
		}
		if strings.HasSuffix(r.URL.Path, "/users") {
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "alice", Permissions: []string{"ADMINISTER"}}))
			return
		}
		fmt.Fprint(w, permissionsJSON())
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainProject)
	require.NoError(t, err)
	require.Len(t, records, totalProjects)
	projects := map[string]bool{}
	for _, r := range records {
		projects[r.ProjectKey] = true
	}
	assert.Len(t, projects, totalProjects)
}

func TestFetchDomainDeploymentEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/latest/deploy/project/all":
			fmt.Fprint(w, `[{"key":{"key":"DEPLOYPROJ"},"environments":[{"id":42}]}]`)
		case "/rest/api/latest/permissions/environment/42/users":
			fmt.Fprint(w, permissionsJSON())
		case "/rest/api/latest/permissions/environment/42/groups":
			fmt.Fprint(w, permissionsJSON(
				permissionResult{Name: "release-managers", Permissions: []string{"DEPLOY"}}))
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	records, err := c.FetchDomain(context.Background(), record.DomainDeploymentEnvironment)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "DEPLOYPROJ", records[0].ProjectKey)
	assert.Equal(t, "42", records[0].EnvironmentID)
	assert.Equal(t, "release-managers", records[0].Group)
}

func TestFetchDomainServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	_, err := c.FetchDomain(context.Background(), record.DomainGlobal)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))
}

func TestGrant(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	err := c.Grant(context.Background(), record.DomainProject,
		record.Record{User: "alice", Permission: "ADMINISTER", ProjectKey: "PROJ", Value: true})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/rest/api/latest/permissions/project/PROJ/users/alice", gotPath)
	assert.JSONEq(t, `["ADMINISTER"]`, gotBody)
}

func TestRevokeGroup(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	err := c.Revoke(context.Background(), record.DomainBuildPlan,
		record.Record{Group: "developers", Permission: "VIEW", ProjectKey: "PROJ", PlanKey: "PROJ-PLAN"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/rest/api/latest/permissions/plan/PROJ-PLAN/groups/developers", gotPath)
}

func TestModifyNotModifiedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	err := c.Grant(context.Background(), record.DomainGlobal,
		record.Record{User: "alice", Permission: "ACCESS"})
	require.NoError(t, err)
}

func TestModifyForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin", "secret", nil)
	err := c.Revoke(context.Background(), record.DomainGlobal,
		record.Record{User: "alice", Permission: "ACCESS"})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.PermissionDenied))
}

func TestScopePathValidation(t *testing.T) {
	tests := []struct {
		name   string
		domain record.Domain
		rec    record.Record
		want   string
	}{
		{"global", record.DomainGlobal, record.Record{}, "global"},
		{"deployment", record.DomainDeployment, record.Record{}, "deployment"},
		{"plan", record.DomainBuildPlan, record.Record{PlanKey: "PROJ-PLAN"}, "plan/PROJ-PLAN"},
		{"project", record.DomainProject, record.Record{ProjectKey: "PROJ"}, "project/PROJ"},
		{"deployment project", record.DomainDeploymentProject, record.Record{ProjectKey: "DP"}, "deploymentproject/DP"},
		{"environment", record.DomainDeploymentEnvironment, record.Record{EnvironmentID: "42"}, "environment/42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scopePath(tt.domain, tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	missing := []struct {
		name   string
		domain record.Domain
	}{
		{"plan without key", record.DomainBuildPlan},
		{"project without key", record.DomainProject},
		{"deployment project without key", record.DomainDeploymentProject},
		{"environment without id", record.DomainDeploymentEnvironment},
	}
	for _, tt := range missing {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scopePath(tt.domain, record.Record{})
			require.Error(t, err)
			assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
		})
	}
}
