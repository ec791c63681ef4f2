package supabase

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func testBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "supabase-test"})
}

func TestCreateProjectSendsOrganizationAndAuth(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Project{ID: "proj_1", Ref: "abcxyz", Region: "us-east-1", Status: "COMING_UP"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sbp_token", "org_123", testBreaker())
	project, err := c.CreateProject(t.Context(), CreateProjectParams{Name: "tenant-1", Region: "us-east-1", DBPassword: "s3cr3t-pw"})
	if err != nil {
		t.Fatalf("CreateProject() error: %v", err)
	}
	if project.Ref != "abcxyz" {
		t.Fatalf("Ref = %q, want abcxyz", project.Ref)
	}
	if gotAuth != "Bearer sbp_token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody["organization_id"] != "org_123" || gotBody["db_pass"] != "s3cr3t-pw" {
		t.Fatalf("request body missing fields: %+v", gotBody)
	}
}

func TestDeleteProjectPropagates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "org", testBreaker())
	err := c.DeleteProject(t.Context(), "missing-ref")
	if err == nil {
		t.Fatal("DeleteProject() error = nil, want upstream error")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upstream.Status != http.StatusNotFound {
		t.Fatalf("Status = %d, want 404", upstream.Status)
	}
}

func TestRunQueryDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"schema_name":"stripe"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "org", testBreaker())
	rows, err := c.RunQuery(t.Context(), "abcxyz", "select schema_name from information_schema.schemata")
	if err != nil {
		t.Fatalf("RunQuery() error: %v", err)
	}
	if len(rows) != 1 || rows[0]["schema_name"] != "stripe" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase-test-trip",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	})
	c := NewClient(srv.URL, "tok", "org", breaker)

	for i := 0; i < 2; i++ {
		if err := c.DeleteProject(t.Context(), "ref"); err == nil {
			t.Fatal("expected upstream failure")
		}
	}
	err := c.DeleteProject(t.Context(), "ref")
	if err == nil || breaker.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}
}
