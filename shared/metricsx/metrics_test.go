package metricsx

import "testing"

func TestRouteLabelCollapsesIDs(t *testing.T) {
	got := routeLabel("/api/v1/tasks/8d7f1c2e-3a4b-4c5d-9e6f-0a1b2c3d4e5f/cancel")
	if got != "/api/v1/tasks/:id/cancel" {
		t.Fatalf("unexpected label %q", got)
	}
	if routeLabel("/healthz") != "/healthz" {
		t.Fatalf("static path changed")
	}
}
