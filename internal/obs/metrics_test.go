package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/login":                     "/v1/login",
		"/v1/services/abc":              "/v1/services/:id",
		"/v1/services/abc/tree":         "/v1/services/:id/tree",
		"/v1/services/abc/users/u7":     "/v1/services/:id/users/:id",
		"/v1/groups/g1/users":           "/v1/groups/:id/users",
		"/v1/groups/g1/users/u7":        "/v1/groups/:id/users/:id",
		"/v1/machines/m1":               "/v1/machines/:id",
		"/v1/search?q=postgres":         "/v1/search",
		"/v1/customers/c9/extra/deeper": "/v1/customers/:id/extra/deeper",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestFanoutCounters(t *testing.T) {
	rowsBefore := testutil.ToFloat64(cipherRowsWritten)
	recBefore := testutil.ToFloat64(fanoutRecipients)
	skipBefore := testutil.ToFloat64(fanoutSkipped)

	CountCipherRows(4)
	CountFanout(3, 1)

	if got := testutil.ToFloat64(cipherRowsWritten) - rowsBefore; got != 4 {
		t.Fatalf("cipher rows delta = %v, want 4", got)
	}
	if got := testutil.ToFloat64(fanoutRecipients) - recBefore; got != 3 {
		t.Fatalf("recipients delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(fanoutSkipped) - skipBefore; got != 1 {
		t.Fatalf("skipped delta = %v, want 1", got)
	}
}
