package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBlockedPaths(t *testing.T) {
	cases := []struct {
		target string
		want   bool
	}{
		{"/.env", true},
		{"/app/.git/config", true},
		{"/wp-admin/setup.php", true},
		{"/index.php?rest_route=/wp/v2/users", true},
		{"/struts.Action", true},
		{"/", false},
		{"/hello", false},
		{"/api/users", false},
		{"/environment", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.target, nil)
		got, _ := Blocked(r)
		if got != tc.want {
			t.Errorf("Blocked(%q) = %v, want %v", tc.target, got, tc.want)
		}
	}
}

func TestBlockedUserAgents(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 zgrab/0.x")
	blocked, reason := Blocked(r)
	if !blocked || reason != "user_agent" {
		t.Fatalf("Blocked = %v (%q), want user_agent block", blocked, reason)
	}
	r.Header.Set("User-Agent", "curl/8.0")
	if blocked, _ := Blocked(r); blocked {
		t.Fatal("curl should not be blocked")
	}
}

func TestTrackerThreshold(t *testing.T) {
	tr := NewTracker(3, time.Hour)
	if tr.Hit("1.1.1.1") {
		t.Fatal("first hit should not trip the threshold")
	}
	if tr.Hit("1.1.1.1") {
		t.Fatal("second hit should not trip the threshold")
	}
	if !tr.Hit("1.1.1.1") {
		t.Fatal("third hit should trip the threshold")
	}
	if !tr.Banned("1.1.1.1") {
		t.Fatal("ip should stay banned")
	}
	if tr.Banned("2.2.2.2") {
		t.Fatal("other ip must be unaffected")
	}
}

func TestTrackerSweep(t *testing.T) {
	tr := NewTracker(2, 10*time.Millisecond)
	tr.Hit("1.1.1.1")
	tr.Hit("1.1.1.1")
	if !tr.Banned("1.1.1.1") {
		t.Fatal("expected ban before sweep")
	}
	time.Sleep(20 * time.Millisecond)
	if removed := tr.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if tr.Banned("1.1.1.1") {
		t.Fatal("ban should decay after retention")
	}
}
