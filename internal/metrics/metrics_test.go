package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New(func() float64 { return 3 })
	m.SessionsActive.Set(2)
	m.FramesReceived.Add(5)
	m.LateReplies.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"playhive_sessions_active 2",
		"playhive_frames_received_total 5",
		"playhive_late_replies_total 1",
		"playhive_requests_pending 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	_ = New(nil)
	_ = New(nil)
}
