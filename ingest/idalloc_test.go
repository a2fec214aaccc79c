package ingest

import "testing"

func TestScopeFeedback(t *testing.T) {
	got := ScopeFeedback("asset1")
	want := "feedback:asset1"
	if got != want {
		t.Errorf("ScopeFeedback(%q) = %q, want %q", "asset1", got, want)
	}
}

func TestScopeRevocation(t *testing.T) {
	got := ScopeRevocation("asset1")
	want := "revocation:asset1"
	if got != want {
		t.Errorf("ScopeRevocation(%q) = %q, want %q", "asset1", got, want)
	}
}

func TestScopeResponse(t *testing.T) {
	got := ScopeResponse("asset1", "client1", 42)
	want := "response:asset1:client1:42"
	if got != want {
		t.Errorf("ScopeResponse(...) = %q, want %q", got, want)
	}
}

func TestScopesAreDistinctPerAsset(t *testing.T) {
	if ScopeFeedback("a") == ScopeFeedback("b") {
		t.Error("ScopeFeedback should differ across assets")
	}
	if ScopeFeedback("a") == ScopeRevocation("a") {
		t.Error("ScopeFeedback and ScopeRevocation must not collide for the same asset")
	}
}

func TestScopeGlobalAgentConstant(t *testing.T) {
	if ScopeGlobalAgent != "agent:global" {
		t.Errorf("ScopeGlobalAgent = %q, want %q", ScopeGlobalAgent, "agent:global")
	}
}
