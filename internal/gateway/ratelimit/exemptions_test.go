package ratelimit

import (
	"net/http/httptest"
	"testing"
)

func TestExemptionsMatchPath(t *testing.T) {
	exemptions, err := NewExemptions([]string{`request.path.startsWith("/health")`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	req := httptest.NewRequest("GET", "/health/ready", nil)
	if !exemptions.Match(req, ResolveIdentity(req)) {
		t.Fatalf("expected health probe to match")
	}

	chat := httptest.NewRequest("POST", "/chat/query", nil)
	if exemptions.Match(chat, ResolveIdentity(chat)) {
		t.Fatalf("chat request must not match")
	}
}

func TestExemptionsMatchIdentity(t *testing.T) {
	exemptions, err := NewExemptions([]string{`identity.partition == "addr:10.9.0.1"`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	req := httptest.NewRequest("POST", "/chat/query", nil)
	req.RemoteAddr = "10.9.0.1:55000"
	if !exemptions.Match(req, ResolveIdentity(req)) {
		t.Fatalf("expected address match")
	}

	other := httptest.NewRequest("POST", "/chat/query", nil)
	other.RemoteAddr = "10.9.0.2:55000"
	if exemptions.Match(other, ResolveIdentity(other)) {
		t.Fatalf("other address must not match")
	}
}

func TestExemptionsMatchMethod(t *testing.T) {
	exemptions, err := NewExemptions([]string{`request.method == "GET" && request.path == "/documents"`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	list := httptest.NewRequest("GET", "/documents", nil)
	if !exemptions.Match(list, ResolveIdentity(list)) {
		t.Fatalf("expected listing to match")
	}

	upload := httptest.NewRequest("POST", "/documents/upload", nil)
	if exemptions.Match(upload, ResolveIdentity(upload)) {
		t.Fatalf("upload must not match")
	}
}

func TestExemptionsRejectNonBooleanExpression(t *testing.T) {
	if _, err := NewExemptions([]string{`request.path`}); err == nil {
		t.Fatalf("expected compile error for string-valued expression")
	}
}

func TestExemptionsRejectEmptyExpression(t *testing.T) {
	if _, err := NewExemptions([]string{"  "}); err == nil {
		t.Fatalf("expected error for blank expression")
	}
}

func TestExemptionsRejectBrokenExpression(t *testing.T) {
	if _, err := NewExemptions([]string{`request.path.startsWith(`}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestExemptionsEvalErrorMeansNoMatch(t *testing.T) {
	exemptions, err := NewExemptions([]string{`identity.nosuchkey == "x"`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	req := httptest.NewRequest("GET", "/documents", nil)
	if exemptions.Match(req, ResolveIdentity(req)) {
		t.Fatalf("runtime error must not exempt the request")
	}
}

func TestExemptionsReplaceSwapsRules(t *testing.T) {
	exemptions, err := NewExemptions([]string{`request.path.startsWith("/health")`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	if err := exemptions.Replace([]string{`request.path == "/documents"`}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	health := httptest.NewRequest("GET", "/health/live", nil)
	if exemptions.Match(health, ResolveIdentity(health)) {
		t.Fatalf("old rule still active after replace")
	}
	docs := httptest.NewRequest("GET", "/documents", nil)
	if !exemptions.Match(docs, ResolveIdentity(docs)) {
		t.Fatalf("new rule not active after replace")
	}
}

func TestExemptionsReplaceKeepsOldRulesOnError(t *testing.T) {
	exemptions, err := NewExemptions([]string{`request.path.startsWith("/health")`})
	if err != nil {
		t.Fatalf("new exemptions: %v", err)
	}

	if err := exemptions.Replace([]string{`broken(`}); err == nil {
		t.Fatalf("expected error for broken replacement")
	}

	health := httptest.NewRequest("GET", "/health/live", nil)
	if !exemptions.Match(health, ResolveIdentity(health)) {
		t.Fatalf("old rules should survive a failed replace")
	}
}
