package httpintercept

import (
	"net/url"
	"testing"

	"github.com/gondolin-dev/gondolin/internal/policy"
)

func TestCheckSecretExfiltrationBlocksUnauthorizedHost(t *testing.T) {
	secrets := []policy.SecretEntry{
		{Name: "TOKEN", Placeholder: "GONDOLIN_SECRET_abc", Value: "s3cr3t", HostPatterns: []string{"api.example.com"}},
	}
	header := Header{{Name: "X-Leak", Value: "s3cr3t"}}

	err := checkSecretExfiltration("evil.test", header, "", secrets, false)
	if err == nil {
		t.Fatalf("expected exfiltration to be blocked")
	}

	err = checkSecretExfiltration("api.example.com", header, "", secrets, false)
	if err != nil {
		t.Fatalf("expected allowed host to pass, got %v", err)
	}
}

func TestCheckSecretExfiltrationDecodesBasicAuth(t *testing.T) {
	secrets := []policy.SecretEntry{
		{Name: "TOKEN", Value: "s3cr3t", HostPatterns: []string{"api.example.com"}},
	}
	// base64("user:s3cr3t")
	header := Header{{Name: "Authorization", Value: "Basic dXNlcjpzM2NyM3Q="}}

	if err := checkSecretExfiltration("evil.test", header, "", secrets, false); err == nil {
		t.Fatalf("expected basic-auth-encoded secret to be caught")
	}
}

func TestSubstitutePlaceholdersReplacesAllowedHost(t *testing.T) {
	secrets := []policy.SecretEntry{
		{Name: "TOKEN", Placeholder: "GONDOLIN_SECRET_abc", Value: "s3cr3t", HostPatterns: []string{"api.example.com"}},
	}
	header := Header{{Name: "Authorization", Value: "Bearer GONDOLIN_SECRET_abc"}}
	u, _ := url.Parse("https://api.example.com/")

	if err := substitutePlaceholders("api.example.com", &header, u, secrets, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header.Get("Authorization") != "Bearer s3cr3t" {
		t.Fatalf("got %q", header.Get("Authorization"))
	}
}

func TestSubstitutePlaceholdersBlocksUnauthorizedHost(t *testing.T) {
	secrets := []policy.SecretEntry{
		{Name: "TOKEN", Placeholder: "GONDOLIN_SECRET_abc", Value: "s3cr3t", HostPatterns: []string{"api.example.com"}},
	}
	header := Header{{Name: "Authorization", Value: "Bearer GONDOLIN_SECRET_abc"}}
	u, _ := url.Parse("https://evil.test/")

	err := substitutePlaceholders("evil.test", &header, u, secrets, false)
	if err == nil {
		t.Fatalf("expected placeholder substitution to an unauthorized host to be blocked")
	}
	if header.Get("Authorization") != "Bearer GONDOLIN_SECRET_abc" {
		t.Fatalf("guest-visible placeholder must never be replaced when blocked, got %q", header.Get("Authorization"))
	}
}

func TestHeaderOrderPreservedOnSet(t *testing.T) {
	h := Header{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}, {Name: "A", Value: "3"}}
	h.Set("A", "4")
	if len(h) != 2 {
		t.Fatalf("expected duplicate A headers to collapse, got %d entries", len(h))
	}
	if h[0].Name != "A" || h[0].Value != "4" {
		t.Fatalf("expected first entry to be the updated A, got %+v", h[0])
	}
	if h[1].Name != "B" {
		t.Fatalf("expected B to remain in place, got %+v", h[1])
	}
}
