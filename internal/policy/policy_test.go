package policy

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestAdmitHostnameGlob(t *testing.T) {
	st, err := NewState(Config{AllowedHosts: []string{"*.example.com", "api.other.test"}}, Options{})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	tests := []struct {
		host    string
		wantErr error
	}{
		{"foo.example.com", nil},
		{"FOO.EXAMPLE.COM", nil},
		{"api.other.test", nil},
		{"evil.test", ErrHostNotAllowed},
		{"example.com.evil.test", ErrHostNotAllowed},
	}
	for _, tc := range tests {
		err := st.Admit(tc.host, net.ParseIP("93.184.216.34"))
		if err != tc.wantErr {
			t.Errorf("Admit(%q): got %v, want %v", tc.host, err, tc.wantErr)
		}
	}
}

func TestAdmitBlocksInternalRanges(t *testing.T) {
	st, err := NewState(Config{}, Options{})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	blocked := []string{"127.0.0.1", "10.1.2.3", "169.254.1.1", "192.168.1.1", "100.64.0.5", "::1", "fc00::1", "fe80::1"}
	for _, ipStr := range blocked {
		if err := st.Admit("anything.test", net.ParseIP(ipStr)); err != ErrIPBlocked {
			t.Errorf("Admit with ip %s: got %v, want ErrIPBlocked", ipStr, err)
		}
	}

	if err := st.Admit("anything.test", net.ParseIP("93.184.216.34")); err != nil {
		t.Errorf("expected public IP to be admitted, got %v", err)
	}
}

func TestAdmitBlockInternalRangesDisabled(t *testing.T) {
	allow := false
	st, err := NewState(Config{BlockInternalRanges: &allow}, Options{})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if err := st.Admit("anything.test", net.ParseIP("127.0.0.1")); err != nil {
		t.Errorf("expected internal ranges to be allowed when disabled, got %v", err)
	}
}

func TestAdmitHooksOnlyDeny(t *testing.T) {
	st, err := NewState(Config{}, Options{
		IsIPAllowed: func(hostname string, ip net.IP) bool { return hostname != "blocked-by-hook.test" },
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if err := st.Admit("blocked-by-hook.test", net.ParseIP("93.184.216.34")); err != ErrHookDenied {
		t.Errorf("got %v, want ErrHookDenied", err)
	}
	if err := st.Admit("fine.test", net.ParseIP("93.184.216.34")); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestSecretsDeterministicWithInjectedRNG(t *testing.T) {
	cfg := Config{Secrets: map[string]SecretSpec{
		"TOKEN": {Hosts: []string{"api.example.com"}, Value: "s3cr3t"},
	}}
	rng := bytes.NewReader(bytes.Repeat([]byte{0x42}, 64))
	st, err := NewState(cfg, Options{RNG: rng})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	secrets := st.Secrets()
	if len(secrets) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(secrets))
	}
	if secrets[0].Value != "s3cr3t" {
		t.Fatalf("unexpected value %q", secrets[0].Value)
	}
	if want := placeholderPrefix + strings.Repeat("42", placeholderRandomBytes); secrets[0].Placeholder != want {
		t.Fatalf("placeholder %q, want %q", secrets[0].Placeholder, want)
	}
	env := st.Env()
	if env["TOKEN"] != secrets[0].Placeholder {
		t.Fatalf("Env()[TOKEN] = %q, want %q", env["TOKEN"], secrets[0].Placeholder)
	}
}

func TestReplaceSecretsInQueryDefaultsOff(t *testing.T) {
	st, err := NewState(Config{}, Options{})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if st.ReplaceSecretsInQuery() {
		t.Fatalf("expected ReplaceSecretsInQuery to default to false")
	}
}
