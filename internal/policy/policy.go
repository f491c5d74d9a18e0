// Package policy is the single source of truth for which hostnames and IP
// addresses an intercepted flow may reach, and for the secret table that
// internal/httpintercept substitutes into outgoing requests. It is
// consulted by internal/netstack (DNS admission), internal/mitm (TLS
// handshake refusal) and internal/httpintercept (request replay, redirect
// re-checking).
package policy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
)

// SecretSpec is the YAML-decodable shape of one entry in Config.Secrets.
type SecretSpec struct {
	Hosts []string `yaml:"hosts"`
	Value string   `yaml:"value"`
}

// Config is the upward policy-configuration interface of spec.md §6.
type Config struct {
	AllowedHosts          []string              `yaml:"allowedHosts"`
	Secrets               map[string]SecretSpec `yaml:"secrets"`
	ReplaceSecretsInQuery bool                  `yaml:"replaceSecretsInQuery"`
	BlockInternalRanges   *bool                 `yaml:"blockInternalRanges"`
}

// blockInternalRanges implements BlockInternalRanges's "default
// true" without forcing every Config literal to spell it out; a nil
// pointer in the decoded YAML means "not specified".
func (c Config) blockInternalRanges() bool {
	if c.BlockInternalRanges == nil {
		return true
	}
	return *c.BlockInternalRanges
}

// SecretEntry is one resolved, placeholder-bearing secret, spec.md §3.
type SecretEntry struct {
	Name         string
	Placeholder  string
	Value        string
	HostPatterns []string
}

// placeholderPrefix marks a token as a Gondolin-substituted secret
// placeholder rather than guest-chosen plaintext.
const placeholderPrefix = "GONDOLIN_SECRET_"

// placeholderRandomBytes is the entropy of each minted placeholder,
// spec.md §3 "(>=24 random bytes, hex-encoded with a fixed prefix)".
const placeholderRandomBytes = 24

// IPAllowedHook lets the host veto an otherwise-allowed destination after
// the built-in checks pass. It can only further deny, never override a
// built-in deny, spec.md §4.8.
type IPAllowedHook func(hostname string, ip net.IP) bool

// RequestAllowedHook is the caller's isRequestAllowed hook; also deny-only.
type RequestAllowedHook func(hostname string) bool

// State is the compiled, query-ready form of a Config: glob patterns are
// pre-compiled to regexes and cached, and placeholders are pre-minted for
// every secret. State is read-only after NewState returns (per spec.md §5,
// "PolicyState is read-only after construction except for the secret table
// which is written only at VM build time" — this implementation treats the
// secret table as fixed at construction, matching "VM build time").
type State struct {
	mu                  sync.RWMutex
	allowedHostPatterns []*regexp.Regexp
	secrets             []SecretEntry
	replaceInQuery      bool
	blockInternal       bool

	isIPAllowed      IPAllowedHook
	isRequestAllowed RequestAllowedHook
}

// Options carries the caller-supplied hooks that aren't part of the
// YAML-serializable Config (they're Go closures, SPEC_FULL §1).
type Options struct {
	IsIPAllowed      IPAllowedHook
	IsRequestAllowed RequestAllowedHook
	// RNG supplies randomness for placeholder generation. Defaults to
	// crypto/rand.Reader; tests inject a deterministic source, per design
	// note 9 ("make it an injected RNG to keep secret-substitution tests
	// deterministic").
	RNG io.Reader
}

// NewState compiles cfg into a ready-to-query State.
func NewState(cfg Config, opts Options) (*State, error) {
	rng := opts.RNG
	if rng == nil {
		rng = rand.Reader
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.AllowedHosts))
	for _, glob := range cfg.AllowedHosts {
		re, err := compileHostGlob(glob)
		if err != nil {
			return nil, fmt.Errorf("policy: compile allowedHosts pattern %q: %w", glob, err)
		}
		patterns = append(patterns, re)
	}

	secrets := make([]SecretEntry, 0, len(cfg.Secrets))
	for name, spec := range cfg.Secrets {
		placeholder, err := generatePlaceholder(rng)
		if err != nil {
			return nil, fmt.Errorf("policy: generate placeholder for secret %q: %w", name, err)
		}
		secrets = append(secrets, SecretEntry{
			Name:         name,
			Placeholder:  placeholder,
			Value:        spec.Value,
			HostPatterns: append([]string(nil), spec.Hosts...),
		})
	}

	return &State{
		allowedHostPatterns: patterns,
		secrets:             secrets,
		replaceInQuery:      cfg.ReplaceSecretsInQuery,
		blockInternal:       cfg.blockInternalRanges(),
		isIPAllowed:         opts.IsIPAllowed,
		isRequestAllowed:    opts.IsRequestAllowed,
	}, nil
}

func generatePlaceholder(rng io.Reader) (string, error) {
	buf := make([]byte, placeholderRandomBytes)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return "", err
	}
	return placeholderPrefix + hex.EncodeToString(buf), nil
}

// compileHostGlob turns a `*`-glob into an anchored, case-insensitive
// regexp, spec.md §4.8: "anchored (^pattern$), * compiles to .*, all other
// regex metachars are escaped."
func compileHostGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// ErrHostNotAllowed and ErrIPBlocked distinguish the two built-in denial
// reasons from a caller-hook denial, for logging and metrics.
var (
	ErrHostNotAllowed = fmt.Errorf("policy: hostname does not match any allowed pattern")
	ErrIPBlocked      = fmt.Errorf("policy: ip is in a blocked internal range")
	ErrHookDenied     = fmt.Errorf("policy: denied by caller hook")
)

// Admit implements spec.md §4.8's admission function: the hostname glob
// check runs first, then the internal-IP-range check, then the caller
// hooks — each stage can only further deny, never override an earlier
// allow into a deny-then-allow, and never override a deny into an allow.
func (s *State) Admit(hostname string, ip net.IP) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.allowedHostPatterns) > 0 && !s.hostAllowedLocked(hostname) {
		return ErrHostNotAllowed
	}
	if s.blockInternal && isBlockedRange(ip) {
		return ErrIPBlocked
	}
	if s.isRequestAllowed != nil && !s.isRequestAllowed(hostname) {
		return ErrHookDenied
	}
	if s.isIPAllowed != nil && !s.isIPAllowed(hostname, ip) {
		return ErrHookDenied
	}
	return nil
}

// HostAllowed reports whether hostname matches the allowedHosts glob list,
// with no IP component. Used where the caller doesn't yet know an IP (DNS
// NXDOMAIN decisions, SYN-time admission before any TLS/HTTP layer has
// resolved an origin) — spec.md §4.3 and §4.1.
func (s *State) HostAllowed(hostname string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowedHostPatterns) == 0 {
		return true
	}
	return s.hostAllowedLocked(hostname)
}

func (s *State) hostAllowedLocked(hostname string) bool {
	for _, re := range s.allowedHostPatterns {
		if re.MatchString(hostname) {
			return true
		}
	}
	return false
}

// Secrets returns the resolved secret table.
func (s *State) Secrets() []SecretEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SecretEntry, len(s.secrets))
	copy(out, s.secrets)
	return out
}

// ReplaceSecretsInQuery reports whether query-parameter substitution (as
// opposed to only headers) is enabled.
func (s *State) ReplaceSecretsInQuery() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replaceInQuery
}

// Env returns the placeholder map exported into the guest environment
// (spec.md §6 "Upward -- policy configuration": "env: map<name,
// placeholder>... guest sees $NAME as the placeholder").
func (s *State) Env() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env := make(map[string]string, len(s.secrets))
	for _, se := range s.secrets {
		env[se.Name] = se.Placeholder
	}
	return env
}
