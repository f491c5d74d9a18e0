package gondolin

import (
	"github.com/gondolin-dev/gondolin/internal/httpintercept"
	"github.com/gondolin-dev/gondolin/internal/policy"
)

// Config is the top-level, YAML-decodable configuration for one VM
// instance's network interception plane.
type Config struct {
	Policy policy.Config `yaml:"policy"`

	// CACertPath/CAKeyPath, if both set, persist the process-local MITM CA
	// across restarts (mitm.LoadOrCreateCA); left empty, a fresh in-memory
	// CA is generated per process.
	CACertPath string `yaml:"caCertPath"`
	CAKeyPath  string `yaml:"caKeyPath"`

	// CertCacheSize bounds the TLS leaf certificate cache (0 = default).
	CertCacheSize int `yaml:"certCacheSize"`

	// DebugHTTPAddr, if set, exposes the netstack status endpoint
	// (SPEC_FULL §3 "Debug HTTP status endpoint").
	DebugHTTPAddr string `yaml:"debugHttpAddr"`

	// Hooks are Go closures and are therefore not part of the YAML schema;
	// callers set them programmatically after decoding Config. These are
	// exactly the dynamic callbacks spec.md §6 lists: isRequestAllowed and
	// isIpAllowed gate admission (policy.Options); onRequestHead, onRequest,
	// onResponse gate the HTTP replay (httpintercept.Hooks).
	IsIPAllowed      policy.IPAllowedHook
	IsRequestAllowed policy.RequestAllowedHook
	HTTPHooks        httpintercept.Hooks
}
