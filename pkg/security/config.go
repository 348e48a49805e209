// Package security holds the TLS configuration types shared by the
// engine's HTTPS surfaces (websocket feed, metrics endpoint).
package security

// Config is the security section of the platform config.
type Config struct {
	TLS TLSConfig `json:"tls,omitempty"`
}

// TLSConfig wraps server TLS settings. Client-side TLS for NATS lives
// on the NATS connection config instead.
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty"`
}

// ServerTLSConfig configures TLS for an HTTPS listener. Mode "manual"
// (the default) loads the cert/key pair from disk; mode "acme" obtains
// and renews the certificate automatically.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode,omitempty"` // "manual" (default) or "acme"
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	ACME ACMEConfig `json:"acme,omitempty"`

	MTLS ServerMTLSConfig `json:"mtls,omitempty"`
}

// ACMEConfig drives automated certificate management against an ACME
// directory such as step-ca.
type ACMEConfig struct {
	Enabled       bool     `json:"enabled"`
	DirectoryURL  string   `json:"directory_url,omitempty"`
	Email         string   `json:"email,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	ChallengeType string   `json:"challenge_type,omitempty"` // "http-01" or "tls-alpn-01"
	RenewBefore   string   `json:"renew_before,omitempty"`   // duration string, e.g. "8h"
	StoragePath   string   `json:"storage_path,omitempty"`
	CABundle      string   `json:"ca_bundle,omitempty"`
}

// ServerMTLSConfig enables client-certificate validation on a listener,
// used to restrict the fused-object feed to known consumers.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"` // false validates only when a cert is offered
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}
