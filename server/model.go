package server

import "time"

// AuthMethod records how a principal authenticated.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodOIDC     AuthMethod = "oidc"
	AuthMethodDisabled AuthMethod = "disabled"
)

// Valid reports whether m is one of the known methods.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodPassword, AuthMethodOIDC, AuthMethodDisabled:
		return true
	}
	return false
}

// SessionPrincipal is the identity embedded inside a session credential.
// Only display-safe attributes belong here: the credential is signed, not encrypted.
type SessionPrincipal struct {
	Subject          string     `json:"sub"`
	Issuer           string     `json:"iss"`
	AuthMethod       AuthMethod `json:"provider"`
	Email            string     `json:"email,omitempty"`
	Name             string     `json:"name,omitempty"`
	Tenant           string     `json:"tenant,omitempty"`
	IdentityProvider string     `json:"idp,omitempty"`
	PictureURL       string     `json:"picture,omitempty"`
}

// Protocol distinguishes discovery-based OIDC from raw OAuth2 providers.
type Protocol string

const (
	ProtocolOIDC   Protocol = "oidc"
	ProtocolOAuth2 Protocol = "oauth2"
)

// IdentityProviderConfig is a fully resolved upstream provider.
type IdentityProviderConfig struct {
	ID              string
	Label           string
	Protocol        Protocol
	Issuer          string
	ClientID        string
	ClientSecret    string
	Scopes          []string
	RedirectURI     string
	PromptHint      string
	TenantClaimKeys []string

	// Fixed endpoints. Required for raw OAuth2; optional overrides for OIDC.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	// SecondaryEndpoint lists a raw OAuth2 provider's user emails.
	SecondaryEndpoint string
}

// TransientFlowState binds an authorization redirect to its callback.
type TransientFlowState struct {
	State        string
	Nonce        string
	CodeVerifier string
	ProviderID   string
}

// CallbackParams are the query parameters returned by the upstream provider.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// MintedToken is a short-lived backend credential.
type MintedToken struct {
	Token      string
	AccountKey string
	ExpiresAt  time.Time
}

// ProviderSummary is the public view of a configured provider.
type ProviderSummary struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Protocol Protocol `json:"protocol"`
}
