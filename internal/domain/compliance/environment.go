package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRetryAttempts is the retry ceiling of a new tenant configuration
const DefaultRetryAttempts = 3

// Environment is the authority environment a tenant talks to
type Environment string

const (
	EnvironmentCertification Environment = "certification"
	EnvironmentProduction    Environment = "production"
)

// IsValid checks if the environment is known
func (e Environment) IsValid() bool {
	return e == EnvironmentCertification || e == EnvironmentProduction
}

// ParseEnvironment parses an environment name
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if !env.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, s)
	}
	return env, nil
}

// ConnectionStatus is the cached result of the last connection test
type ConnectionStatus string

const (
	ConnectionUnknown ConnectionStatus = "unknown"
	ConnectionOK      ConnectionStatus = "ok"
	ConnectionFailed  ConnectionStatus = "failed"
)

// EnvironmentConfig is the per-tenant authority configuration
type EnvironmentConfig struct {
	TenantID         uuid.UUID
	Environment      Environment
	EmitterRUT       string
	ResolutionNumber string
	ResolutionDate   *time.Time
	AutoSend         bool
	AutoRetry        bool
	RetryAttempts    int

	ConnectionStatus    ConnectionStatus
	ConnectionMessage   string
	LastTestAt          *time.Time
	LastTestEnvironment Environment

	UpdatedAt time.Time
}

// NewEnvironmentConfig creates a certification configuration with defaults
func NewEnvironmentConfig(tenantID uuid.UUID, emitterRUT string, now time.Time) *EnvironmentConfig {
	return &EnvironmentConfig{
		TenantID:         tenantID,
		Environment:      EnvironmentCertification,
		EmitterRUT:       emitterRUT,
		AutoRetry:        true,
		RetryAttempts:    DefaultRetryAttempts,
		ConnectionStatus: ConnectionUnknown,
		UpdatedAt:        now,
	}
}

// RetryLimit returns the effective retry ceiling
func (c *EnvironmentConfig) RetryLimit() int {
	if c.RetryAttempts < 0 {
		return 0
	}
	return c.RetryAttempts
}

// HasResolution reports whether the authority resolution has been recorded
func (c *EnvironmentConfig) HasResolution() bool {
	return strings.TrimSpace(c.ResolutionNumber) != ""
}

// SetResolution records the authority resolution identifiers
func (c *EnvironmentConfig) SetResolution(number string, date time.Time, now time.Time) {
	c.ResolutionNumber = strings.TrimSpace(number)
	c.ResolutionDate = &date
	c.UpdatedAt = now
}

// RecordConnectionTest stores the outcome of a connection test against the current environment
func (c *EnvironmentConfig) RecordConnectionTest(ok bool, message string, now time.Time) {
	if ok {
		c.ConnectionStatus = ConnectionOK
	} else {
		c.ConnectionStatus = ConnectionFailed
	}
	c.ConnectionMessage = message
	c.LastTestAt = &now
	c.LastTestEnvironment = c.Environment
	c.UpdatedAt = now
}

// ConnectionVerified reports whether the last connection test succeeded against the current environment
func (c *EnvironmentConfig) ConnectionVerified() bool {
	return c.ConnectionStatus == ConnectionOK && c.LastTestEnvironment == c.Environment
}

// SwitchTo changes the environment and clears the cached connection status.
// Gating is the caller's responsibility.
func (c *EnvironmentConfig) SwitchTo(target Environment, now time.Time) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, target)
	}
	c.Environment = target
	c.ConnectionStatus = ConnectionUnknown
	c.ConnectionMessage = ""
	c.UpdatedAt = now
	return nil
}

// PromotionInput is the fact set the production promotion gate evaluates
type PromotionInput struct {
	Target                  Environment      `json:"target"`
	Current                 Environment      `json:"current"`
	CertificatePresent      bool             `json:"certificate_present"`
	CertificateExpired      bool             `json:"certificate_expired"`
	ResolutionNumber        string           `json:"resolution_number"`
	ConnectionStatus        ConnectionStatus `json:"connection_status"`
	ConnectionEnvironment   Environment      `json:"connection_environment"`
	AcceptedInCertification int64            `json:"accepted_in_certification"`
}

// Promotion gate condition codes
const (
	GateCertificateMissing = "certificate_missing"
	GateCertificateExpired = "certificate_expired"
	GateResolutionMissing  = "resolution_missing"
	GateConnectionUntested = "connection_untested"
	GateNoAcceptedDocument = "no_accepted_document"
)
