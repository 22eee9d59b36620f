package config

import (
	"encoding/base64"
	"os"
	"strings"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/shopspring/decimal"
)

const defaultFiscalTimezone = "America/Argentina/Buenos_Aires"

// FiscalConfig holds everything the emission engine needs to talk to the
// fiscal authority for one tenant. It is resolved once per request/attempt and
// threaded through the client, resolver and emitter rather than read ad hoc.
type FiscalConfig struct {
	// Enabled gates the whole fiscal feature for the tenant
	Enabled bool

	// TaxID is the authority tax identifier of the issuer (e.g. CUIT)
	TaxID string

	// PointOfSale partitions voucher numbering streams
	PointOfSale int
	// VoucherType is the authority code for ordinary invoices
	VoucherType int
	// CreditVoucherType is the authority code for credit notes
	CreditVoucherType int

	// Production selects the authority's production endpoint over the test one
	Production bool

	// AccessToken is the long-lived token credential, if the tenant uses token mode
	AccessToken string

	// Certificate and PrivateKey form the credential pair for ticket mode.
	// Each may be supplied inline (PEM), base64-encoded, or as a filesystem path.
	Certificate string
	PrivateKey  string

	// TaxRate is the single fixed rate applied to taxed voucher types
	TaxRate decimal.Decimal
	// TaxRateID is the authority-assigned identifier of that rate
	TaxRateID int

	// Timezone is the tenant's fiscal timezone (IANA name)
	Timezone string

	// Branding fields are consumed only by the document renderer
	BusinessName    string
	BusinessAddress string
	BusinessFooter  string
}

// HasTokenCredential reports whether token auth mode is configured
func (c FiscalConfig) HasTokenCredential() bool {
	return c.AccessToken != ""
}

// HasCertificateCredential reports whether certificate auth mode is configured
func (c FiscalConfig) HasCertificateCredential() bool {
	return c.Certificate != "" && c.PrivateKey != ""
}

// GetTimezone returns the configured fiscal timezone or the default
func (c FiscalConfig) GetTimezone() string {
	if c.Timezone == "" {
		return defaultFiscalTimezone
	}
	return c.Timezone
}

// Validate checks the preconditions the emitter enforces before any network
// call. Violations are configuration errors and are never retried.
func (c FiscalConfig) Validate() error {
	if !c.Enabled {
		return ierr.NewError("fiscal emission is disabled").
			WithHint("Enable the fiscal feature for this tenant before emitting invoices").
			Mark(ierr.ErrConfiguration)
	}
	if c.PointOfSale <= 0 {
		return ierr.NewError("point of sale is not configured").
			WithHint("Configure the fiscal point of sale number").
			Mark(ierr.ErrConfiguration)
	}
	if c.VoucherType <= 0 {
		return ierr.NewError("voucher type is not configured").
			WithHint("Configure the fiscal voucher type code").
			Mark(ierr.ErrConfiguration)
	}
	if !c.HasTokenCredential() && !c.HasCertificateCredential() {
		return ierr.NewError("no fiscal credential configured").
			WithHint("Configure either an access token or a certificate/private key pair").
			Mark(ierr.ErrConfiguration)
	}
	return nil
}

// ResolveCertificate returns the PEM bytes of the certificate credential,
// accepting inline PEM, base64, or a filesystem path.
func (c FiscalConfig) ResolveCertificate() ([]byte, error) {
	return resolveCredentialMaterial(c.Certificate, "certificate")
}

// ResolvePrivateKey returns the PEM bytes of the private key credential,
// accepting inline PEM, base64, or a filesystem path.
func (c FiscalConfig) ResolvePrivateKey() ([]byte, error) {
	return resolveCredentialMaterial(c.PrivateKey, "private key")
}

func resolveCredentialMaterial(value string, name string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ierr.NewErrorf("%s is not configured", name).
			WithHintf("Configure the fiscal %s", name).
			Mark(ierr.ErrConfiguration)
	}

	// Inline PEM
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}

	// Base64-encoded PEM
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if strings.HasPrefix(string(decoded), "-----BEGIN") {
			return decoded, nil
		}
	}

	// Filesystem path
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("The fiscal %s could not be read; supply it inline, base64 encoded, or as a readable file path", name).
			Mark(ierr.ErrConfiguration)
	}
	return data, nil
}
