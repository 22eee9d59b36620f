package fiscal

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/agendapos/agendapos/internal/config"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/httpclient"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// ticketExpiryMargin renews the short-lived ticket before it actually expires
	ticketExpiryMargin = 5 * time.Minute

	ticketExchangeMaxRetries = 2
)

// ticketCache holds short-lived tickets per tax id so repeated emissions do
// not exchange credentials on every call.
var ticketCache = gocache.New(gocache.NoExpiration, 10*time.Minute)

// credentialProvider yields a bearer token for authority calls. The two
// authentication modes are interchangeable behind this interface.
type credentialProvider interface {
	// AccessToken returns a token valid for at least the next request
	AccessToken(ctx context.Context) (string, error)
	// Mode names the credential mode for logging
	Mode() string
}

// tokenProvider is the long-lived access token mode
type tokenProvider struct {
	token string
}

func (p *tokenProvider) AccessToken(_ context.Context) (string, error) {
	return p.token, nil
}

func (p *tokenProvider) Mode() string { return "token" }

// certificateProvider exchanges a certificate/private key pair for a
// short-lived ticket, cached until shortly before expiry.
type certificateProvider struct {
	cfg     config.FiscalConfig
	baseURL string
	client  httpclient.Client
	logger  *logger.Logger
}

func (p *certificateProvider) Mode() string { return "certificate" }

type ticketRequest struct {
	TaxID          string `json:"tax_id"`
	Certificate    string `json:"certificate"`
	GenerationTime string `json:"generation_time"`
	Signature      string `json:"signature"`
}

type ticketResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *certificateProvider) AccessToken(ctx context.Context) (string, error) {
	cacheKey := fmt.Sprintf("fiscal_ticket_%s", p.cfg.TaxID)
	if cached, found := ticketCache.Get(cacheKey); found {
		return cached.(string), nil
	}

	ticket, err := p.exchange(ctx)
	if err != nil {
		return "", err
	}

	ttl := time.Until(ticket.ExpiresAt) - ticketExpiryMargin
	if ttl > 0 {
		ticketCache.Set(cacheKey, ticket.Token, ttl)
	}

	p.logger.Infow("obtained fiscal authority ticket",
		"tax_id", p.cfg.TaxID,
		"expires_at", ticket.ExpiresAt)

	return ticket.Token, nil
}

// exchange performs the ticket request, signing it with the tenant's private
// key. The exchange endpoint is safe to repeat, so transient failures are
// retried with backoff.
func (p *certificateProvider) exchange(ctx context.Context) (*ticketResponse, error) {
	certPEM, err := p.cfg.ResolveCertificate()
	if err != nil {
		return nil, err
	}
	key, err := p.loadPrivateKey()
	if err != nil {
		return nil, err
	}

	req := ticketRequest{
		TaxID:          p.cfg.TaxID,
		Certificate:    base64.StdEncoding.EncodeToString(certPEM),
		GenerationTime: time.Now().UTC().Format(time.RFC3339),
	}

	digest := sha256.Sum256([]byte(req.TaxID + req.GenerationTime))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The fiscal private key could not sign the ticket request").
			Mark(ierr.ErrConfiguration)
	}
	req.Signature = base64.StdEncoding.EncodeToString(signature)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	var ticket ticketResponse
	operation := func() error {
		resp, sendErr := p.client.Send(ctx, &httpclient.Request{
			Method: http.MethodPost,
			URL:    p.baseURL + "/v1/auth/tickets",
			Body:   body,
		})
		if sendErr != nil {
			authErr := NormalizeAuthorityError(sendErr)
			if authErr.Category == CategoryUnavailable {
				return sendErr // retryable
			}
			return backoff.Permanent(authErr.AsError())
		}
		if unmarshalErr := json.Unmarshal(resp.Body, &ticket); unmarshalErr != nil {
			return backoff.Permanent(ierr.WithError(unmarshalErr).
				WithHint("The authority ticket response is malformed").
				Mark(ierr.ErrAuthenticationFailed))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), ticketExchangeMaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ierr.Is(err, ierr.ErrAuthenticationFailed) || ierr.Is(err, ierr.ErrAuthorityRejected) {
			return nil, err
		}
		return nil, NormalizeAuthorityError(err).AsError()
	}

	if ticket.Token == "" {
		return nil, ierr.NewError("authority returned an empty ticket").
			WithHint("The credential exchange did not yield a usable ticket").
			Mark(ierr.ErrAuthenticationFailed)
	}

	return &ticket, nil
}

func (p *certificateProvider) loadPrivateKey() (*rsa.PrivateKey, error) {
	keyPEM, err := p.cfg.ResolvePrivateKey()
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ierr.NewError("fiscal private key is not valid PEM").
			WithHint("The fiscal private key could not be parsed").
			Mark(ierr.ErrConfiguration)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, ierr.NewError("fiscal private key is not an RSA key").
			WithHint("Only RSA private keys are supported for the fiscal credential").
			Mark(ierr.ErrConfiguration)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The fiscal private key could not be parsed").
			Mark(ierr.ErrConfiguration)
	}
	return key, nil
}

// newCredentialProviders builds the ordered list of providers to try: token
// mode first when configured, certificate mode as the fallback.
func newCredentialProviders(cfg config.FiscalConfig, baseURL string, client httpclient.Client, log *logger.Logger) ([]credentialProvider, error) {
	var providers []credentialProvider

	if cfg.HasTokenCredential() {
		providers = append(providers, &tokenProvider{token: cfg.AccessToken})
	}
	if cfg.HasCertificateCredential() {
		providers = append(providers, &certificateProvider{
			cfg:     cfg,
			baseURL: baseURL,
			client:  client,
			logger:  log,
		})
	}

	if len(providers) == 0 {
		return nil, ierr.NewError("no fiscal credential configured").
			WithHint("Configure either an access token or a certificate/private key pair").
			Mark(ierr.ErrConfiguration)
	}

	return providers, nil
}
