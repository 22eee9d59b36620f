package fiscal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agendapos/agendapos/internal/config"
	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/httpclient"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/shopspring/decimal"
)

const (
	productionBaseURL = "https://servicios.fiscal.gob.ar"
	testingBaseURL    = "https://homologacion.fiscal.gob.ar"
)

// VoucherRequest is a fully numbered voucher submitted for authorization
type VoucherRequest struct {
	PointOfSale    int             `json:"point_of_sale"`
	VoucherType    int             `json:"voucher_type"`
	SequenceNumber int64           `json:"number"`
	Concept        int             `json:"concept"`
	FiscalDate     string          `json:"fiscal_date"`
	Total          decimal.Decimal `json:"total"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TaxRateID      int             `json:"tax_rate_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`

	// RelatedVouchers references the original invoice on credit notes
	RelatedVouchers []RelatedVoucher `json:"related_vouchers,omitempty"`
}

// RelatedVoucher identifies a previously authorized voucher
type RelatedVoucher struct {
	PointOfSale    int   `json:"point_of_sale"`
	VoucherType    int   `json:"voucher_type"`
	SequenceNumber int64 `json:"number"`
}

// VoucherAuthorization is the authority's proof that a voucher was accepted
type VoucherAuthorization struct {
	CAE       string    `json:"cae"`
	CAEExpiry time.Time `json:"-"`
}

// VoucherInfo describes an already-authorized voucher as the authority sees it
type VoucherInfo struct {
	SequenceNumber int64           `json:"number"`
	CAE            string          `json:"cae"`
	CAEExpiry      time.Time       `json:"-"`
	Total          decimal.Decimal `json:"total"`
	FiscalDate     string          `json:"fiscal_date"`
}

// Client talks to the fiscal authority. Implementations must normalize every
// failure through NormalizeAuthorityError so callers branch on category only.
type Client interface {
	// GetLastVoucher returns the highest authorized sequence number for the
	// numbering stream, or 0 when no voucher was ever issued on it
	GetLastVoucher(ctx context.Context, pointOfSale, voucherType int) (int64, error)

	// CreateVoucher submits a voucher for authorization. It is NOT idempotent:
	// an unavailable-category failure is reported as an ambiguous outcome
	// because the authority may have processed the request anyway.
	CreateVoucher(ctx context.Context, req *VoucherRequest) (*VoucherAuthorization, error)

	// GetVoucherInfo fetches an authorized voucher by number. Returns
	// (nil, nil) when the authority has no voucher at that number.
	GetVoucherInfo(ctx context.Context, pointOfSale, voucherType int, number int64) (*VoucherInfo, error)
}

type wsClient struct {
	cfg       config.FiscalConfig
	baseURL   string
	client    httpclient.Client
	logger    *logger.Logger
	providers []credentialProvider

	mu     sync.Mutex
	active int
}

// NewClient builds an authority client for one tenant's fiscal configuration.
// It fails fast when no credential is configured.
func NewClient(cfg config.FiscalConfig, httpClient httpclient.Client, log *logger.Logger) (Client, error) {
	baseURL := testingBaseURL
	if cfg.Production {
		baseURL = productionBaseURL
	}

	providers, err := newCredentialProviders(cfg, baseURL, httpClient, log)
	if err != nil {
		return nil, err
	}

	return &wsClient{
		cfg:       cfg,
		baseURL:   baseURL,
		client:    httpClient,
		logger:    log,
		providers: providers,
	}, nil
}

// send performs one authenticated call, falling back permanently from token
// mode to certificate mode when the authority reports token auth unusable.
func (c *wsClient) send(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	c.mu.Lock()
	idx := c.active
	c.mu.Unlock()

	for ; idx < len(c.providers); idx++ {
		provider := c.providers[idx]

		token, err := provider.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers["Authorization"] = "Bearer " + token
		req.Headers["X-Tax-Id"] = c.cfg.TaxID

		resp, err := c.client.Send(ctx, req)
		if err == nil {
			return resp, nil
		}

		authErr := NormalizeAuthorityError(err)
		if authErr.IsTokenModeUnusable() && idx+1 < len(c.providers) {
			c.logger.Warnw("token auth mode unusable, switching to certificate mode",
				"tax_id", c.cfg.TaxID,
				"authority_code", authErr.Code)
			c.mu.Lock()
			c.active = idx + 1
			c.mu.Unlock()
			continue
		}
		return nil, err
	}

	return nil, ierr.NewError("no usable fiscal credential").
		WithHint("All configured fiscal credentials were rejected by the authority").
		Mark(ierr.ErrAuthenticationFailed)
}

type lastVoucherResponse struct {
	Number int64 `json:"number"`
}

func (c *wsClient) GetLastVoucher(ctx context.Context, pointOfSale, voucherType int) (int64, error) {
	url := fmt.Sprintf("%s/fev1/pos/%d/voucher-types/%d/last", c.baseURL, pointOfSale, voucherType)

	resp, err := c.send(ctx, &httpclient.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		if httpErr, ok := httpclient.IsHTTPError(err); ok && httpErr.StatusCode == http.StatusNotFound {
			// stream has no vouchers yet
			return 0, nil
		}
		return 0, NormalizeAuthorityError(err).AsError()
	}

	var last lastVoucherResponse
	if err := json.Unmarshal(resp.Body, &last); err != nil {
		return 0, ierr.WithError(err).
			WithHint("The authority last-voucher response is malformed").
			Mark(ierr.ErrAuthorityUnavailable)
	}
	return last.Number, nil
}

type voucherCreateResponse struct {
	CAE       string `json:"cae"`
	CAEExpiry string `json:"cae_expiry"`
}

func (c *wsClient) CreateVoucher(ctx context.Context, req *VoucherRequest) (*VoucherAuthorization, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	resp, err := c.send(ctx, &httpclient.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/fev1/vouchers",
		Body:   body,
	})
	if err != nil {
		authErr := NormalizeAuthorityError(err)
		if authErr.Category == CategoryUnavailable {
			// The request left the process and never produced an answer. The
			// voucher may or may not exist at the authority now.
			return nil, ierr.WithError(err).
				WithHint("The authorization request timed out; the voucher may have been issued").
				WithReportableDetails(map[string]any{
					"point_of_sale": req.PointOfSale,
					"voucher_type":  req.VoucherType,
					"number":        req.SequenceNumber,
				}).
				Mark(ierr.ErrAmbiguousOutcome)
		}
		return nil, authErr.AsError()
	}

	var created voucherCreateResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return nil, ierr.WithError(err).
			WithHint("The authority authorization response is malformed").
			Mark(ierr.ErrAmbiguousOutcome)
	}
	if created.CAE == "" {
		return nil, ierr.NewError("authority response carries no authorization code").
			WithHint("The authority accepted the request but returned no authorization code").
			Mark(ierr.ErrAmbiguousOutcome)
	}

	auth := &VoucherAuthorization{CAE: created.CAE}
	if created.CAEExpiry != "" {
		if expiry, parseErr := time.Parse("2006-01-02", created.CAEExpiry); parseErr == nil {
			auth.CAEExpiry = expiry
		}
	}

	c.logger.Infow("voucher authorized",
		"point_of_sale", req.PointOfSale,
		"voucher_type", req.VoucherType,
		"number", req.SequenceNumber,
		"cae", auth.CAE)

	return auth, nil
}

type voucherInfoResponse struct {
	Number     int64           `json:"number"`
	CAE        string          `json:"cae"`
	CAEExpiry  string          `json:"cae_expiry"`
	Total      decimal.Decimal `json:"total"`
	FiscalDate string          `json:"fiscal_date"`
}

func (c *wsClient) GetVoucherInfo(ctx context.Context, pointOfSale, voucherType int, number int64) (*VoucherInfo, error) {
	url := fmt.Sprintf("%s/fev1/pos/%d/voucher-types/%d/vouchers/%d", c.baseURL, pointOfSale, voucherType, number)

	resp, err := c.send(ctx, &httpclient.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		if httpErr, ok := httpclient.IsHTTPError(err); ok && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, NormalizeAuthorityError(err).AsError()
	}

	var raw voucherInfoResponse
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, ierr.WithError(err).
			WithHint("The authority voucher info response is malformed").
			Mark(ierr.ErrAuthorityUnavailable)
	}

	info := &VoucherInfo{
		SequenceNumber: raw.Number,
		CAE:            raw.CAE,
		Total:          raw.Total,
		FiscalDate:     raw.FiscalDate,
	}
	if raw.CAEExpiry != "" {
		if expiry, parseErr := time.Parse("2006-01-02", raw.CAEExpiry); parseErr == nil {
			info.CAEExpiry = expiry
		}
	}
	return info, nil
}
