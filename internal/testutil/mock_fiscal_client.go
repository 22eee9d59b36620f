package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/agendapos/agendapos/internal/fiscal"
)

var _ fiscal.Client = (*FakeAuthorityClient)(nil)

// FakeAuthorityClient simulates the fiscal authority. By default it behaves
// like a healthy authority: it tracks the last number per stream and
// authorizes every submission with a generated CAE. Each operation can be
// overridden per test through its Fn hook.
type FakeAuthorityClient struct {
	mu sync.Mutex

	lastNumbers map[string]int64
	vouchers    map[string]*fiscal.VoucherInfo

	GetLastVoucherFn func(ctx context.Context, pointOfSale, voucherType int) (int64, error)
	CreateVoucherFn  func(ctx context.Context, req *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error)
	GetVoucherInfoFn func(ctx context.Context, pointOfSale, voucherType int, number int64) (*fiscal.VoucherInfo, error)

	// Call counters for assertions
	GetLastVoucherCalls int
	CreateVoucherCalls  int
	GetVoucherInfoCalls int
}

// NewFakeAuthorityClient creates a fake authority with empty streams
func NewFakeAuthorityClient() *FakeAuthorityClient {
	return &FakeAuthorityClient{
		lastNumbers: make(map[string]int64),
		vouchers:    make(map[string]*fiscal.VoucherInfo),
	}
}

func streamKey(pointOfSale, voucherType int) string {
	return fmt.Sprintf("%d/%d", pointOfSale, voucherType)
}

func voucherKey(pointOfSale, voucherType int, number int64) string {
	return fmt.Sprintf("%d/%d/%d", pointOfSale, voucherType, number)
}

// SetLastNumber seeds the authority's last authorized number for a stream
func (c *FakeAuthorityClient) SetLastNumber(pointOfSale, voucherType int, number int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNumbers[streamKey(pointOfSale, voucherType)] = number
}

// RecordVoucher seeds an authorized voucher, as after a lost response
func (c *FakeAuthorityClient) RecordVoucher(pointOfSale, voucherType int, info *fiscal.VoucherInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vouchers[voucherKey(pointOfSale, voucherType, info.SequenceNumber)] = info
	if info.SequenceNumber > c.lastNumbers[streamKey(pointOfSale, voucherType)] {
		c.lastNumbers[streamKey(pointOfSale, voucherType)] = info.SequenceNumber
	}
}

func (c *FakeAuthorityClient) GetLastVoucher(ctx context.Context, pointOfSale, voucherType int) (int64, error) {
	c.mu.Lock()
	c.GetLastVoucherCalls++
	fn := c.GetLastVoucherFn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, pointOfSale, voucherType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNumbers[streamKey(pointOfSale, voucherType)], nil
}

func (c *FakeAuthorityClient) CreateVoucher(ctx context.Context, req *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
	c.mu.Lock()
	c.CreateVoucherCalls++
	fn := c.CreateVoucherFn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return c.Authorize(req)
}

// Authorize performs the default happy-path authorization, usable from
// CreateVoucherFn overrides that only fail some calls.
func (c *FakeAuthorityClient) Authorize(req *fiscal.VoucherRequest) (*fiscal.VoucherAuthorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := streamKey(req.PointOfSale, req.VoucherType)
	c.lastNumbers[key] = req.SequenceNumber

	cae := fmt.Sprintf("CAE%014d", req.SequenceNumber)
	c.vouchers[voucherKey(req.PointOfSale, req.VoucherType, req.SequenceNumber)] = &fiscal.VoucherInfo{
		SequenceNumber: req.SequenceNumber,
		CAE:            cae,
		Total:          req.Total,
		FiscalDate:     req.FiscalDate,
	}

	return &fiscal.VoucherAuthorization{CAE: cae}, nil
}

func (c *FakeAuthorityClient) GetVoucherInfo(ctx context.Context, pointOfSale, voucherType int, number int64) (*fiscal.VoucherInfo, error) {
	c.mu.Lock()
	c.GetVoucherInfoCalls++
	fn := c.GetVoucherInfoFn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, pointOfSale, voucherType, number)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vouchers[voucherKey(pointOfSale, voucherType, number)], nil
}
