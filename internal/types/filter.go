package types

import "github.com/samber/lo"

// BaseFilter is the minimal interface filters implement for pagination
type BaseFilter interface {
	GetLimit() int
	GetOffset() int
	GetSort() string
	GetOrder() string
	GetStatus() Status
	IsUnlimited() bool
}

// QueryFilter represents a generic query filter with optional fields
type QueryFilter struct {
	Limit  *int    `json:"limit,omitempty" form:"limit"`
	Offset *int    `json:"offset,omitempty" form:"offset"`
	Status *Status `json:"status,omitempty" form:"status"`
	Sort   *string `json:"sort,omitempty" form:"sort"`
	Order  *string `json:"order,omitempty" form:"order"`
}

// DefaultQueryFilter defines default values for query filters
var DefaultQueryFilter = QueryFilter{
	Limit:  lo.ToPtr(50),
	Offset: lo.ToPtr(0),
	Status: lo.ToPtr(StatusPublished),
	Sort:   lo.ToPtr("created_at"),
	Order:  lo.ToPtr("desc"),
}

// NewDefaultQueryFilter creates a new query filter with default values
func NewDefaultQueryFilter() *QueryFilter {
	f := DefaultQueryFilter
	return &f
}

// NewNoLimitQueryFilter creates a new query filter without pagination
func NewNoLimitQueryFilter() *QueryFilter {
	return &QueryFilter{
		Status: lo.ToPtr(StatusPublished),
		Sort:   lo.ToPtr("created_at"),
		Order:  lo.ToPtr("desc"),
	}
}

// GetLimit returns the limit value or default if not set
func (f QueryFilter) GetLimit() int {
	if f.Limit == nil {
		return *DefaultQueryFilter.Limit
	}
	return *f.Limit
}

// GetOffset returns the offset value or default if not set
func (f QueryFilter) GetOffset() int {
	if f.Offset == nil {
		return *DefaultQueryFilter.Offset
	}
	return *f.Offset
}

// GetStatus returns the status value or default if not set
func (f QueryFilter) GetStatus() Status {
	if f.Status == nil {
		return *DefaultQueryFilter.Status
	}
	return *f.Status
}

// GetSort returns the sort value or default if not set
func (f QueryFilter) GetSort() string {
	if f.Sort == nil {
		return *DefaultQueryFilter.Sort
	}
	return *f.Sort
}

// GetOrder returns the order value or default if not set
func (f QueryFilter) GetOrder() string {
	if f.Order == nil {
		return *DefaultQueryFilter.Order
	}
	return *f.Order
}

// IsUnlimited reports whether the filter disables pagination
func (f QueryFilter) IsUnlimited() bool {
	return f.Limit == nil && f.Offset == nil
}

// InvoiceFilter represents the filter options for listing invoices
type InvoiceFilter struct {
	*QueryFilter

	// invoice_ids restricts results to invoices with the specified IDs
	InvoiceIDs []string `json:"invoice_ids,omitempty" form:"invoice_ids"`

	// invoice_kind filters by invoice vs credit note
	InvoiceKind InvoiceKind `json:"invoice_kind,omitempty" form:"invoice_kind"`

	// invoice_status filters by the fiscal lifecycle state
	InvoiceStatus []InvoiceStatus `json:"invoice_status,omitempty" form:"invoice_status"`

	// origin_kind filters by the sale flow that produced the invoice
	OriginKind OriginKind `json:"origin_kind,omitempty" form:"origin_kind"`

	// origin_id filters by the originating sale/transaction id
	OriginID string `json:"origin_id,omitempty" form:"origin_id"`

	// point_of_sale filters by the fiscal point of sale number
	PointOfSale *int `json:"point_of_sale,omitempty" form:"point_of_sale"`

	// voucher_type filters by the authority voucher type code
	VoucherType *int `json:"voucher_type,omitempty" form:"voucher_type"`
}

// NewInvoiceFilter creates a new invoice filter with default options
func NewInvoiceFilter() *InvoiceFilter {
	return &InvoiceFilter{
		QueryFilter: NewDefaultQueryFilter(),
	}
}

// NewNoLimitInvoiceFilter creates a new invoice filter without pagination
func NewNoLimitInvoiceFilter() *InvoiceFilter {
	return &InvoiceFilter{
		QueryFilter: NewNoLimitQueryFilter(),
	}
}

// GetLimit implements BaseFilter interface
func (f *InvoiceFilter) GetLimit() int {
	if f.QueryFilter == nil {
		return NewDefaultQueryFilter().GetLimit()
	}
	return f.QueryFilter.GetLimit()
}

// GetOffset implements BaseFilter interface
func (f *InvoiceFilter) GetOffset() int {
	if f.QueryFilter == nil {
		return NewDefaultQueryFilter().GetOffset()
	}
	return f.QueryFilter.GetOffset()
}

// GetSort implements BaseFilter interface
func (f *InvoiceFilter) GetSort() string {
	if f.QueryFilter == nil {
		return NewDefaultQueryFilter().GetSort()
	}
	return f.QueryFilter.GetSort()
}

// GetOrder implements BaseFilter interface
func (f *InvoiceFilter) GetOrder() string {
	if f.QueryFilter == nil {
		return NewDefaultQueryFilter().GetOrder()
	}
	return f.QueryFilter.GetOrder()
}

// GetStatus implements BaseFilter interface
func (f *InvoiceFilter) GetStatus() Status {
	if f.QueryFilter == nil {
		return NewDefaultQueryFilter().GetStatus()
	}
	return f.QueryFilter.GetStatus()
}

func (f *InvoiceFilter) IsUnlimited() bool {
	if f.QueryFilter == nil {
		return false
	}
	return f.QueryFilter.IsUnlimited()
}
