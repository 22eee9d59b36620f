package types

// Status is a type for the lifecycle status of a persisted resource in the database.
// This is distinct from the fiscal lifecycle of an invoice (see InvoiceStatus).
type Status string

const (
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)
