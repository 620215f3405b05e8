package types

import "time"

// OperationType represents the kind of change delivered by a change feed
type OperationType string

const (
	// Insert represents a new customer being added
	Insert OperationType = "insert"
	// Update represents an existing customer being modified
	Update OperationType = "update"
	// Delete represents a customer being removed. Feeds may report it but it is never synced.
	Delete OperationType = "delete"
)

// Address is the postal address of a customer
type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2"`
	Postcode string `json:"postcode"`
	City     string `json:"city"`
	State    string `json:"state"`
	Country  string `json:"country"`
}

// CustomerRecord is a customer as written by the upstream producer.
// ID is assigned by the store; CreatedAt is set once at creation and never mutated.
type CustomerRecord struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Address   Address   `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnonymizedCustomer has the shape of CustomerRecord without the source identity.
// A zero CreatedAt means the field was not retained and the target store stamps its insert time.
type AnonymizedCustomer struct {
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Address   Address   `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChangeEvent is a single insert or update observed on the customers collection.
// Record always carries the full post-image.
type ChangeEvent struct {
	Operation OperationType  `json:"operation"`
	Record    CustomerRecord `json:"record"`
	// Position identifies the event in the feed (LSN, log sequence or topic offset) for logging.
	Position string `json:"position,omitempty"`
}

// Syncable reports whether the event carries a post-image that must be anonymized
func (e ChangeEvent) Syncable() bool {
	return e.Operation == Insert || e.Operation == Update
}
