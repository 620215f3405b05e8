// Package anonymize maps customer records to their irreversibly anonymized counterparts.
//
// The transform is pure: the same record and policy always produce the same output.
package anonymize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// ErrPrecondition is returned for records the transform is not defined on,
// such as an email without exactly one '@'.
var ErrPrecondition = errors.New("record violates anonymization precondition")

// Transformer applies the digest mapping under a field retention policy
type Transformer struct {
	policy Policy
}

// New returns a Transformer using policy
func New(policy Policy) *Transformer {
	return &Transformer{policy: policy}
}

// Policy returns the retention policy in effect
func (t *Transformer) Policy() Policy {
	return t.policy
}

// Customer anonymizes a single record
func (t *Transformer) Customer(c types.CustomerRecord) (types.AnonymizedCustomer, error) {
	email, err := Email(c.Email)
	if err != nil {
		return types.AnonymizedCustomer{}, fmt.Errorf("customer %d: %w", c.ID, err)
	}

	out := types.AnonymizedCustomer{
		FirstName: Digest(c.FirstName),
		LastName:  Digest(c.LastName),
		Email:     email,
		Address: types.Address{
			Line1:    Digest(c.Address.Line1),
			Line2:    Digest(c.Address.Line2),
			Postcode: Digest(c.Address.Postcode),
		},
	}

	if t.policy.Retains(FieldCity) {
		out.Address.City = c.Address.City
	}
	if t.policy.Retains(FieldState) {
		out.Address.State = c.Address.State
	}
	if t.policy.Retains(FieldCountry) {
		out.Address.Country = c.Address.Country
	}
	if t.policy.Retains(FieldCreatedAt) {
		out.CreatedAt = c.CreatedAt
	}
	return out, nil
}

// Customers anonymizes records in order. It stops at the first failing record.
func (t *Transformer) Customers(records []types.CustomerRecord) ([]types.AnonymizedCustomer, error) {
	out := make([]types.AnonymizedCustomer, 0, len(records))
	for _, c := range records {
		a, err := t.Customer(c)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Email digests the local part and keeps the domain in clear text
func Email(email string) (string, error) {
	if strings.Count(email, "@") != 1 {
		return "", fmt.Errorf("%w: email %q must contain exactly one '@'", ErrPrecondition, redact(email))
	}
	local, domain, _ := strings.Cut(email, "@")
	return Digest(local) + "@" + domain, nil
}

// redact keeps error messages free of the sensitive local part
func redact(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return "***" + email[i:]
	}
	return "***"
}
