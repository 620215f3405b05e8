package anonymize

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

var hex8 = regexp.MustCompile(`^[0-9a-f]{8}$`)

func sampleCustomer() types.CustomerRecord {
	return types.CustomerRecord{
		ID:        42,
		FirstName: "Ann",
		LastName:  "Lee",
		Email:     "ann.lee@x.com",
		Address: types.Address{
			Line1:    "1 Main Street",
			Line2:    "Apt. 4",
			Postcode: "90210",
			City:     "Springfield",
			State:    "Oregon",
			Country:  "United States",
		},
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDigest(t *testing.T) {
	for _, in := range []string{"", "Ann", "ann.lee", "1 Main Street", strings.Repeat("x", 4096), "héllo wörld"} {
		got := Digest(in)
		if !hex8.MatchString(got) {
			t.Fatalf("Digest(%q) = %q, want 8 lowercase hex characters", in, got)
		}
		sum := sha1.Sum([]byte(in))
		if want := hex.EncodeToString(sum[:])[:8]; got != want {
			t.Errorf("Digest(%q) = %q, want %q", in, got, want)
		}
	}
	if Digest("Ann") == Digest("ann") {
		t.Errorf("Digest must be case sensitive")
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	tr := New(Policy{})
	c := sampleCustomer()

	first, err := tr.Customer(c)
	if err != nil {
		t.Fatalf("Customer failed: %v", err)
	}
	second, err := tr.Customer(c)
	if err != nil {
		t.Fatalf("Customer failed: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatalf("transform output differs between calls:\n%s\n%s", a, b)
	}
}

func TestTransformDefaultPolicy(t *testing.T) {
	c := sampleCustomer()
	got, err := New(Policy{}).Customer(c)
	if err != nil {
		t.Fatalf("Customer failed: %v", err)
	}

	want := types.AnonymizedCustomer{
		FirstName: Digest("Ann"),
		LastName:  Digest("Lee"),
		Email:     Digest("ann.lee") + "@x.com",
		Address: types.Address{
			Line1:    Digest("1 Main Street"),
			Line2:    Digest("Apt. 4"),
			Postcode: Digest("90210"),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("anonymized customer mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformRetainsAllowListedFields(t *testing.T) {
	policy, err := ParsePolicy([]string{"city", " Country ", "createdat", ""})
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	c := sampleCustomer()
	got, err := New(policy).Customer(c)
	if err != nil {
		t.Fatalf("Customer failed: %v", err)
	}
	if got.Address.City != c.Address.City || got.Address.Country != c.Address.Country {
		t.Errorf("retained fields not copied: %+v", got.Address)
	}
	if got.Address.State != "" {
		t.Errorf("state was not allow-listed but got %q", got.Address.State)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
	if diff := cmp.Diff([]string{"city", "country", "createdAt"}, policy.Fields()); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePolicyRejectsSensitiveFields(t *testing.T) {
	for _, f := range []string{"email", "firstName", "postcode", "line1"} {
		if _, err := ParsePolicy([]string{f}); err == nil {
			t.Errorf("ParsePolicy(%q) succeeded, want error", f)
		}
	}
}

func TestEmailKeepsDomain(t *testing.T) {
	tests := []string{"ann.lee@x.com", "a@b", "@example.org", "someone@sub.domain.co.uk"}
	for _, email := range tests {
		got, err := Email(email)
		if err != nil {
			t.Fatalf("Email(%q) failed: %v", email, err)
		}
		domain := email[strings.Index(email, "@"):]
		if !strings.HasSuffix(got, domain) {
			t.Errorf("Email(%q) = %q, want suffix %q", email, got, domain)
		}
		if !hex8.MatchString(strings.TrimSuffix(got, domain)) {
			t.Errorf("Email(%q) local part %q is not a digest", email, got)
		}
	}
}

func TestEmailPrecondition(t *testing.T) {
	for _, email := range []string{"", "no-separator.com", "two@@x.com", "a@b@c"} {
		_, err := Email(email)
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("Email(%q) error = %v, want ErrPrecondition", email, err)
		}
	}

	c := sampleCustomer()
	c.Email = "secret.local.part"
	_, err := New(Policy{}).Customer(c)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Customer error = %v, want ErrPrecondition", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks the email local part: %v", err)
	}
}

func TestCustomersStopsAtFirstFailure(t *testing.T) {
	good := sampleCustomer()
	bad := sampleCustomer()
	bad.Email = "broken"

	out, err := New(Policy{}).Customers([]types.CustomerRecord{good, bad, good})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Customers error = %v, want ErrPrecondition", err)
	}
	if out != nil {
		t.Errorf("Customers returned %d records on failure, want none", len(out))
	}
}
