package recipients

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// DemoTenant is the reserved database name of the host's demo account. It is
// never persisted.
const DemoTenant = "demo"

type DefectFilter string

const (
	FilterNew DefectFilter = "new"
	FilterAll DefectFilter = "all"
)

func ParseDefectFilter(v string) (DefectFilter, error) {
	switch DefectFilter(strings.ToLower(strings.TrimSpace(v))) {
	case "", FilterNew:
		return FilterNew, nil
	case FilterAll:
		return FilterAll, nil
	default:
		return "", fmt.Errorf("%w: %q (expected new or all)", ErrInvalidDefectFilter, v)
	}
}

func FilterFor(sendOnlyNewDefects bool) DefectFilter {
	if sendOnlyNewDefects {
		return FilterNew
	}
	return FilterAll
}

func (f DefectFilter) SendOnlyNewDefects() bool {
	return f != FilterAll
}

func (f DefectFilter) Valid() bool {
	return f == FilterNew || f == FilterAll
}

// Recipient is one notification address as seen by callers, independent of the
// storage shape. For the embedded shape ID equals Email.
type Recipient struct {
	ID                 string
	Email              string
	Tenant             string
	SendOnlyNewDefects bool
	CreatedAt          time.Time
}

func (r Recipient) Filter() DefectFilter {
	return FilterFor(r.SendOnlyNewDefects)
}

// Tenant is the registry record written the first time a database opens the panel.
type Tenant struct {
	Name               string
	Active             bool
	SendOnlyNewDefects bool
	AddedAt            time.Time
}

func NewTenant(name string) Tenant {
	return Tenant{
		Name:               strings.TrimSpace(name),
		Active:             true,
		SendOnlyNewDefects: true,
	}
}

// Listing is the result of a load: recipients in display order plus the shared
// setting derived from them.
type Listing struct {
	Tenant             string
	Recipients         []Recipient
	SendOnlyNewDefects bool
}

func (l Listing) Count() int {
	return len(l.Recipients)
}

func (l Listing) Find(query string) (Recipient, bool) {
	q := strings.TrimSpace(query)
	for _, r := range l.Recipients {
		if r.ID == q || strings.EqualFold(r.Email, q) {
			return r, true
		}
	}
	return Recipient{}, false
}

// NormalizeEmail trims and lowercases an address and rejects anything that is not
// a bare addr-spec.
func NormalizeEmail(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidEmail)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, v)
	}
	return strings.ToLower(s), nil
}

// Persistable reports whether records may be written for tenant.
func Persistable(tenant string) bool {
	t := strings.TrimSpace(tenant)
	return t != "" && t != DemoTenant
}
