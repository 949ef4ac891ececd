package recipients

import (
	"fmt"
	"strings"
	"time"
)

type Entry struct {
	Email        string       `json:"email"`
	DefectFilter DefectFilter `json:"defect_filter"`
	AddedAt      time.Time    `json:"added_at"`
}

// Configuration is the per-database document of the embedded shape. Recipients
// keep insertion order.
type Configuration struct {
	Tenant     string    `json:"database_name"`
	Recipients []Entry   `json:"recipients"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Revision   int64     `json:"revision"`
}

func NewConfiguration(tenant string) Configuration {
	return Configuration{
		Tenant:     strings.TrimSpace(tenant),
		Recipients: []Entry{},
		Active:     true,
	}
}

func (c *Configuration) Add(e Entry) error {
	email, err := NormalizeEmail(e.Email)
	if err != nil {
		return err
	}
	e.Email = email
	if e.DefectFilter == "" {
		e.DefectFilter = FilterNew
	}
	if !e.DefectFilter.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDefectFilter, e.DefectFilter)
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}
	if c.findIndex(e.Email) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRecipient, e.Email)
	}
	c.Recipients = append(c.Recipients, e)
	return nil
}

// Remove drops the entry matching email and reports whether one was present.
func (c *Configuration) Remove(email string) bool {
	idx := c.findIndex(email)
	if idx < 0 {
		return false
	}
	c.Recipients = append(c.Recipients[:idx], c.Recipients[idx+1:]...)
	return true
}

func (c *Configuration) SetFilter(f DefectFilter) {
	for i := range c.Recipients {
		c.Recipients[i].DefectFilter = f
	}
}

func (c *Configuration) Listing() Listing {
	out := Listing{
		Tenant:             c.Tenant,
		Recipients:         make([]Recipient, 0, len(c.Recipients)),
		SendOnlyNewDefects: true,
	}
	for _, e := range c.Recipients {
		r := Recipient{
			ID:                 e.Email,
			Email:              e.Email,
			Tenant:             c.Tenant,
			SendOnlyNewDefects: e.DefectFilter.SendOnlyNewDefects(),
			CreatedAt:          e.AddedAt,
		}
		out.Recipients = append(out.Recipients, r)
		out.SendOnlyNewDefects = r.SendOnlyNewDefects
	}
	return out
}

func (c *Configuration) findIndex(email string) int {
	q := strings.TrimSpace(email)
	for i, e := range c.Recipients {
		if strings.EqualFold(e.Email, q) {
			return i
		}
	}
	return -1
}
