package recipients

import (
	"errors"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a@x.com", want: "a@x.com"},
		{in: "  Fleet.Admin@Example.COM ", want: "fleet.admin@example.com"},
		{in: "", wantErr: true},
		{in: "not-an-email", wantErr: true},
		{in: "Admin <a@x.com>", wantErr: true},
		{in: "<a@x.com>", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeEmail(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidEmail) {
				t.Errorf("NormalizeEmail(%q) error = %v, want ErrInvalidEmail", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeEmail(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseDefectFilter(t *testing.T) {
	for in, want := range map[string]DefectFilter{"": FilterNew, "new": FilterNew, " ALL ": FilterAll} {
		got, err := ParseDefectFilter(in)
		if err != nil || got != want {
			t.Errorf("ParseDefectFilter(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDefectFilter("some"); !errors.Is(err, ErrInvalidDefectFilter) {
		t.Fatalf("expected ErrInvalidDefectFilter, got %v", err)
	}
	if !FilterNew.SendOnlyNewDefects() || FilterAll.SendOnlyNewDefects() {
		t.Fatal("SendOnlyNewDefects mapping is inverted")
	}
	if FilterFor(true) != FilterNew || FilterFor(false) != FilterAll {
		t.Fatal("FilterFor mapping is inverted")
	}
}

func TestPersistable(t *testing.T) {
	if Persistable("") || Persistable("  ") || Persistable(DemoTenant) {
		t.Fatal("empty and demo tenants must not be persistable")
	}
	if !Persistable("acme") {
		t.Fatal("acme should be persistable")
	}
}

func TestConfigurationAddKeepsOrderAndRejectsDuplicates(t *testing.T) {
	c := NewConfiguration("acme")
	for _, email := range []string{"b@x.com", "a@x.com", "c@x.com"} {
		if err := c.Add(Entry{Email: email}); err != nil {
			t.Fatalf("Add(%s): %v", email, err)
		}
	}
	err := c.Add(Entry{Email: "A@X.com", DefectFilter: FilterAll})
	if !errors.Is(err, ErrDuplicateRecipient) {
		t.Fatalf("expected ErrDuplicateRecipient, got %v", err)
	}
	if len(c.Recipients) != 3 {
		t.Fatalf("duplicate add changed count to %d", len(c.Recipients))
	}
	want := []string{"b@x.com", "a@x.com", "c@x.com"}
	for i, e := range c.Recipients {
		if e.Email != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, e.Email, want[i])
		}
		if e.DefectFilter != FilterNew {
			t.Fatalf("default filter = %q, want new", e.DefectFilter)
		}
		if e.AddedAt.IsZero() {
			t.Fatal("AddedAt not set")
		}
	}
}

func TestConfigurationRemove(t *testing.T) {
	c := NewConfiguration("acme")
	_ = c.Add(Entry{Email: "a@x.com"})
	_ = c.Add(Entry{Email: "b@x.com"})
	if !c.Remove("a@x.com") {
		t.Fatal("expected a@x.com to be removed")
	}
	if c.Remove("a@x.com") {
		t.Fatal("second remove should report absent")
	}
	if len(c.Recipients) != 1 || c.Recipients[0].Email != "b@x.com" {
		t.Fatalf("unexpected recipients after remove: %+v", c.Recipients)
	}
}

func TestConfigurationListingDerivesSetting(t *testing.T) {
	c := NewConfiguration("acme")
	if l := c.Listing(); !l.SendOnlyNewDefects || l.Count() != 0 {
		t.Fatalf("empty listing = %+v", l)
	}
	_ = c.Add(Entry{Email: "a@x.com", DefectFilter: FilterNew})
	_ = c.Add(Entry{Email: "b@x.com", DefectFilter: FilterAll})
	l := c.Listing()
	if l.SendOnlyNewDefects {
		t.Fatal("setting should come from the last entry")
	}
	if r, ok := l.Find("A@x.com"); !ok || r.ID != "a@x.com" {
		t.Fatalf("Find = %+v, %v", r, ok)
	}
	c.SetFilter(FilterNew)
	for _, r := range c.Listing().Recipients {
		if !r.SendOnlyNewDefects {
			t.Fatalf("SetFilter left %s unchanged", r.Email)
		}
	}
}
