package view

import (
	"strings"
	"testing"

	"github.com/jasonchiu/dvirmail/feature/recipients"
)

func TestRenderEmptyState(t *testing.T) {
	out := Render(recipients.Listing{Tenant: "acme", SendOnlyNewDefects: true}, Options{Width: 60, Selected: -1})
	for _, want := range []string{"Recipients: 0", EmptyTitle, "acme"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRenderList(t *testing.T) {
	l := recipients.Listing{
		Tenant: "acme",
		Recipients: []recipients.Recipient{
			{ID: "1", Email: "a@x.com", SendOnlyNewDefects: true},
			{ID: "2", Email: "b@x.com", SendOnlyNewDefects: false},
		},
	}
	out := Render(l, Options{Selected: 1})
	for _, want := range []string{"Recipients: 2", "a@x.com", "b@x.com", "[new]", "[all]", "> b@x.com"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, EmptyTitle) {
		t.Fatal("empty state shown for non-empty list")
	}
}

func TestPlain(t *testing.T) {
	out := Plain(recipients.Listing{
		Recipients:         []recipients.Recipient{{ID: "r1", Email: "a@x.com", SendOnlyNewDefects: true}},
		SendOnlyNewDefects: true,
	})
	want := "Recipients: 1\nSend only new defects: on\nr1\ta@x.com\tnew\n"
	if out != want {
		t.Fatalf("plain = %q, want %q", out, want)
	}
	if !strings.Contains(Plain(recipients.Listing{}), EmptyHint) {
		t.Fatal("plain empty state missing hint")
	}
}
