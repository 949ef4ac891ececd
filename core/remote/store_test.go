package remote

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

func TestEncodeConfigurationLeavesUpdatedAtToServer(t *testing.T) {
	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	d := encodeConfiguration(recipients.Configuration{
		Tenant:    "acme",
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
		Recipients: []recipients.Entry{
			{Email: "a@x.com", DefectFilter: recipients.FilterAll, AddedAt: created},
		},
	})
	if d.DatabaseName != "acme" || !d.Active || !d.CreatedAt.Equal(created) {
		t.Fatalf("encoded = %+v", d)
	}
	if !d.UpdatedAt.IsZero() {
		t.Fatal("updated_at must be left for the server timestamp")
	}
	if len(d.Recipients) != 1 || d.Recipients[0].DefectFilter != "all" {
		t.Fatalf("entries = %+v", d.Recipients)
	}
}

func TestCreateErrorMapsAlreadyExists(t *testing.T) {
	if err := createError(status.Error(codes.AlreadyExists, "exists"), backend.ErrTenantExists); !errors.Is(err, backend.ErrTenantExists) {
		t.Fatalf("AlreadyExists mapped to %v", err)
	}
	denied := status.Error(codes.PermissionDenied, "denied")
	if err := createError(denied, backend.ErrTenantExists); err != denied {
		t.Fatalf("PermissionDenied mapped to %v", err)
	}
	if err := createError(nil, backend.ErrTenantExists); err != nil {
		t.Fatalf("nil mapped to %v", err)
	}
}

func TestMissingListsDeletedDocuments(t *testing.T) {
	snaps := []*firestore.DocumentSnapshot{
		{Ref: &firestore.DocumentRef{ID: "a"}},
		{Ref: &firestore.DocumentRef{ID: "b"}},
	}
	got := missing(snaps)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("missing = %v", got)
	}
	if got := missing(nil); len(got) != 0 {
		t.Fatalf("missing(nil) = %v", got)
	}
}
