package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

type fakeMembers struct {
	rows map[string]bool
	err  error
}

func (f fakeMembers) GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	if f.err != nil {
		return aztables.GetEntityResponse{}, f.err
	}
	if f.rows[pk+"/"+rk] {
		return aztables.GetEntityResponse{Value: []byte(`{"PartitionKey":"` + pk + `","RowKey":"` + rk + `"}`)}, nil
	}
	return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
}

func TestIsBoardMember(t *testing.T) {
	s := &Storage{members: fakeMembers{rows: map[string]bool{"b1/alice": true}}}
	ctx := context.Background()

	if ok, err := s.IsBoardMember(ctx, "alice", "b1"); err != nil || !ok {
		t.Fatalf("expected alice to be a member: %v %v", ok, err)
	}
	if ok, err := s.IsBoardMember(ctx, "bob", "b1"); err != nil || ok {
		t.Fatalf("expected bob to be rejected: %v %v", ok, err)
	}
	if ok, err := s.IsBoardMember(ctx, "", "b1"); err != nil || ok {
		t.Fatalf("empty user must be rejected: %v %v", ok, err)
	}
}

func TestIsBoardMemberSurfacesBackendErrors(t *testing.T) {
	boom := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	s := &Storage{members: fakeMembers{err: boom}}
	if _, err := s.IsBoardMember(context.Background(), "alice", "b1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
