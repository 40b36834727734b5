package storage

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

type entityGetter interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// Storage reads board membership written by board-api. Rows are partitioned by board id
// and keyed by user id.
type Storage struct {
	members entityGetter
}

// New creates a Storage instance from the given connection string.
func New(connStr, membersTable string) (*Storage, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{members: svc.NewClient(membersTable)}, nil
}

// IsBoardMember reports whether userID may join boardID's room.
func (s *Storage) IsBoardMember(ctx context.Context, userID, boardID string) (bool, error) {
	if userID == "" || boardID == "" {
		return false, nil
	}
	_, err := s.members.GetEntity(ctx, boardID, userID, nil)
	if err == nil {
		return true, nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}
