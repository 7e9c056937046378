// internal/clients/users_client.go
package clients

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type UsersClient struct {
	remote *remote
}

func NewUsersClient(baseURL string, timeout time.Duration) *UsersClient {
	return &UsersClient{remote: newRemote("users", baseURL, timeout)}
}

// Exists reports whether the users service knows id.
func (c *UsersClient) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := c.remote.get(ctx, "/api/"+id.String())
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
