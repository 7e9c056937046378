// internal/clients/catalog_client.go
package clients

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Game is the part of a catalog entry this service reads.
type Game struct {
	ID uuid.UUID
	// Price is nil when the catalog does not publish one.
	Price *float64
}

type CatalogClient struct {
	remote *remote
}

func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{remote: newRemote("catalog", baseURL, timeout)}
}

// GetGame returns ErrNotFound when the catalog has no such game.
func (c *CatalogClient) GetGame(ctx context.Context, id uuid.UUID) (*Game, error) {
	body, err := c.remote.get(ctx, "/api/"+id.String())
	if err != nil {
		return nil, err
	}

	var raw struct {
		Price jsoniter.RawMessage `json:"price"`
	}
	if err := codec.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", id, err)
	}
	return &Game{ID: id, Price: parsePrice(raw.Price)}, nil
}

// parsePrice accepts a JSON number or a numeric string.
func parsePrice(raw []byte) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := string(raw)
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return nil
		}
		s = strings.TrimSpace(unquoted)
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &p
}
