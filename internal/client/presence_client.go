package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/governor"
)

// PresenceClient talks to the polling endpoints of the presence server.
type PresenceClient interface {
	// Heartbeat marks the caller online (POST /presence)
	Heartbeat(ctx context.Context, hb domain.Heartbeat) error
	// Snapshot lists the organization's online members (GET /presence)
	Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceEntry, error)
	// Offline removes the caller's presence (DELETE /presence)
	Offline(ctx context.Context, orgID uuid.UUID) error
}

type presenceClient struct {
	requester
	governor  *governor.Governor
	readLimit int
}

// NewPresenceClient creates a client for the server at baseURL, the
// presence base path included. Reads go through gov when it is non-nil.
func NewPresenceClient(baseURL, token string, timeout time.Duration, gov *governor.Governor, readLimit int, logger *zap.Logger) PresenceClient {
	return &presenceClient{
		requester: newRequester(baseURL, token, timeout, logger),
		governor:  gov,
		readLimit: readLimit,
	}
}

func (c *presenceClient) Heartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/presence", hb, nil)
}

func (c *presenceClient) Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceEntry, error) {
	if c.governor != nil && !c.governor.AllowRequest(http.MethodGet, "/presence", c.readLimit) {
		c.logger.Debug("Presence snapshot throttled", zap.String("orgId", orgID.String()))
		return nil, governor.ErrRateLimited
	}

	entries := []domain.PresenceEntry{}
	query := url.Values{"org_id": {orgID.String()}}
	if err := c.do(ctx, http.MethodGet, "/presence?"+query.Encode(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *presenceClient) Offline(ctx context.Context, orgID uuid.UUID) error {
	path := "/presence"
	if orgID != uuid.Nil {
		path += "?" + url.Values{"org_id": {orgID.String()}}.Encode()
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
