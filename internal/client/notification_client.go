package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/governor"
)

// NotificationClient defines the interface for notification service communication
type NotificationClient interface {
	List(ctx context.Context) ([]domain.NotificationRecord, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type notificationClient struct {
	requester
	governor  *governor.Governor
	readLimit int
}

// NewNotificationClient creates a new notification service client
func NewNotificationClient(baseURL, token string, timeout time.Duration, gov *governor.Governor, readLimit int, logger *zap.Logger) NotificationClient {
	return &notificationClient{
		requester: newRequester(baseURL, token, timeout, logger),
		governor:  gov,
		readLimit: readLimit,
	}
}

func (c *notificationClient) allowRead(path string) error {
	if c.governor != nil && !c.governor.AllowRequest(http.MethodGet, path, c.readLimit) {
		c.logger.Debug("Notification read throttled", zap.String("path", path))
		return governor.ErrRateLimited
	}
	return nil
}

func (c *notificationClient) List(ctx context.Context) ([]domain.NotificationRecord, error) {
	const path = "/api/notifications"
	if err := c.allowRead(path); err != nil {
		return nil, err
	}

	records := []domain.NotificationRecord{}
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *notificationClient) UnreadCount(ctx context.Context) (int, error) {
	const path = "/api/notifications/unread-count"
	if err := c.allowRead(path); err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *notificationClient) MarkRead(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/notifications/%s/read", id), nil, nil)
}

func (c *notificationClient) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

func (c *notificationClient) Delete(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/notifications/%s", id), nil, nil)
}
