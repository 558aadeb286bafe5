package client

import "context"

// NotificationClient 通知服务客户端
type NotificationClient struct {
	baseClient
}

func NewNotificationClient(baseURL, token string) *NotificationClient {
	return &NotificationClient{baseClient: newBaseClient("notification-service", baseURL, token)}
}

type NotifyRequest struct {
	Recipient string `json:"recipient"`
	Type      string `json:"type"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// Notify 发送一条通知
func (c *NotificationClient) Notify(ctx context.Context, req *NotifyRequest) error {
	_, err := c.post(ctx, "/api/notifications/notify", req)
	return err
}
