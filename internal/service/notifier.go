package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/langchou/anprgazer/internal/models"
)

// Notifier 新事件入库后通知下游服务
type Notifier struct {
	http *resty.Client
	url  string
}

// NewNotifier 创建通知器，url 为空时返回 nil
func NewNotifier(url string, timeout time.Duration) *Notifier {
	if url == "" {
		return nil
	}
	r := resty.New()
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")
	return &Notifier{http: r, url: url}
}

// Notify 发送事件
func (n *Notifier) Notify(ctx context.Context, event *models.Event) error {
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("notify downstream: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify downstream: status %d", resp.StatusCode())
	}
	return nil
}
