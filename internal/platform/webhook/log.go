package webhook

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/ehr/goalplan/pkg/pagination"
)

// MemoryLog keeps the most recent delivery attempts, newest last.
type MemoryLog struct {
	mu       sync.RWMutex
	capacity int
	attempts []*DeliveryAttempt
}

func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryLog{capacity: capacity}
}

func (l *MemoryLog) RecordDelivery(_ context.Context, a *DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *a
	l.attempts = append(l.attempts, &cp)
	if over := len(l.attempts) - l.capacity; over > 0 {
		l.attempts = append([]*DeliveryAttempt(nil), l.attempts[over:]...)
	}
	return nil
}

// List returns attempts newest first, optionally filtered by delivery id.
func (l *MemoryLog) List(deliveryID string, limit, offset int) ([]*DeliveryAttempt, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []*DeliveryAttempt
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if deliveryID == "" || l.attempts[i].DeliveryID == deliveryID {
			matched = append(matched, l.attempts[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return []*DeliveryAttempt{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// LogHandler exposes the delivery log for operators.
type LogHandler struct {
	log *MemoryLog
}

func NewLogHandler(log *MemoryLog) *LogHandler {
	return &LogHandler{log: log}
}

func (h *LogHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhook-deliveries", h.ListDeliveries)
}

func (h *LogHandler) ListDeliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.log.List(c.QueryParam("delivery_id"), pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
