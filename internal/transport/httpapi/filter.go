package httpapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

const dateLayout = "2006-01-02"

// parseFilter разбирает параметры выборки: status, paymentStatus, from, to, customer, sort, limit.
// sort принимает createdAt или total, префикс "-" означает убывание.
func parseFilter(values url.Values) (domain.ListFilter, error) {
	filter := domain.ListFilter{
		Status:        domain.OrderStatus(strings.TrimSpace(values.Get("status"))),
		PaymentStatus: domain.PaymentStatus(strings.TrimSpace(values.Get("paymentStatus"))),
		Customer:      values.Get("customer"),
	}

	var err error
	if filter.From, err = parseTime(values.Get("from"), false); err != nil {
		return domain.ListFilter{}, domain.NewValidationError("from", err)
	}
	if filter.To, err = parseTime(values.Get("to"), true); err != nil {
		return domain.ListFilter{}, domain.NewValidationError("to", err)
	}

	if sort := strings.TrimSpace(values.Get("sort")); sort != "" {
		filter.SortDesc = strings.HasPrefix(sort, "-")
		filter.SortBy = domain.SortField(strings.TrimPrefix(sort, "-"))
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return domain.ListFilter{}, domain.NewValidationError("limit", fmt.Errorf("limit must be an integer"))
		}
		filter.Limit = limit
	}

	if err := filter.Validate(); err != nil {
		return domain.ListFilter{}, err
	}
	return filter, nil
}

// parseTime принимает RFC 3339 или дату. Дата в to включает весь день.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}
