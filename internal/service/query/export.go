package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// Format — формат выгрузки заказов.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// csvHeader — фиксированный порядок колонок CSV.
var csvHeader = []string{"Order ID", "Customer", "Total", "Status", "Date"}

const exportDateLayout = "2006-01-02"

// ParseFormat разбирает формат выгрузки без учёта регистра.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", &domain.UnsupportedFormatError{Format: raw}
	}
}

// ContentType возвращает MIME-тип выгрузки.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// FileName возвращает имя файла выгрузки на дату now.
func (f Format) FileName(now time.Time) string {
	return fmt.Sprintf("orders-%s.%s", now.UTC().Format(exportDateLayout), f)
}

// exportedOrder — представление заказа в JSON-выгрузке.
type exportedOrder struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Email             string `json:"email"`
	Total             string `json:"total"`
	Refunded          string `json:"refunded"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"paymentStatus"`
	FulfillmentStatus string `json:"fulfillmentStatus"`
	TrackingNumber    string `json:"trackingNumber,omitempty"`
	Items             int    `json:"items"`
	Date              string `json:"date"`
}

// Export пишет выборку в w по мере чтения из хранилища, не материализуя её целиком.
// Неизвестный формат отклоняется до записи первого байта.
func (f *Facade) Export(ctx context.Context, filter domain.ListFilter, format Format, w io.Writer) error {
	format, err := ParseFormat(string(format))
	if err != nil {
		return err
	}
	if err := filter.Validate(); err != nil {
		return err
	}

	orders := f.repo.List(ctx, filter)
	switch format {
	case FormatCSV:
		err = writeCSV(orders, w)
	default:
		err = writeJSON(orders, w)
	}
	if err != nil {
		f.logger.WithError(err).WithField("format", format).Warn("order export interrupted")
	}
	return err
}

func writeCSV(orders iter.Seq2[domain.Order, error], w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for order, err := range orders {
		if err != nil {
			return err
		}
		row := []string{
			order.ID,
			order.Customer.Name,
			order.Total().StringFixed(2),
			string(order.Status),
			order.CreatedAt.UTC().Format(exportDateLayout),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", order.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(orders iter.Seq2[domain.Order, error], w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	for order, err := range orders {
		if err != nil {
			return err
		}
		data, err := json.Marshal(exportedOrder{
			ID:                order.ID,
			Customer:          order.Customer.Name,
			Email:             order.Customer.Email,
			Total:             order.Total().StringFixed(2),
			Refunded:          order.RefundedAmount().StringFixed(2),
			Status:            string(order.Status),
			PaymentStatus:     string(order.PaymentStatus),
			FulfillmentStatus: string(order.FulfillmentStatus),
			TrackingNumber:    order.TrackingNumber,
			Items:             len(order.Items),
			Date:              order.CreatedAt.UTC().Format(exportDateLayout),
		})
		if err != nil {
			return fmt.Errorf("encode order %s: %w", order.ID, err)
		}
		if !first {
			data = append([]byte{','}, data...)
		}
		first = false
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]\n")
	return err
}
