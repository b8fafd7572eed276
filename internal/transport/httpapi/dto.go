package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/query"
)

type customerDTO struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type addressDTO struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
}

type itemRequest struct {
	Name      string          `json:"name"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type createOrderRequest struct {
	ID              string        `json:"id,omitempty"`
	Customer        customerDTO   `json:"customer"`
	Items           []itemRequest `json:"items"`
	ShippingAddress *addressDTO   `json:"shippingAddress,omitempty"`
}

type statusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

type fulfillmentRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type itemResponse struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Subtotal  string `json:"subtotal"`
}

type refundResponse struct {
	ID          string    `json:"id"`
	Amount      string    `json:"amount"`
	Reason      string    `json:"reason,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

type orderResponse struct {
	ID                string           `json:"id"`
	Customer          customerDTO      `json:"customer"`
	Items             []itemResponse   `json:"items"`
	Total             string           `json:"total"`
	RefundedAmount    string           `json:"refundedAmount"`
	Status            string           `json:"status"`
	PaymentStatus     string           `json:"paymentStatus"`
	FulfillmentStatus string           `json:"fulfillmentStatus"`
	TrackingNumber    string           `json:"trackingNumber,omitempty"`
	ShippingAddress   *addressDTO      `json:"shippingAddress,omitempty"`
	Refunds           []refundResponse `json:"refunds"`
	PaidAt            *time.Time       `json:"paidAt,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

type timelineResponse struct {
	OrderID  string    `json:"orderId"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type statsResponse struct {
	TotalOrders       int            `json:"totalOrders"`
	TotalRevenue      string         `json:"totalRevenue"`
	AverageOrderValue string         `json:"averageOrderValue"`
	FulfillmentRate   float64        `json:"fulfillmentRate"`
	StatusBreakdown   map[string]int `json:"statusBreakdown"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (r createOrderRequest) toInput() orders.CreateOrderInput {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.OrderItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	in := orders.CreateOrderInput{
		ID: r.ID,
		Customer: domain.Customer{
			Name:   r.Customer.Name,
			Email:  r.Customer.Email,
			Phone:  r.Customer.Phone,
			Avatar: r.Customer.Avatar,
		},
		Items: items,
	}
	if a := r.ShippingAddress; a != nil {
		in.ShippingAddress = &domain.Address{
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}
	return in
}

func toOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		ID: o.ID,
		Customer: customerDTO{
			Name:   o.Customer.Name,
			Email:  o.Customer.Email,
			Phone:  o.Customer.Phone,
			Avatar: o.Customer.Avatar,
		},
		Items:             make([]itemResponse, 0, len(o.Items)),
		Total:             o.Total().StringFixed(2),
		RefundedAmount:    o.RefundedAmount().StringFixed(2),
		Status:            string(o.Status),
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		TrackingNumber:    o.TrackingNumber,
		Refunds:           make([]refundResponse, 0, len(o.Refunds)),
		PaidAt:            o.PaidAt,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			Subtotal:  item.Subtotal().StringFixed(2),
		})
	}
	for _, refund := range o.Refunds {
		resp.Refunds = append(resp.Refunds, refundResponse{
			ID:          refund.ID,
			Amount:      refund.Amount.StringFixed(2),
			Reason:      refund.Reason,
			ProcessedAt: refund.ProcessedAt,
		})
	}
	if a := o.ShippingAddress; a != nil {
		resp.ShippingAddress = &addressDTO{
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}
	return resp
}

func toStatsResponse(s query.Stats) statsResponse {
	breakdown := make(map[string]int, len(s.StatusBreakdown))
	for status, n := range s.StatusBreakdown {
		breakdown[string(status)] = n
	}
	return statsResponse{
		TotalOrders:       s.TotalOrders,
		TotalRevenue:      s.TotalRevenue.StringFixed(2),
		AverageOrderValue: s.AverageOrderValue.StringFixed(2),
		FulfillmentRate:   s.FulfillmentRate,
		StatusBreakdown:   breakdown,
	}
}

func toTimelineResponse(events []domain.TimelineEvent) []timelineResponse {
	resp := make([]timelineResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, timelineResponse{
			OrderID:  e.OrderID,
			Type:     e.Type,
			Reason:   e.Reason,
			Occurred: e.Occurred,
		})
	}
	return resp
}
