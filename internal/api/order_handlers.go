package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/onnwee/boxoffice/internal/order"
)

// maxOrderBody bounds the JSON accepted by POST /orders.
const maxOrderBody = 64 << 10

// OrderCreator is the order workflow used by OrderHandlers.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req order.Request) (*order.Result, error)
	Status(ctx context.Context, orderID string) (*order.StatusView, error)
}

// PersonDTO is a buyer or attendee in a create order request.
type PersonDTO struct {
	Name  string `json:"name" validate:"required,max=120"`
	Phone string `json:"phone" validate:"required,max=32"`
	Email string `json:"email" validate:"omitempty,email,max=254"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	Buyer         *PersonDTO  `json:"buyer" validate:"required"`
	Attendees     []PersonDTO `json:"attendees" validate:"max=20,dive"`
	ResourceID    string      `json:"resourceId" validate:"required"`
	TierID        string      `json:"tierId"`
	VoucherCode   string      `json:"voucherCode" validate:"max=64"`
	SelectedSeats []string    `json:"selectedSeats" validate:"max=21,dive,required,max=32"`
}

// CreateOrderResponse is returned by POST /orders.
type CreateOrderResponse struct {
	OrderID              string          `json:"orderId"`
	PaymentURL           string          `json:"paymentUrl,omitempty"`
	ClaimedVoucherPhones []string        `json:"claimedVoucherPhones,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	DiscountAmount       decimal.Decimal `json:"discountAmount"`
	FinalAmount          decimal.Decimal `json:"finalAmount"`
}

// OrderStatusResponse is returned by GET /orders/{orderId}/status.
type OrderStatusResponse struct {
	OrderID          string          `json:"orderId"`
	GatewayPaymentID string          `json:"gatewayPaymentId,omitempty"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	FailureReason    string          `json:"failureReason,omitempty"`
}

// OrderHandlers serves the checkout endpoints.
type OrderHandlers struct {
	orders   OrderCreator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOrderHandlers creates OrderHandlers.
func NewOrderHandlers(orders OrderCreator, logger *slog.Logger) *OrderHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandlers{orders: orders, validate: newValidator(), logger: logger}
}

// CreateOrder handles POST /orders.
func (h *OrderHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateOrderRequest
	if !decodeBody(w, r, maxOrderBody, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, validationMessage(err))
		return
	}

	oreq := order.Request{
		Buyer:         order.Person(*req.Buyer),
		ResourceID:    strings.TrimSpace(req.ResourceID),
		TierID:        strings.TrimSpace(req.TierID),
		VoucherCode:   strings.TrimSpace(req.VoucherCode),
		SelectedSeats: req.SelectedSeats,
	}
	for _, a := range req.Attendees {
		oreq.Attendees = append(oreq.Attendees, order.Person(a))
	}

	res, err := h.orders.CreateOrder(ctx, oreq)
	if err != nil {
		// The order exists but has no link yet; the client can poll status.
		if res != nil {
			h.logger.WarnContext(ctx, "order opened without payment link",
				slog.String("order_id", res.OrderID),
				slog.String("error", err.Error()))
		}
		writeAppError(w, ctx, err)
		return
	}

	writeJSON(w, ctx, http.StatusCreated, CreateOrderResponse{
		OrderID:              res.OrderID,
		PaymentURL:           res.PaymentURL,
		ClaimedVoucherPhones: res.ClaimedVoucherPhones,
		Amount:               res.Amount,
		DiscountAmount:       res.DiscountAmount,
		FinalAmount:          res.FinalAmount,
	})
}

// OrderStatus handles GET /orders/{orderId}/status.
func (h *OrderHandlers) OrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := strings.TrimSpace(r.PathValue("orderId"))
	if orderID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "orderId is required")
		return
	}

	view, err := h.orders.Status(ctx, orderID)
	if err != nil {
		writeAppError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, OrderStatusResponse{
		OrderID:          view.OrderID,
		GatewayPaymentID: view.GatewayPaymentID,
		Status:           string(view.Status),
		Amount:           view.Amount,
		FailureReason:    view.FailureReason,
	})
}

// newValidator returns a validator that reports JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns the first validator failure into a client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "CreateOrderRequest.")
	field = strings.TrimPrefix(field, "CheckAvailabilityRequest.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "max":
		return fmt.Sprintf("%s exceeds the maximum of %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// decodeBody decodes a JSON body of at most limit bytes into v, writing a 400
// and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return false
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}
