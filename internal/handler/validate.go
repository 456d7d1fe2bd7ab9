package handler

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/kastoma-checkout/internal/domain/order"
	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

type itemInput struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	VariantID string `json:"variant_id" validate:"max=64"`
	// Quantity is checked by the pricing rules so the caller learns which
	// line is wrong.
	Quantity int `json:"quantity"`
}

type addressInput struct {
	FirstName  string `json:"first_name" validate:"required,max=100"`
	LastName   string `json:"last_name" validate:"max=100"`
	Company    string `json:"company" validate:"max=100"`
	Line1      string `json:"address_line1" validate:"required,max=255"`
	Line2      string `json:"address_line2" validate:"max=255"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2,alpha"`
}

func (a *addressInput) toDomain() order.Address {
	if a == nil {
		return order.Address{}
	}
	return order.Address{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    strings.ToUpper(a.Country),
	}
}

type quoteInput struct {
	Items          []itemInput `json:"items" validate:"max=100,dive"`
	CouponCode     string      `json:"coupon_code" validate:"max=50"`
	ShippingMethod string      `json:"shipping_method" validate:"max=32"`
}

func itemRequests(items []itemInput) []order.ItemRequest {
	out := make([]order.ItemRequest, len(items))
	for i, it := range items {
		out[i] = order.ItemRequest{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}
	return out
}

type placeOrderInput struct {
	Items          []itemInput `json:"items" validate:"max=100,dive"`
	CouponCode     string      `json:"coupon_code" validate:"max=50"`
	ShippingMethod string      `json:"shipping_method" validate:"max=32"`

	Email           string        `json:"customer_email" validate:"required,email,max=254"`
	Phone           string        `json:"customer_phone" validate:"max=32"`
	ShippingAddress addressInput  `json:"shipping_address"`
	BillingAddress  *addressInput `json:"billing_address" validate:"omitempty"`
	Notes           string        `json:"notes" validate:"max=2000"`
}

func (in *placeOrderInput) request(customerID, key string) order.PlaceOrderRequest {
	return order.PlaceOrderRequest{
		Items:           itemRequests(in.Items),
		CouponCode:      in.CouponCode,
		ShippingMethod:  pricing.ShippingMethod(in.ShippingMethod),
		CustomerID:      customerID,
		CustomerEmail:   in.Email,
		CustomerPhone:   in.Phone,
		ShippingAddress: in.ShippingAddress.toDomain(),
		BillingAddress:  in.BillingAddress.toDomain(),
		Notes:           in.Notes,
		IdempotencyKey:  key,
	}
}

type statusInput struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type trackingInput struct {
	Number            string `json:"tracking_number" validate:"required,max=100"`
	Carrier           string `json:"carrier" validate:"required,max=100"`
	URL               string `json:"tracking_url" validate:"omitempty,url,max=500"`
	EstimatedDelivery string `json:"estimated_delivery" validate:"omitempty,datetime=2006-01-02"`
}

type couponInput struct {
	Code        string `json:"code" validate:"required,max=50"`
	OrderAmount string `json:"order_amount" validate:"omitempty,numeric"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateAddress, addressInput{})
	return v
}

// validateAddress applies the per-country postal code formats.
func validateAddress(sl validator.StructLevel) {
	a := sl.Current().Interface().(addressInput)
	if a.PostalCode == "" {
		return
	}
	if !order.ValidPostalCode(a.PostalCode, a.Country) {
		sl.ReportError(a.PostalCode, "postal_code", "PostalCode", "postal", a.Country)
	}
}

// validationMessage renders the first few field errors as one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	const maxShown = 3
	parts := make([]string, 0, maxShown)
	for i, fe := range verrs {
		if i == maxShown {
			parts = append(parts, fmt.Sprintf("and %d more", len(verrs)-maxShown))
			break
		}
		parts = append(parts, fieldMessage(fe))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	// Namespace is "placeOrderInput.shipping_address.city"; drop the type.
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "postal":
		return fmt.Sprintf("%s is not a valid postal code for %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s long", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s long", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
