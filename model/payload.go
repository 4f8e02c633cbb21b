package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Payload is the type-specific data carried by an entity. The engine never
// inspects it beyond Kind and Validate.
type Payload interface {
	// Kind returns the entity type the payload belongs to.
	Kind() string
	Validate() error
}

// Payload kinds for the builtin entity types.
const (
	KindPrescription  = "prescription"
	KindOrder         = "order"
	KindReturn        = "return"
	KindPurchaseOrder = "purchase_order"
	KindPayment       = "payment"
)

// Payment methods accepted at checkout.
const (
	PaymentMethodOnline = "online"
	PaymentMethodCOD    = "cod"
)

// PrescriptionPayload is an uploaded prescription awaiting pharmacist review.
type PrescriptionPayload struct {
	CustomerID      string `json:"customer_id"`
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone,omitempty"`
	CustomerAddress string `json:"customer_address,omitempty"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	ImageURL        string `json:"image_url"`
}

func (PrescriptionPayload) Kind() string { return KindPrescription }

func (p PrescriptionPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CustomerID, validation.Required),
		validation.Field(&p.CustomerName, validation.Required),
		validation.Field(&p.FileName, validation.Required),
		validation.Field(&p.FileSize, validation.Min(int64(0))),
		validation.Field(&p.ImageURL, validation.Required, is.URL),
	)
}

// LineItem is one product line of an order or return.
type LineItem struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

func (l LineItem) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.ProductID, validation.Required),
		validation.Field(&l.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&l.UnitPrice, validation.Min(0.0)),
	)
}

// OrderPayload is a storefront order.
type OrderPayload struct {
	CustomerID      string     `json:"customer_id"`
	Items           []LineItem `json:"items"`
	DeliveryAddress string     `json:"delivery_address"`
	PaymentMethod   string     `json:"payment_method"`
	TotalAmount     float64    `json:"total_amount"`
	DeliveryFee     float64    `json:"delivery_fee,omitempty"`
	TrackingNumber  string     `json:"tracking_number,omitempty"`
	CourierName     string     `json:"courier_name,omitempty"`
}

func (OrderPayload) Kind() string { return KindOrder }

func (p OrderPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CustomerID, validation.Required),
		validation.Field(&p.Items, validation.Required),
		validation.Field(&p.DeliveryAddress, validation.Required),
		validation.Field(&p.PaymentMethod, validation.Required, validation.In(PaymentMethodOnline, PaymentMethodCOD)),
		validation.Field(&p.TotalAmount, validation.Min(0.0)),
		validation.Field(&p.DeliveryFee, validation.Min(0.0)),
	)
}

// ReturnPayload is a customer request to return items of a delivered order.
type ReturnPayload struct {
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	Reason     string     `json:"reason"`
	Items      []LineItem `json:"items"`
}

func (ReturnPayload) Kind() string { return KindReturn }

func (p ReturnPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.OrderID, validation.Required),
		validation.Field(&p.CustomerID, validation.Required),
		validation.Field(&p.Reason, validation.Required, validation.Length(1, 1000)),
		validation.Field(&p.Items, validation.Required),
	)
}

// PurchaseOrderLine is one line of a supplier purchase order.
type PurchaseOrderLine struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitCost  float64 `json:"unit_cost"`
}

func (l PurchaseOrderLine) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.ProductID, validation.Required),
		validation.Field(&l.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&l.UnitCost, validation.Min(0.0)),
	)
}

// PurchaseOrderPayload is a restocking order sent to a supplier.
type PurchaseOrderPayload struct {
	SupplierID       string              `json:"supplier_id"`
	Lines            []PurchaseOrderLine `json:"lines"`
	ExpectedDelivery *time.Time          `json:"expected_delivery,omitempty"`
}

func (PurchaseOrderPayload) Kind() string { return KindPurchaseOrder }

func (p PurchaseOrderPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SupplierID, validation.Required),
		validation.Field(&p.Lines, validation.Required),
	)
}

// PaymentPayload tracks settlement of an order.
type PaymentPayload struct {
	OrderID   string  `json:"order_id"`
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

func (PaymentPayload) Kind() string { return KindPayment }

func (p PaymentPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.OrderID, validation.Required),
		validation.Field(&p.Method, validation.Required, validation.In(PaymentMethodOnline, PaymentMethodCOD)),
		validation.Field(&p.Amount, validation.Required, validation.Min(0.0)),
	)
}

// GenericPayload carries free-form data for entity types declared in
// definition files that have no dedicated variant.
type GenericPayload struct {
	Type   string         `json:"-"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (p GenericPayload) Kind() string { return p.Type }

func (p GenericPayload) Validate() error { return nil }

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload as {"kind": ..., "data": ...}. A nil
// payload encodes as JSON null.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes the envelope written by MarshalPayload.
func UnmarshalPayload(b []byte) (Payload, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return DecodePayload(env.Kind, env.Data)
}

// DecodePayload decodes raw variant data of the given kind.
func DecodePayload(kind string, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPrescription:
		var v PrescriptionPayload
		err = decodeInto(data, &v)
		p = v
	case KindOrder:
		var v OrderPayload
		err = decodeInto(data, &v)
		p = v
	case KindReturn:
		var v ReturnPayload
		err = decodeInto(data, &v)
		p = v
	case KindPurchaseOrder:
		var v PurchaseOrderPayload
		err = decodeInto(data, &v)
		p = v
	case KindPayment:
		var v PaymentPayload
		err = decodeInto(data, &v)
		p = v
	case "":
		return nil, errors.New("payload kind is required")
	default:
		v := GenericPayload{Type: kind}
		err = decodeInto(data, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeInto(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// ValidationDetails flattens an ozzo validation error into field errors.
// Nested errors (slice elements, embedded structs) use dotted paths.
func ValidationDetails(err error) []FieldError {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return []FieldError{{Field: "payload", Code: "INVALID", Message: err.Error()}}
	}
	var out []FieldError
	flattenValidation("", errs, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func flattenValidation(prefix string, errs validation.Errors, out *[]FieldError) {
	for field, fe := range errs {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		var nested validation.Errors
		if errors.As(fe, &nested) {
			flattenValidation(path, nested, out)
			continue
		}
		code := "INVALID"
		var ve validation.Error
		if errors.As(fe, &ve) {
			code = ve.Code()
		}
		*out = append(*out, FieldError{Field: path, Code: code, Message: fe.Error()})
	}
}

type entityJSON struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	History   []HistoryEntry  `json:"history"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON includes the payload envelope alongside the entity fields.
func (e Entity) MarshalJSON() ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entityJSON{
		ID:        e.ID,
		Type:      e.Type,
		TenantID:  e.TenantID,
		Status:    e.Status,
		Version:   e.Version,
		History:   e.History,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Entity) UnmarshalJSON(b []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(raw.Payload)
	if err != nil {
		return err
	}
	*e = Entity{
		ID:        raw.ID,
		Type:      raw.Type,
		TenantID:  raw.TenantID,
		Status:    raw.Status,
		Version:   raw.Version,
		History:   raw.History,
		Payload:   payload,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}
