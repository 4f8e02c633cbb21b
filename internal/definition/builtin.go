package definition

import "github.com/pitabwire/statusflow/model"

// Builtin returns the lifecycles of the pharmacy platform's record kinds.
func Builtin() []model.StatusDefinition {
	return []model.StatusDefinition{
		{
			EntityType:  model.KindPrescription,
			Description: "Uploaded prescription reviewed by a pharmacist",
			Statuses:    []string{"pending", "approved", "rejected"},
			StartStatus: "pending",
			Transitions: map[string][]string{
				"pending": {"approved", "rejected"},
			},
		},
		{
			EntityType:  model.KindOrder,
			Description: "Storefront order from checkout to doorstep",
			Statuses:    []string{"pending", "confirmed", "packed", "shipped", "delivered", "cancelled"},
			StartStatus: "pending",
			Transitions: map[string][]string{
				"pending":   {"confirmed", "cancelled"},
				"confirmed": {"packed", "cancelled"},
				"packed":    {"shipped", "cancelled"},
				"shipped":   {"delivered", "cancelled"},
			},
		},
		{
			EntityType:  model.KindReturn,
			Description: "Customer return of delivered items",
			Statuses:    []string{"requested", "approved", "rejected", "received", "refunded", "cancelled"},
			StartStatus: "requested",
			Transitions: map[string][]string{
				"requested": {"approved", "rejected", "cancelled"},
				"approved":  {"received", "cancelled"},
				"received":  {"refunded"},
			},
		},
		{
			EntityType:  model.KindPurchaseOrder,
			Description: "Restocking order placed with a supplier",
			Statuses:    []string{"draft", "submitted", "acknowledged", "shipped", "received", "cancelled"},
			StartStatus: "draft",
			Transitions: map[string][]string{
				"draft":        {"submitted", "cancelled"},
				"submitted":    {"acknowledged", "cancelled"},
				"acknowledged": {"shipped", "cancelled"},
				"shipped":      {"received", "cancelled"},
			},
		},
		{
			EntityType:  model.KindPayment,
			Description: "Settlement of an order",
			Statuses:    []string{"pending", "paid", "failed"},
			StartStatus: "pending",
			Transitions: map[string][]string{
				"pending": {"paid", "failed"},
				"failed":  {"pending"},
			},
		},
	}
}

// NewBuiltinRegistry builds a Registry holding Builtin plus extra.
func NewBuiltinRegistry(extra ...model.StatusDefinition) (*Registry, error) {
	b := NewBuilder()
	if err := b.RegisterAll(Builtin()); err != nil {
		return nil, err
	}
	if err := b.RegisterAll(extra); err != nil {
		return nil, err
	}
	return b.Build(), nil
}
