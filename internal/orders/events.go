package orders

// OrderCreatedPayload travels on the order insert feed.
type OrderCreatedPayload struct {
	OrderID       string  `json:"order_id"`
	Reference     string  `json:"payment_reference"`
	Channel       Channel `json:"channel"`
	CustomerName  string  `json:"customer_name"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	Total         string  `json:"total"`
	Status        Status  `json:"status"`
	Instructions  string  `json:"payment_instructions,omitempty"`
}

type OrderStatusChangedPayload struct {
	OrderID       string        `json:"order_id"`
	Reference     string        `json:"payment_reference"`
	From          Status        `json:"from"`
	To            Status        `json:"to"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

func CreatedPayload(o *Order) OrderCreatedPayload {
	return OrderCreatedPayload{
		OrderID:       o.ID,
		Reference:     o.Reference,
		Channel:       o.Channel,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		Total:         o.Total.StringFixed(2),
		Status:        o.Status,
		Instructions:  o.Instructions,
	}
}
