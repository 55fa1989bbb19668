package event

// Shipping describes how an order is delivered.
type Shipping struct {
	Type    string `json:"type"`
	Carrier string `json:"carrier"`
}

// Billing is the payment part of an order.
type Billing struct {
	Payment    string  `json:"payment"`
	TotalPrice float64 `json:"totalPrice"`
}

// OrderEvent is the payload of ORDER_CREATED and ORDER_DELETED.
type OrderEvent struct {
	Email        string   `json:"email"`
	OrderID      string   `json:"orderId"`
	Shipping     Shipping `json:"shipping"`
	Billing      Billing  `json:"billing"`
	ProductCodes []string `json:"productCodes"`
	RequestID    string   `json:"requestId,omitempty"`
}

// InvoiceEvent is the payload of INVOICE_CREATED and INVOICE_TIMEOUT.
type InvoiceEvent struct {
	TransactionID string  `json:"transactionId"`
	InvoiceNumber string  `json:"invoiceNumber,omitempty"`
	CustomerName  string  `json:"customerName,omitempty"`
	ProductID     string  `json:"productId,omitempty"`
	Quantity      int     `json:"quantity,omitempty"`
	TotalValue    float64 `json:"totalValue,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
}
