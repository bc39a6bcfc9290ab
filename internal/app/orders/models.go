package orders

import "eventrelay/internal/domain"

type CreateOrderRequest struct {
	UserID      string  `json:"user_id"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type OrderResponse struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	EventID     string  `json:"event_id,omitempty"`
}

func toResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		ID:          o.ID,
		UserID:      o.UserID,
		Description: o.Description,
		Amount:      o.Amount,
		Status:      string(o.Status),
	}
}
