package ticketing

import "boxoffice.org/internal/identity"

// Amounts are e8s (1 token = 100_000_000 e8s); timestamps are nanoseconds
// since the Unix epoch. No floats anywhere on this side of the display layer.

// Event is a sale owned by its organizer.
type Event struct {
	ID                uint64             `cbor:"1,keyasint" json:"id"`
	Name              string             `cbor:"2,keyasint" json:"name"`
	Description       string             `cbor:"3,keyasint" json:"description"`
	Venue             string             `cbor:"4,keyasint" json:"venue"`
	Date              uint64             `cbor:"5,keyasint" json:"date"`
	TotalTickets      uint32             `cbor:"6,keyasint" json:"total_tickets"`
	AvailableTickets  uint32             `cbor:"7,keyasint" json:"available_tickets"`
	PriceE8s          uint64             `cbor:"8,keyasint" json:"price_e8s"`
	Organizer         identity.Principal `cbor:"9,keyasint" json:"organizer"`
	MaxTicketsPerUser uint32             `cbor:"10,keyasint" json:"max_tickets_per_user"`
	SaleStartTime     uint64             `cbor:"11,keyasint" json:"sale_start_time"`
	SaleEndTime       uint64             `cbor:"12,keyasint" json:"sale_end_time"`
	IsActive          bool               `cbor:"13,keyasint" json:"is_active"`
}

// Sold is the number of tickets issued so far.
func (e Event) Sold() uint32 { return e.TotalTickets - e.AvailableTickets }

// Ticket is one admission issued by a purchase.
type Ticket struct {
	ID               uint64             `cbor:"1,keyasint" json:"id"`
	EventID          uint64             `cbor:"2,keyasint" json:"event_id"`
	Owner            identity.Principal `cbor:"3,keyasint" json:"owner"`
	SeatNumber       string             `cbor:"4,keyasint" json:"seat_number"`
	PurchaseTime     uint64             `cbor:"5,keyasint" json:"purchase_time"`
	IsUsed           bool               `cbor:"6,keyasint" json:"is_used"`
	VerificationCode string             `cbor:"7,keyasint" json:"verification_code"`
}

// Purchase records one successful purchase; immutable once created.
type Purchase struct {
	ID           uint64             `cbor:"1,keyasint" json:"id"`
	EventID      uint64             `cbor:"2,keyasint" json:"event_id"`
	Buyer        identity.Principal `cbor:"3,keyasint" json:"buyer"`
	Quantity     uint32             `cbor:"4,keyasint" json:"quantity"`
	TotalAmount  uint64             `cbor:"5,keyasint" json:"total_amount"`
	PurchaseTime uint64             `cbor:"6,keyasint" json:"purchase_time"`
	TicketIDs    []uint64           `cbor:"7,keyasint" json:"ticket_ids"`
}

// UserProfile is derived by the backend from a caller's activity.
type UserProfile struct {
	Principal       identity.Principal `cbor:"1,keyasint" json:"principal"`
	Purchases       []uint64           `cbor:"2,keyasint" json:"purchases"`
	Tickets         []uint64           `cbor:"3,keyasint" json:"tickets"`
	ReputationScore uint32             `cbor:"4,keyasint" json:"reputation_score"`
	IsVerified      bool               `cbor:"5,keyasint" json:"is_verified"`
}

// EventStats is the (sold, available, revenue) triple of an event.
type EventStats struct {
	Sold      uint32 `cbor:"1,keyasint" json:"sold"`
	Available uint32 `cbor:"2,keyasint" json:"available"`
	Revenue   uint64 `cbor:"3,keyasint" json:"revenue"`
}

// EventDraft carries the caller-supplied fields of a new event.
type EventDraft struct {
	Name              string `cbor:"1,keyasint" json:"name"`
	Description       string `cbor:"2,keyasint" json:"description"`
	Venue             string `cbor:"3,keyasint" json:"venue"`
	Date              uint64 `cbor:"4,keyasint" json:"date"`
	TotalTickets      uint32 `cbor:"5,keyasint" json:"total_tickets"`
	PriceE8s          uint64 `cbor:"6,keyasint" json:"price_e8s"`
	MaxTicketsPerUser uint32 `cbor:"7,keyasint" json:"max_tickets_per_user"`
	SaleStartTime     uint64 `cbor:"8,keyasint" json:"sale_start_time"`
	SaleEndTime       uint64 `cbor:"9,keyasint" json:"sale_end_time"`
}
