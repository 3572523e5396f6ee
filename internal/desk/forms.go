package desk

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"boxoffice.org/internal/display"
	"boxoffice.org/internal/ticketing"
)

// EventForm is the raw input of the create-event command.
type EventForm struct {
	Name         string
	Description  string
	Venue        string
	Date         string
	TotalTickets string
	Price        string
	MaxPerUser   string
	SaleStart    string
	SaleEnd      string
}

// PurchaseForm is the raw input of the purchase command.
type PurchaseForm struct {
	EventID  string
	Quantity string
}

// TicketForm is the raw input of verify and mark-used.
type TicketForm struct {
	TicketID string
	Code     string
}

// FieldError reports a missing or malformed form field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

var (
	ErrRequired  = errors.New("is required")
	ErrNotNumber = errors.New("must be a whole number")
)

func required(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", &FieldError{Field: field, Err: ErrRequired}
	}
	return v, nil
}

func parseUint(field, v string, max uint64) (uint64, error) {
	v, err := required(field, v)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, &FieldError{Field: field, Err: display.ErrRange}
		}
		return 0, &FieldError{Field: field, Err: ErrNotNumber}
	}
	if n > max {
		return 0, &FieldError{Field: field, Err: fmt.Errorf("%w: at most %d", display.ErrRange, max)}
	}
	return n, nil
}

// ParseID reads a ledger id.
func ParseID(field, v string) (uint64, error) {
	return parseUint(field, v, math.MaxUint64)
}

func parseCount(field, v string) (uint32, error) {
	n, err := parseUint(field, v, math.MaxUint32)
	return uint32(n), err
}

func parseTime(field, v string, loc *time.Location) (uint64, error) {
	v, err := required(field, v)
	if err != nil {
		return 0, err
	}
	ns, err := display.ParseTime(v, loc)
	if err != nil {
		return 0, &FieldError{Field: field, Err: err}
	}
	return ns, nil
}

// Draft validates presence and shape of every field and converts them to
// wire numerics. Value ranges are left to the ledger.
func (f EventForm) Draft(loc *time.Location) (ticketing.EventDraft, error) {
	var (
		d    ticketing.EventDraft
		errs []error
		err  error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	d.Name, err = required("name", f.Name)
	collect(err)
	d.Description = strings.TrimSpace(f.Description)
	d.Venue, err = required("venue", f.Venue)
	collect(err)
	d.Date, err = parseTime("date", f.Date, loc)
	collect(err)
	d.TotalTickets, err = parseCount("total tickets", f.TotalTickets)
	collect(err)
	if p, perr := required("price", f.Price); perr != nil {
		collect(perr)
	} else if d.PriceE8s, err = display.ParseAmount(p); err != nil {
		collect(&FieldError{Field: "price", Err: err})
	}
	d.MaxTicketsPerUser, err = parseCount("max tickets per user", f.MaxPerUser)
	collect(err)
	d.SaleStartTime, err = parseTime("sale start", f.SaleStart, loc)
	collect(err)
	d.SaleEndTime, err = parseTime("sale end", f.SaleEnd, loc)
	collect(err)
	if len(errs) > 0 {
		return ticketing.EventDraft{}, errors.Join(errs...)
	}
	return d, nil
}

func (f PurchaseForm) parse() (uint64, uint32, error) {
	id, err := ParseID("event id", f.EventID)
	if err != nil {
		return 0, 0, err
	}
	qty, err := parseCount("quantity", f.Quantity)
	if err != nil {
		return 0, 0, err
	}
	if qty == 0 {
		return 0, 0, &FieldError{Field: "quantity", Err: fmt.Errorf("%w: at least 1", display.ErrRange)}
	}
	return id, qty, nil
}

func (f TicketForm) parse() (uint64, string, error) {
	id, err := ParseID("ticket id", f.TicketID)
	if err != nil {
		return 0, "", err
	}
	code, err := required("verification code", f.Code)
	if err != nil {
		return 0, "", err
	}
	return id, code, nil
}
