// Command smoke exercises a running ledger end to end: it signs in with a
// throwaway identity, creates an event, buys tickets and checks that the
// statistics add up.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
	"boxoffice.org/internal/ticketing/remote"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.SetFlags(0)
	addr := getEnv("BOXOFFICE_LEDGER_ADDR", "127.0.0.1:7443")
	providerURL := getEnv("BOXOFFICE_IDENTITY_PROVIDER_URL", "http://127.0.0.1:7080")

	stateDir, err := os.MkdirTemp("", "boxoffice-smoke-")
	if err != nil {
		log.Fatalf("state dir: %v", err)
	}
	defer os.RemoveAll(stateDir)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	auth, err := identity.NewAuthClient(providerURL, stateDir)
	if err != nil {
		log.Fatalf("auth client: %v", err)
	}
	id, err := auth.Login(ctx)
	if err != nil {
		log.Fatalf("login at %s: %v", providerURL, err)
	}
	defer func() { _ = auth.Logout(context.Background()) }()

	factory, err := remote.NewFactory(remote.FactoryConfig{Target: addr})
	if err != nil {
		log.Fatalf("factory: %v", err)
	}
	ch, err := factory.Open(ctx, id)
	if err != nil {
		log.Fatalf("dial ledger at %s: %v", addr, err)
	}
	defer ch.Close()

	now := uint64(time.Now().UnixNano())
	day := uint64(24 * time.Hour)
	const total, price, bought = 50, 250_000_000, 3

	eventID := must(ch.CreateEvent(ctx, ticketing.EventDraft{
		Name:              fmt.Sprintf("smoke-%d", now),
		Venue:             "smoke hall",
		Date:              now + 30*day,
		TotalTickets:      total,
		PriceE8s:          price,
		MaxTicketsPerUser: 5,
		SaleStartTime:     now - day,
		SaleEndTime:       now + 20*day,
	}))("create event")

	purchase := must(ch.PurchaseTickets(ctx, eventID, bought))("purchase")
	if len(purchase.TicketIDs) != bought || purchase.TotalAmount != bought*price {
		log.Fatalf("unexpected purchase: %+v", purchase)
	}

	stats := must(ch.EventStatistics(ctx, eventID))("stats")
	if stats.Sold+stats.Available != total {
		log.Fatalf("ticket conservation failed: %d + %d", stats.Sold, stats.Available)
	}
	if stats.Sold != bought || stats.Revenue != bought*price {
		log.Fatalf("unexpected stats: %+v", stats)
	}

	tickets, err := ch.UserTickets(ctx, id.Principal)
	if err != nil {
		log.Fatalf("tickets: %v", err)
	}
	if len(tickets) < bought {
		log.Fatalf("expected at least %d tickets, got %d", bought, len(tickets))
	}
	tk := tickets[len(tickets)-1]
	verified := must(ch.VerifyTicket(ctx, tk.ID, tk.VerificationCode))("verify")
	if verified.IsUsed {
		log.Fatalf("fresh ticket %d reported used", tk.ID)
	}

	fmt.Printf("✅ ledger smoke test passed: event=%d purchase=%d principal=%s\n", eventID, purchase.ID, id.Principal)
}

// must unwraps a ledger call, exiting on transport failures and rejections.
func must[T any](r ticketing.Result[T], err error) func(step string) T {
	return func(step string) T {
		if err != nil {
			log.Fatalf("%s: %v", step, err)
		}
		v, kind, ok := r.Get()
		if !ok {
			log.Fatalf("%s: rejected: %s", step, kind)
		}
		return v
	}
}
