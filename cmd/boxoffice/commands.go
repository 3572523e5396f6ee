package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"boxoffice.org/internal/collections"
	"boxoffice.org/internal/desk"
	"boxoffice.org/internal/display"
	"boxoffice.org/internal/session"
	"boxoffice.org/internal/ticketing"
)

func flags(name string, a *app) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.out.errw)
	return fs
}

// positional parses fs and requires exactly n positional arguments.
func positional(fs *pflag.FlagSet, args []string, n int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != n {
		return nil, errUsage
	}
	return fs.Args(), nil
}

// reload refreshes cols; without a session it returns ErrNotSignedIn.
func (a *app) reload(ctx context.Context, cols ...collections.Collection) error {
	if err := a.desk.Reload(ctx, cols...); err != nil {
		return desk.ErrNotSignedIn
	}
	return nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("login", a), args, 0); err != nil {
		return err
	}
	if b := a.sessions.Current(); b != nil {
		a.out.info(fmt.Sprintf("Already signed in as %s", b.Principal()))
		return nil
	}
	b, err := a.sessions.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	a.out.success(fmt.Sprintf("Signed in as %s", b.Principal()))
	return nil
}

func cmdLogout(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("logout", a), args, 0); err != nil {
		return err
	}
	a.sessions.Logout(ctx)
	a.out.success("Signed out")
	return nil
}

func cmdWhoami(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("whoami", a), args, 0); err != nil {
		return err
	}
	b := a.sessions.Current()
	if b == nil || a.sessions.State() != session.Authenticated {
		a.out.kv([][2]string{{"state", a.sessions.State().String()}})
		return nil
	}
	a.out.kv([][2]string{
		{"state", a.sessions.State().String()},
		{"principal", b.Principal().String()},
		{"expires", display.FormatTime(uint64(b.Identity.ExpiresAt.UnixNano()), a.out.loc)},
		{"ledger", a.cfg.LedgerAddr},
	})
	return nil
}

func cmdEvents(ctx context.Context, a *app, args []string) error {
	fs := flags("events", a)
	all := fs.Bool("all", false, "include inactive events")
	if _, err := positional(fs, args, 0); err != nil {
		return err
	}
	col := collections.ActiveEvents
	if *all {
		col = collections.AllEvents
	}
	if err := a.reload(ctx, col); err != nil {
		return err
	}
	snap := a.desk.Snapshot()
	events := snap.ActiveEvents
	if *all {
		events = snap.AllEvents
	}
	if !snap.Loaded[col] {
		return errors.New("could not load events, try again")
	}
	a.out.events(events)
	return nil
}

func cmdEvent(ctx context.Context, a *app, args []string) error {
	rest, err := positional(flags("event", a), args, 1)
	if err != nil {
		return err
	}
	ev, err := a.desk.Event(ctx, rest[0])
	if err != nil {
		return err
	}
	a.out.event(ev)
	return nil
}

func cmdStats(ctx context.Context, a *app, args []string) error {
	rest, err := positional(flags("stats", a), args, 1)
	if err != nil {
		return err
	}
	st, err := a.desk.Stats(ctx, rest[0])
	if err != nil {
		return err
	}
	a.out.kv([][2]string{
		{"sold", strconv.FormatUint(uint64(st.Sold), 10)},
		{"available", strconv.FormatUint(uint64(st.Available), 10)},
		{"revenue", display.FormatAmount(st.Revenue)},
	})
	return nil
}

func cmdCreateEvent(ctx context.Context, a *app, args []string) error {
	fs := flags("create-event", a)
	var form desk.EventForm
	fs.StringVar(&form.Name, "name", "", "event name")
	fs.StringVar(&form.Description, "description", "", "event description")
	fs.StringVar(&form.Venue, "venue", "", "venue")
	fs.StringVar(&form.Date, "date", "", "event date (YYYY-MM-DD HH:MM)")
	fs.StringVar(&form.TotalTickets, "tickets", "", "number of tickets")
	fs.StringVar(&form.Price, "price", "", "ticket price in tokens")
	fs.StringVar(&form.MaxPerUser, "max-per-user", "", "tickets one buyer may hold")
	fs.StringVar(&form.SaleStart, "sale-start", "", "sale start (YYYY-MM-DD HH:MM)")
	fs.StringVar(&form.SaleEnd, "sale-end", "", "sale end (YYYY-MM-DD HH:MM)")
	if _, err := positional(fs, args, 0); err != nil {
		return err
	}
	_, err := a.desk.CreateEvent(ctx, form)
	return err
}

func cmdBuy(ctx context.Context, a *app, args []string) error {
	fs := flags("buy", a)
	qty := fs.Uint32P("quantity", "n", 1, "number of tickets")
	rest, err := positional(fs, args, 1)
	if err != nil {
		return err
	}
	if id, err := desk.ParseID("event id", rest[0]); err == nil {
		if err := a.reload(ctx, collections.ActiveEvents); err != nil {
			return err
		}
		if ev, ok := a.desk.Snapshot().Event(id); ok && !desk.PurchaseAllowed(ev, *qty) {
			return fmt.Errorf("cannot buy %d ticket(s) for event %d: %d available", *qty, id, ev.AvailableTickets)
		}
	}
	p, err := a.desk.PurchaseTickets(ctx, desk.PurchaseForm{
		EventID:  rest[0],
		Quantity: strconv.FormatUint(uint64(*qty), 10),
	})
	if err != nil {
		return err
	}
	a.out.purchases([]purchaseRow{{p, ""}})
	if err := a.reload(ctx, collections.MyTickets); err == nil {
		a.out.tickets(ticketsByID(a.desk.Snapshot(), p.TicketIDs))
	}
	return nil
}

func cmdTickets(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("tickets", a), args, 0); err != nil {
		return err
	}
	if err := a.reload(ctx, collections.MyTickets); err != nil {
		return err
	}
	a.out.tickets(a.desk.Snapshot().MyTickets)
	return nil
}

func cmdPurchases(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("purchases", a), args, 0); err != nil {
		return err
	}
	if err := a.reload(ctx, collections.MyPurchases, collections.AllEvents); err != nil {
		return err
	}
	snap := a.desk.Snapshot()
	rows := make([]purchaseRow, 0, len(snap.MyPurchases))
	for _, p := range snap.MyPurchases {
		name := ""
		if ev, ok := snap.Event(p.EventID); ok {
			name = ev.Name
		}
		rows = append(rows, purchaseRow{p, name})
	}
	a.out.purchases(rows)
	return nil
}

func cmdProfile(ctx context.Context, a *app, args []string) error {
	if _, err := positional(flags("profile", a), args, 0); err != nil {
		return err
	}
	if err := a.reload(ctx, collections.MyProfile); err != nil {
		return err
	}
	p := a.desk.Snapshot().MyProfile
	if p == nil {
		return errors.New("could not load profile, try again")
	}
	a.out.kv([][2]string{
		{"principal", p.Principal.String()},
		{"purchases", strconv.Itoa(len(p.Purchases))},
		{"tickets", strconv.Itoa(len(p.Tickets))},
		{"reputation", strconv.FormatUint(uint64(p.ReputationScore), 10)},
		{"verified", strconv.FormatBool(p.IsVerified)},
	})
	return nil
}

func cmdVerify(ctx context.Context, a *app, args []string) error {
	rest, err := positional(flags("verify", a), args, 2)
	if err != nil {
		return err
	}
	tk, err := a.desk.VerifyTicket(ctx, desk.TicketForm{TicketID: rest[0], Code: rest[1]})
	if tk.ID != 0 {
		a.out.tickets([]ticketing.Ticket{tk})
	}
	return err
}

func cmdUse(ctx context.Context, a *app, args []string) error {
	rest, err := positional(flags("use", a), args, 2)
	if err != nil {
		return err
	}
	return a.desk.MarkUsed(ctx, desk.TicketForm{TicketID: rest[0], Code: rest[1]})
}

func cmdDeactivate(ctx context.Context, a *app, args []string) error {
	rest, err := positional(flags("deactivate", a), args, 1)
	if err != nil {
		return err
	}
	return a.desk.DeactivateEvent(ctx, rest[0])
}
