package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"boxoffice.org/internal/collections"
	"boxoffice.org/internal/desk"
	"boxoffice.org/internal/display"
	"boxoffice.org/internal/ticketing"
)

// printer renders results on stdout and notices on stdout/stderr. Styles
// degrade to plain text when the writer is not a terminal.
type printer struct {
	w    io.Writer
	errw io.Writer
	loc  *time.Location

	header lipgloss.Style
	label  lipgloss.Style
	ok     lipgloss.Style
	bad    lipgloss.Style
	dim    lipgloss.Style
}

func newPrinter(stdout, stderr io.Writer) *printer {
	r := lipgloss.NewRenderer(stdout)
	er := lipgloss.NewRenderer(stderr)
	return &printer{
		w:      stdout,
		errw:   stderr,
		loc:    time.Local,
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:  r.NewStyle().Foreground(lipgloss.Color("8")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("10")),
		bad:    er.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:    r.NewStyle().Faint(true),
	}
}

func (p *printer) info(msg string) {
	fmt.Fprintln(p.errw, msg)
}

func (p *printer) success(msg string) {
	fmt.Fprintln(p.w, p.ok.Render("✓ ")+msg)
}

func (p *printer) notice(n desk.Notice) {
	if n.OK {
		p.success(n.Message)
		return
	}
	fmt.Fprintln(p.errw, p.bad.Render("✗ "+n.Command+": ")+n.Message)
}

func (p *printer) kv(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, lipgloss.Width(kv[0]))
	}
	for _, kv := range pairs {
		fmt.Fprintf(p.w, "%s  %s\n", p.label.Render(pad(kv[0], width)), kv[1])
	}
}

// table prints rows under headers with columns padded to the widest cell.
func (p *printer) table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.dim.Render("(none)"))
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = pad(c, widths[i])
			if style != nil {
				parts[i] = style.Render(parts[i])
			}
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(p.w, line(headers, &p.header))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row, nil))
	}
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

func (p *printer) events(events []ticketing.Event) {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		status := "on sale"
		if !ev.IsActive {
			status = "inactive"
		}
		rows = append(rows, []string{
			u(ev.ID),
			ev.Name,
			ev.Venue,
			display.FormatTime(ev.Date, p.loc),
			display.FormatAmount(ev.PriceE8s),
			fmt.Sprintf("%d/%d", ev.AvailableTickets, ev.TotalTickets),
			status,
		})
	}
	p.table([]string{"ID", "NAME", "VENUE", "DATE", "PRICE", "LEFT", "STATUS"}, rows)
}

func (p *printer) event(ev ticketing.Event) {
	p.kv([][2]string{
		{"id", u(ev.ID)},
		{"name", ev.Name},
		{"description", ev.Description},
		{"venue", ev.Venue},
		{"date", display.FormatTime(ev.Date, p.loc)},
		{"price", display.FormatAmount(ev.PriceE8s)},
		{"tickets", fmt.Sprintf("%d of %d left", ev.AvailableTickets, ev.TotalTickets)},
		{"max per user", u(uint64(ev.MaxTicketsPerUser))},
		{"sale", display.FormatTime(ev.SaleStartTime, p.loc) + " to " + display.FormatTime(ev.SaleEndTime, p.loc)},
		{"organizer", ev.Organizer.String()},
		{"active", strconv.FormatBool(ev.IsActive)},
	})
}

func (p *printer) tickets(tickets []ticketing.Ticket) {
	rows := make([][]string, 0, len(tickets))
	for _, tk := range tickets {
		used := "no"
		if tk.IsUsed {
			used = "yes"
		}
		rows = append(rows, []string{
			u(tk.ID),
			u(tk.EventID),
			tk.SeatNumber,
			display.FormatTime(tk.PurchaseTime, p.loc),
			used,
			tk.VerificationCode,
		})
	}
	p.table([]string{"TICKET", "EVENT", "SEAT", "PURCHASED", "USED", "CODE"}, rows)
}

type purchaseRow struct {
	ticketing.Purchase
	eventName string
}

func (p *printer) purchases(list []purchaseRow) {
	rows := make([][]string, 0, len(list))
	for _, pr := range list {
		event := u(pr.EventID)
		if pr.eventName != "" {
			event += " " + pr.eventName
		}
		rows = append(rows, []string{
			u(pr.ID),
			event,
			u(uint64(pr.Quantity)),
			display.FormatAmount(pr.TotalAmount),
			display.FormatTime(pr.PurchaseTime, p.loc),
		})
	}
	p.table([]string{"PURCHASE", "EVENT", "QTY", "TOTAL", "WHEN"}, rows)
}

func ticketsByID(st *collections.State, ids []uint64) []ticketing.Ticket {
	out := make([]ticketing.Ticket, 0, len(ids))
	for _, id := range ids {
		if tk, ok := st.Ticket(id); ok {
			out = append(out, tk)
		}
	}
	return out
}
