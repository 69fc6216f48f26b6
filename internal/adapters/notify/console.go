package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Notify imprime el resumen del ciclo en el modo configurado.
func (c *Console) Notify(_ context.Context, report domain.CycleReport) error {
	if c.table {
		c.printFull(report)
	} else {
		c.printCompact(report)
	}
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(r domain.CycleReport) {
	now := r.At.Format("15:04:05")

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s sig:%d alloc:%d ord:%d fills:%d pnl:$%.2f",
		now, gateLabel(r.Readiness), r.SignalsSeen, r.Allocated,
		r.OrdersPlaced, r.OrdersFilled, r.RealizedPnL)

	if len(r.Rejected) > 0 {
		fmt.Fprintf(&sb, " rej:[%s]", rejectLabel(r.Rejected))
	}
	if r.Feed.Status != domain.FeedConnected {
		fmt.Fprintf(&sb, " feed:%s", r.Feed.Status)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, " !%s", w)
	}

	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime el resumen más la tabla de posiciones abiertas.
func (c *Console) printFull(r domain.CycleReport) {
	now := r.At.Format("15:04:05")
	fmt.Fprintf(c.out, "\n[%s] gate:%s feed:%s — signals:%d allocated:%d orders:%d filled:%d\n",
		now, gateLabel(r.Readiness), r.Feed.Status,
		r.SignalsSeen, r.Allocated, r.OrdersPlaced, r.OrdersFilled)

	if len(r.Rejected) > 0 {
		fmt.Fprintf(c.out, "  rejected: %s\n", rejectLabel(r.Rejected))
	}

	c.printPositions(r.Positions)
	fmt.Fprintf(c.out, "  realized P&L: $%.2f\n", r.RealizedPnL)
}

// printPositions imprime la tabla de posiciones abiertas.
func (c *Console) printPositions(positions []domain.Position) {
	open := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.NetQuantity != 0 {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		fmt.Fprintln(c.out, "  (no open positions)")
		return
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].AccountID != open[j].AccountID {
			return open[i].AccountID < open[j].AccountID
		}
		return open[i].Symbol < open[j].Symbol
	})

	table := tablewriter.NewWriter(c.out)
	table.Header("Account", "Symbol", "Net Qty", "Avg Px", "Unrealized", "Realized")
	for _, p := range open {
		table.Append(
			p.AccountID,
			p.Symbol,
			fmt.Sprintf("%d", p.NetQuantity),
			fmt.Sprintf("%.2f", p.AveragePrice),
			fmt.Sprintf("$%.2f", p.UnrealizedPnL),
			fmt.Sprintf("$%.2f", p.RealizedPnL),
		)
	}
	table.Render()
}

// PrintDailySummary imprime los agregados por día, el más reciente al final.
func (c *Console) PrintDailySummary(dailies []domain.DailySummary) {
	if len(dailies) == 0 {
		fmt.Fprintln(c.out, "(no daily history)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Date", "Signals", "Allocated", "Rejected", "Orders", "Fills", "P&L", "Deployed")
	for _, d := range dailies {
		table.Append(
			d.Date.Format("2006-01-02"),
			fmt.Sprintf("%d", d.SignalsSeen),
			fmt.Sprintf("%d", d.SignalsAllocated),
			fmt.Sprintf("%d", d.SignalsRejected),
			fmt.Sprintf("%d", d.OrdersPlaced),
			fmt.Sprintf("%d", d.OrdersFilled),
			fmt.Sprintf("$%.2f", d.RealizedPnL),
			fmt.Sprintf("$%.2f", d.CapitalDeployed),
		)
	}
	table.Render()
}

func gateLabel(r domain.SessionReadiness) string {
	if r.CanTrade() {
		return "OPEN"
	}
	var blocked []string
	if !r.MarketOpen {
		blocked = append(blocked, "market")
	}
	if !r.FeedReady {
		blocked = append(blocked, "feed")
	}
	if !r.BrokerReady {
		blocked = append(blocked, "broker")
	}
	if !r.PersistenceReady {
		blocked = append(blocked, "db")
	}
	return "BLOCKED(" + strings.Join(blocked, ",") + ")"
}

func rejectLabel(rejected map[domain.Reason]int) string {
	reasons := make([]string, 0, len(rejected))
	for reason := range rejected {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)

	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s:%d", reason, rejected[domain.Reason(reason)]))
	}
	return strings.Join(parts, " ")
}
