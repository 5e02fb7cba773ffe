package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// Factores de conversión a unidades de aviación.
const (
	metersToFeet   = 3.28084
	mpsToKnots     = 1.943844
	mpsToFeetPerMn = 196.8504
)

// Console implementa ports.Notifier.
type Console struct {
	mu    sync.Mutex // las actualizaciones de grupos distintos llegan desde goroutines distintas
	out   io.Writer
	table bool
	max   int // filas por tabla; 0 = todas
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	return &Console{out: w, table: table, now: now}
}

// WithMaxRows limita las filas de la tabla.
func (c *Console) WithMaxRows(n int) *Console {
	c.max = n
	return c
}

// Notify imprime la actualización de un grupo en el modo configurado.
func (c *Console) Notify(_ context.Context, groupKey string, entities []domain.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(entities) == 0 {
		fmt.Fprintf(c.out, "[%s] %s: no aircraft\n", now.Format("15:04:05"), groupKey)
		return nil
	}

	if c.table {
		c.printFull(now, groupKey, entities)
	} else {
		c.printCompact(now, groupKey, entities)
	}
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(now time.Time, groupKey string, entities []domain.Entity) {
	airborne := countAirborne(entities)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: %d aircraft (%d airborne)", now.Format("15:04:05"), groupKey, len(entities), airborne)

	shown := 0
	for _, e := range byAltitude(entities) {
		if shown >= 4 {
			break
		}
		if e.Live.OnGround || !e.Live.HasPosition {
			continue
		}
		fmt.Fprintf(&sb, " | %s %s %s", label(e), flightLevel(e.Live.Altitude), knots(e.Live.GroundSpeed))
		shown++
	}

	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime la cabecera y la tabla del grupo.
func (c *Console) printFull(now time.Time, groupKey string, entities []domain.Entity) {
	fmt.Fprintf(c.out, "\n[%s] %s: %d aircraft, %d airborne\n",
		now.Format("15:04:05"), groupKey, len(entities), countAirborne(entities))
	c.printTable(now, entities)
}

func (c *Console) printTable(now time.Time, entities []domain.Entity) {
	table := tablewriter.NewWriter(c.out)
	table.Header("ICAO24", "Callsign", "Reg", "Type", "Lat", "Lon", "Alt ft", "GS kt", "Hdg", "VS fpm", "Seen")

	rows := byAltitude(entities)
	if c.max > 0 && len(rows) > c.max {
		rows = rows[:c.max]
	}
	for _, e := range rows {
		lat, lon := "-", "-"
		if e.Live.HasPosition {
			lat = fmt.Sprintf("%.4f", e.Live.Latitude)
			lon = fmt.Sprintf("%.4f", e.Live.Longitude)
		}
		alt := fmt.Sprintf("%.0f", e.Live.Altitude*metersToFeet)
		if e.Live.OnGround {
			alt = "GND"
		}
		table.Append(
			e.ID,
			e.Live.Callsign,
			e.Static.Registration,
			truncate(strings.TrimSpace(e.Static.Manufacturer+" "+e.Static.Model), 22),
			lat,
			lon,
			alt,
			fmt.Sprintf("%.0f", e.Live.GroundSpeed*mpsToKnots),
			fmt.Sprintf("%03.0f", e.Live.Heading),
			fmt.Sprintf("%+.0f", e.Live.VerticalRate*mpsToFeetPerMn),
			age(now, e.Live.LastContact),
		)
	}
	table.Render()

	if c.max > 0 && len(entities) > c.max {
		fmt.Fprintf(c.out, "  ... %d more\n", len(entities)-c.max)
	}
}

// PrintGroups imprime el estado de los grupos seguidos.
func (c *Console) PrintGroups(groups []domain.GroupStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := tablewriter.NewWriter(c.out)
	table.Header("Group", "State", "Members", "Subs", "Last sync", "Error")
	now := c.now()
	for _, g := range groups {
		table.Append(
			g.Key,
			g.State.String(),
			fmt.Sprintf("%d", g.Members),
			fmt.Sprintf("%d", g.Subscribers),
			age(now, g.LastSync),
			truncate(g.LastError, 40),
		)
	}
	table.Render()
}

// PrintRuns imprime el historial de syncs.
func (c *Console) PrintRuns(runs []domain.SyncRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(runs) == 0 {
		fmt.Fprintln(c.out, "no sync runs recorded")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Started", "Group", "Entities", "Chunks", "Failed", "Duration", "Error")
	for _, r := range runs {
		table.Append(
			r.StartedAt.Local().Format("01-02 15:04:05"),
			r.GroupKey,
			fmt.Sprintf("%d", r.Entities),
			fmt.Sprintf("%d", r.Chunks),
			fmt.Sprintf("%d", r.FailedChunks),
			r.Duration.Round(time.Millisecond).String(),
			truncate(r.Error, 40),
		)
	}
	table.Render()
}

// --- helpers ---

func countAirborne(entities []domain.Entity) int {
	n := 0
	for _, e := range entities {
		if !e.Live.OnGround && e.Live.HasPosition {
			n++
		}
	}
	return n
}

// byAltitude devuelve una copia ordenada por altitud descendente.
func byAltitude(entities []domain.Entity) []domain.Entity {
	out := append([]domain.Entity(nil), entities...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Live.Altitude > out[j].Live.Altitude
	})
	return out
}

func label(e domain.Entity) string {
	if e.Live.Callsign != "" {
		return e.Live.Callsign
	}
	return e.ID
}

func flightLevel(meters float64) string {
	return fmt.Sprintf("FL%03.0f", meters*metersToFeet/100)
}

func knots(mps float64) string {
	return fmt.Sprintf("%.0fkt", mps*mpsToKnots)
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
