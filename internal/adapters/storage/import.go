package storage

// import.go: carga del registro desde un CSV (export del FAA o similar).
//
// Cada valor se recorta y las filas sin fabricante se descartan: no pueden
// pertenecer a ningún grupo. Tampoco entran filas con icao24 malformado.

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// ImportStats resume una importación.
type ImportStats struct {
	Imported int
	Skipped  int
}

// columnas aceptadas (cabecera en minúsculas) → campo de StaticInfo.
var importColumns = map[string]func(*domain.StaticInfo) *string{
	"icao24":          func(s *domain.StaticInfo) *string { return &s.ICAO24 },
	"n-number":        func(s *domain.StaticInfo) *string { return &s.Registration },
	"registration":    func(s *domain.StaticInfo) *string { return &s.Registration },
	"manufacturer":    func(s *domain.StaticInfo) *string { return &s.Manufacturer },
	"model":           func(s *domain.StaticInfo) *string { return &s.Model },
	"operator":        func(s *domain.StaticInfo) *string { return &s.Operator },
	"name":            func(s *domain.StaticInfo) *string { return &s.Owner },
	"owner":           func(s *domain.StaticInfo) *string { return &s.Owner },
	"city":            func(s *domain.StaticInfo) *string { return &s.City },
	"state":           func(s *domain.StaticInfo) *string { return &s.State },
	"aircraft_type":   func(s *domain.StaticInfo) *string { return &s.AircraftType },
	"type aircraft":   func(s *domain.StaticInfo) *string { return &s.AircraftType },
	"owner_type":      func(s *domain.StaticInfo) *string { return &s.OwnerType },
	"type registrant": func(s *domain.StaticInfo) *string { return &s.OwnerType },
}

// Import lee un CSV con cabecera y hace upsert de cada fila válida en una
// sola transacción.
func (r *SQLiteRegistry) Import(ctx context.Context, src io.Reader) (ImportStats, error) {
	var stats ImportStats

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return stats, fmt.Errorf("storage.Import: read header: %w", err)
	}
	fields := make([]func(*domain.StaticInfo) *string, len(header))
	hasID := false
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		fields[i] = importColumns[name]
		hasID = hasID || name == "icao24"
	}
	if !hasID {
		return stats, domain.InvalidInput("storage.Import", "csv header has no icao24 column")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("storage.Import: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := prepareUpsert(ctx, tx)
	if err != nil {
		return stats, fmt.Errorf("storage.Import: prepare: %w", err)
	}
	defer stmt.Close()

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return stats, fmt.Errorf("storage.Import: line %d: %w", line, err)
		}

		var info domain.StaticInfo
		for i, v := range rec {
			if i < len(fields) && fields[i] != nil {
				*fields[i](&info) = v
			}
		}
		info = cleanStatic(info)
		if info.Manufacturer == "" || !domain.ValidID(info.ICAO24) {
			stats.Skipped++
			continue
		}
		if err := execUpsert(ctx, stmt, info); err != nil {
			return stats, fmt.Errorf("storage.Import: line %d: %w", line, err)
		}
		stats.Imported++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("storage.Import: commit: %w", err)
	}
	slog.Info("registry imported", "imported", stats.Imported, "skipped", stats.Skipped)
	return stats, nil
}
