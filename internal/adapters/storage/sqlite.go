package storage

// sqlite.go: registro estático de aeronaves + historial de syncs.
//
// Estrategia:
//   - `aircraft`: una fila por icao24 con los datos del registro (matrícula,
//     fabricante, dueño...). Los valores se guardan ya recortados y el icao24
//     en minúsculas, así las búsquedas por grupo no necesitan normalizar.
//   - `sync_runs`: una fila por fetch de grupo. Solo para diagnóstico.
//   - Prune automático al arrancar: sync_runs > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/skysync/internal/domain"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous  = NORMAL;
PRAGMA temp_store   = MEMORY;

CREATE TABLE IF NOT EXISTS aircraft (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    icao24        TEXT UNIQUE,
    "N-NUMBER"    TEXT,
    manufacturer  TEXT,
    model         TEXT,
    operator      TEXT,
    NAME          TEXT,
    CITY          TEXT,
    STATE         TEXT,
    aircraft_type TEXT,
    owner_type    TEXT,
    created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS update_aircraft_timestamp
AFTER UPDATE ON aircraft
BEGIN
    UPDATE aircraft SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE INDEX IF NOT EXISTS idx_aircraft_icao24       ON aircraft(icao24);
CREATE INDEX IF NOT EXISTS idx_aircraft_manufacturer ON aircraft(manufacturer);
CREATE INDEX IF NOT EXISTS idx_aircraft_model        ON aircraft(model);
CREATE INDEX IF NOT EXISTS idx_aircraft_type         ON aircraft(aircraft_type, owner_type);
CREATE INDEX IF NOT EXISTS idx_aircraft_operator     ON aircraft(operator);

-- Una fila por fetch de grupo
CREATE TABLE IF NOT EXISTS sync_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    group_key     TEXT    NOT NULL,
    started_at    INTEGER NOT NULL, -- unix ms
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    entities      INTEGER NOT NULL DEFAULT 0,
    chunks        INTEGER NOT NULL DEFAULT 0,
    failed_chunks INTEGER NOT NULL DEFAULT 0,
    error         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_group ON sync_runs(group_key, started_at DESC);
`

const (
	retentionRuns = 30 * 24 * time.Hour
	lookupChunk   = 500 // máx parámetros por IN (...)
)

// columna del registro por cada campo de selector.
var groupColumns = map[string]string{
	domain.FieldManufacturer: "manufacturer",
	domain.FieldOperator:     "operator",
	domain.FieldModel:        "model",
	domain.FieldOwnerType:    "owner_type",
	domain.FieldAircraftType: "aircraft_type",
}

const selectStatic = `
	SELECT icao24,
	       COALESCE("N-NUMBER", ''), COALESCE(manufacturer, ''), COALESCE(model, ''),
	       COALESCE(operator, ''), COALESCE(NAME, ''), COALESCE(CITY, ''),
	       COALESCE(STATE, ''), COALESCE(aircraft_type, ''), COALESCE(owner_type, '')
	FROM aircraft`

// SQLiteRegistry implementa ports.Registry y ports.SyncRecorder usando
// SQLite (pure Go, sin CGo).
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia el historial antiguo.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteRegistry: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteRegistry: apply schema: %w", err)
	}

	r := &SQLiteRegistry{db: db}
	if n, err := r.pruneOld(context.Background(), time.Now()); err != nil {
		slog.Warn("failed to prune sync history", "err", err)
	} else if n > 0 {
		slog.Debug("pruned sync history", "runs", n)
	}
	return r, nil
}

// Lookup devuelve la info estática de id; ok=false si no está en el registro.
func (r *SQLiteRegistry) Lookup(ctx context.Context, id string) (domain.StaticInfo, bool, error) {
	row := r.db.QueryRowContext(ctx, selectStatic+` WHERE icao24 = ?`, domain.NormalizeID(id))
	info, err := scanStatic(row)
	if err == sql.ErrNoRows {
		return domain.StaticInfo{}, false, nil
	}
	if err != nil {
		return domain.StaticInfo{}, false, fmt.Errorf("storage.Lookup: %s: %w", id, err)
	}
	return info, true, nil
}

// LookupMany devuelve un mapa parcial id → info con los ids encontrados.
func (r *SQLiteRegistry) LookupMany(ctx context.Context, ids []string) (map[string]domain.StaticInfo, error) {
	out := make(map[string]domain.StaticInfo, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = domain.NormalizeID(id)
		}
		query := selectStatic + ` WHERE icao24 IN (` + placeholders(len(chunk)) + `)`

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("storage.LookupMany: query: %w", err)
		}
		for rows.Next() {
			info, err := scanStatic(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage.LookupMany: scan row: %w", err)
			}
			out[info.ICAO24] = info
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("storage.LookupMany: rows: %w", err)
		}
	}
	return out, nil
}

// GroupMembers resuelve los ids de un grupo. La comparación ignora
// mayúsculas y espacios; un selector icao: devuelve su propia lista.
func (r *SQLiteRegistry) GroupMembers(ctx context.Context, sel domain.GroupSelector) ([]string, error) {
	if sel.Field == domain.FieldICAO {
		return sel.ExplicitIDs(), nil
	}
	col, ok := groupColumns[sel.Field]
	if !ok {
		return nil, domain.InvalidInput("storage.GroupMembers", "unknown group field %q", sel.Field)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT icao24 FROM aircraft WHERE LOWER(TRIM(`+col+`)) = ? ORDER BY icao24`,
		strings.ToLower(strings.TrimSpace(sel.Value)),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.GroupMembers: query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.GroupMembers: scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert inserta o actualiza filas del registro.
func (r *SQLiteRegistry) Upsert(ctx context.Context, infos []domain.StaticInfo) error {
	if len(infos) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Upsert: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := prepareUpsert(ctx, tx)
	if err != nil {
		return fmt.Errorf("storage.Upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, info := range infos {
		info = cleanStatic(info)
		if !domain.ValidID(info.ICAO24) {
			return domain.InvalidInput("storage.Upsert", "malformed icao24 %q", info.ICAO24)
		}
		if err := execUpsert(ctx, stmt, info); err != nil {
			return fmt.Errorf("storage.Upsert: %s: %w", info.ICAO24, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Upsert: commit: %w", err)
	}
	return nil
}

// Count devuelve el número de aeronaves del registro.
func (r *SQLiteRegistry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aircraft`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage.Count: %w", err)
	}
	return n, nil
}

// Close cierra la conexión a la base de datos.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// --- helpers internos ---

func prepareUpsert(ctx context.Context, tx *sql.Tx) (*sql.Stmt, error) {
	return tx.PrepareContext(ctx, `
		INSERT INTO aircraft
			(icao24, "N-NUMBER", manufacturer, model, operator, NAME, CITY, STATE, aircraft_type, owner_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(icao24) DO UPDATE SET
			"N-NUMBER"    = excluded."N-NUMBER",
			manufacturer  = excluded.manufacturer,
			model         = excluded.model,
			operator      = excluded.operator,
			NAME          = excluded.NAME,
			CITY          = excluded.CITY,
			STATE         = excluded.STATE,
			aircraft_type = excluded.aircraft_type,
			owner_type    = excluded.owner_type
	`)
}

func execUpsert(ctx context.Context, stmt *sql.Stmt, info domain.StaticInfo) error {
	_, err := stmt.ExecContext(ctx,
		info.ICAO24,
		info.Registration,
		info.Manufacturer,
		info.Model,
		info.Operator,
		info.Owner,
		info.City,
		info.State,
		info.AircraftType,
		info.OwnerType,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatic(s scanner) (domain.StaticInfo, error) {
	var info domain.StaticInfo
	err := s.Scan(
		&info.ICAO24,
		&info.Registration,
		&info.Manufacturer,
		&info.Model,
		&info.Operator,
		&info.Owner,
		&info.City,
		&info.State,
		&info.AircraftType,
		&info.OwnerType,
	)
	return info, err
}

// cleanStatic recorta todos los valores y normaliza el icao24.
func cleanStatic(info domain.StaticInfo) domain.StaticInfo {
	info.ICAO24 = domain.NormalizeID(info.ICAO24)
	for _, f := range []*string{
		&info.Registration, &info.Manufacturer, &info.Model, &info.Operator,
		&info.Owner, &info.City, &info.State, &info.AircraftType, &info.OwnerType,
	} {
		*f = strings.TrimSpace(*f)
	}
	return info
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// pruneOld elimina historial antiguo para mantener la DB ligera.
// Devuelve cuántas syncs borró.
func (r *SQLiteRegistry) pruneOld(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-retentionRuns).UnixMilli()
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage.pruneOld: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
