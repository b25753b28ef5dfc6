package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Repository handles the raw SQL access to the quads table:
// parameterized queries only, failures logged with context.
type Repository struct {
	DB *sqlx.DB
}

// NewRepository wraps an existing *sql.DB connection.
func NewRepository(dbConn *sql.DB) *Repository {
	return &Repository{DB: sqlx.NewDb(dbConn, "postgres")}
}

func (r *Repository) log() *logrus.Entry {
	return logger.Component("store-repository")
}

// quadRow mirrors the quads table for sqlx scanning.
type quadRow struct {
	Hash      int64        `db:"hash"`
	Subject   string       `db:"subject"`
	Predicate string       `db:"predicate"`
	Object    string       `db:"object"`
	Model     string       `db:"model"`
	Timestamp time.Time    `db:"ts"`
	Expires   sql.NullTime `db:"expires"`
	Inferred  bool         `db:"inferred"`
}

func (row quadRow) toQuad() Quad {
	q := Quad{
		Triple:    Triple{Subject: row.Subject, Predicate: row.Predicate, Object: row.Object},
		Model:     row.Model,
		Hash:      uint64(row.Hash),
		Timestamp: row.Timestamp,
		Inferred:  row.Inferred,
	}
	if row.Expires.Valid {
		t := row.Expires.Time
		q.Expires = &t
	}
	return q
}

// InsertQuads inserts each quad, ignoring duplicates by primary key.
func (r *Repository) InsertQuads(quads []Quad) error {
	if len(quads) == 0 {
		return nil
	}
	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	const stmt = `
		INSERT INTO quads (hash, subject, predicate, object, model, ts, expires, inferred)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO NOTHING`
	for _, q := range quads {
		var expires interface{}
		if q.Expires != nil {
			expires = *q.Expires
		}
		if _, err := tx.Exec(stmt, int64(q.Hash), q.Subject, q.Predicate, q.Object, q.Model, q.Timestamp, expires, q.Inferred); err != nil {
			tx.Rollback()
			r.log().WithField("error", err).Error("Failed to insert quad")
			return fmt.Errorf("insert quad: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert transaction: %w", err)
	}
	return nil
}

// DeleteInferred removes every quad marked inferred, across all models —
// the non-monotonic retraction side effect of I2.
func (r *Repository) DeleteInferred() error {
	_, err := r.DB.Exec(`DELETE FROM quads WHERE inferred = true`)
	if err != nil {
		r.log().WithField("error", err).Error("Failed to purge inferred quads")
		return fmt.Errorf("delete inferred quads: %w", err)
	}
	return nil
}

// DeleteAll drops every quad across every model (the clear() operation).
func (r *Repository) DeleteAll() error {
	_, err := r.DB.Exec(`DELETE FROM quads`)
	if err != nil {
		r.log().WithField("error", err).Error("Failed to clear quads")
		return fmt.Errorf("delete all quads: %w", err)
	}
	return nil
}

// DeleteByHashes removes the exact quads identified by hash.
func (r *Repository) DeleteByHashes(hashes []uint64) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(`DELETE FROM quads WHERE hash = $1`, int64(h)); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete quad %d: %w", h, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

// DeleteBySubjectPredicateModel removes every row matching (s, p, *, m) —
// used by functional-property replacement.
func (r *Repository) DeleteBySubjectPredicateModel(subject, predicate, model string) error {
	_, err := r.DB.Exec(
		`DELETE FROM quads WHERE subject = $1 AND predicate = $2 AND model = $3`,
		subject, predicate, model,
	)
	if err != nil {
		return fmt.Errorf("delete by subject/predicate/model: %w", err)
	}
	return nil
}

// DeleteExpiredBefore deletes, in one batch, every quad whose expiry has
// passed, and returns how many were removed.
func (r *Repository) DeleteExpiredBefore(now time.Time) (int64, error) {
	res, err := r.DB.Exec(`DELETE FROM quads WHERE expires IS NOT NULL AND expires < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired quads: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// patternConditions builds the WHERE clause fragments for a pattern,
// binding only the non-variable positions.
func patternConditions(pattern Pattern, models []string, assertedOnly bool, args *[]interface{}) []string {
	var conds []string
	add := func(col, val string) {
		*args = append(*args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(*args)))
	}
	if !IsVariable(pattern.Subject) {
		add("subject", pattern.Subject)
	}
	if !IsVariable(pattern.Predicate) {
		add("predicate", pattern.Predicate)
	}
	if !IsVariable(pattern.Object) {
		add("object", pattern.Object)
	}
	if assertedOnly {
		conds = append(conds, "inferred = false")
	}
	if len(models) > 0 {
		placeholders := make([]string, len(models))
		for i, m := range models {
			*args = append(*args, m)
			placeholders[i] = fmt.Sprintf("$%d", len(*args))
		}
		conds = append(conds, fmt.Sprintf("model IN (%s)", joinComma(placeholders)))
	}
	return conds
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	out := " WHERE "
	for i, c := range conds {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

// MatchingQuads returns every quad matching pattern in models.
func (r *Repository) MatchingQuads(pattern Pattern, models []string, assertedOnly bool) ([]Quad, error) {
	var args []interface{}
	conds := patternConditions(pattern, models, assertedOnly, &args)
	query := `SELECT hash, subject, predicate, object, model, ts, expires, inferred FROM quads` + whereClause(conds)

	var rows []quadRow
	if err := r.DB.Select(&rows, r.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select matching quads: %w", err)
	}
	quads := make([]Quad, len(rows))
	for i, row := range rows {
		quads[i] = row.toQuad()
	}
	return quads, nil
}

// SimpleQueryValues returns the distinct values the single unbound
// position of pattern can take. pattern must have exactly one variable
// position.
func (r *Repository) SimpleQueryValues(pattern Pattern, models []string, assertedOnly bool) (map[string]struct{}, error) {
	var column string
	switch {
	case IsVariable(pattern.Subject):
		column = "subject"
	case IsVariable(pattern.Predicate):
		column = "predicate"
	case IsVariable(pattern.Object):
		column = "object"
	default:
		column = "hash"
	}

	var args []interface{}
	conds := patternConditions(pattern, models, assertedOnly, &args)
	query := fmt.Sprintf("SELECT %s FROM quads", column) + whereClause(conds)

	rows, err := r.DB.Query(r.DB.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select simple query values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]struct{})
	for rows.Next() {
		if column == "hash" {
			var h int64
			if err := rows.Scan(&h); err != nil {
				return nil, err
			}
			values[fmt.Sprintf("%d", h)] = struct{}{}
		} else {
			var v string
			if err := rows.Scan(&v); err != nil {
				return nil, err
			}
			values[v] = struct{}{}
		}
	}
	return values, rows.Err()
}

// SelectProjection projects a single column from rows constrained by
// (possibly nil) candidate sets on the other two positions. Exactly one
// of subject/predicate/object
// must be nil (the slot being projected); presence of zero or more than
// one is a programmer error.
func (r *Repository) SelectProjection(subject, predicate, object []string, models []string, assertedOnly bool) (map[string]struct{}, error) {
	nilCount := 0
	if subject == nil {
		nilCount++
	}
	if predicate == nil {
		nilCount++
	}
	if object == nil {
		nilCount++
	}
	if nilCount != 1 {
		return nil, errors.New("exactly one of subject, predicate or object must be nil")
	}

	column := "subject"
	switch {
	case subject == nil:
		column = "subject"
	case predicate == nil:
		column = "predicate"
	case object == nil:
		column = "object"
	}

	var conds []string
	var args []interface{}
	in := func(col string, values []string) {
		placeholders := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, fmt.Sprintf("%s IN (%s)", col, joinComma(placeholders)))
	}
	if subject != nil {
		in("subject", subject)
	}
	if predicate != nil {
		in("predicate", predicate)
	}
	if object != nil {
		in("object", object)
	}
	if assertedOnly {
		conds = append(conds, "inferred = false")
	}
	if len(models) > 0 {
		placeholders := make([]string, len(models))
		for i, m := range models {
			args = append(args, m)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, fmt.Sprintf("model IN (%s)", joinComma(placeholders)))
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM quads", column) + whereClause(conds)
	rows, err := r.DB.Query(r.DB.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select projection: %w", err)
	}
	defer rows.Close()

	result := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result[v] = struct{}{}
	}
	return result, rows.Err()
}

// About returns every quad where resource occurs in any of the three
// positions, across models.
func (r *Repository) About(resource string, models []string) ([]Triple, error) {
	var args []interface{}
	args = append(args, resource, resource, resource)
	conds := []string{"(subject = $1 OR predicate = $2 OR object = $3)"}
	if len(models) > 0 {
		placeholders := make([]string, len(models))
		for i, m := range models {
			args = append(args, m)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, fmt.Sprintf("model IN (%s)", joinComma(placeholders)))
	}
	query := "SELECT subject, predicate, object FROM quads" + whereClause(conds)
	rows, err := r.DB.Query(r.DB.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select about: %w", err)
	}
	defer rows.Close()

	var triples []Triple
	for rows.Next() {
		var t Triple
		if err := rows.Scan(&t.Subject, &t.Predicate, &t.Object); err != nil {
			return nil, err
		}
		triples = append(triples, t)
	}
	return triples, rows.Err()
}

// DistinctModels returns every model name currently present in the store.
func (r *Repository) DistinctModels() ([]string, error) {
	var models []string
	if err := r.DB.Select(&models, `SELECT DISTINCT model FROM quads`); err != nil {
		return nil, fmt.Errorf("select distinct models: %w", err)
	}
	return models, nil
}

// Snapshot copies the live quads table into the reasoner's private
// scratch table, replacing the previous snapshot.
func (r *Repository) Snapshot() error {
	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	if _, err := tx.Exec(`TRUNCATE quad_snapshot`); err != nil {
		tx.Rollback()
		return fmt.Errorf("truncate snapshot: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO quad_snapshot (hash, subject, predicate, object, model, ts, expires, inferred)
		SELECT hash, subject, predicate, object, model, ts, expires, inferred FROM quads`); err != nil {
		tx.Rollback()
		return fmt.Errorf("populate snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

// SnapshotEdges returns every (subject, object) pair asserted under
// predicate in the snapshot for one model — the building blocks of the
// reasoner's in-memory class graph.
func (r *Repository) SnapshotEdges(predicate, model string) ([]Triple, error) {
	var rows []struct {
		Subject string `db:"subject"`
		Object  string `db:"object"`
	}
	err := r.DB.Select(&rows, r.DB.Rebind(
		`SELECT subject, object FROM quad_snapshot WHERE predicate = $1 AND model = $2`),
		predicate, model)
	if err != nil {
		return nil, fmt.Errorf("select snapshot edges: %w", err)
	}
	triples := make([]Triple, len(rows))
	for i, row := range rows {
		triples[i] = Triple{Subject: row.Subject, Predicate: predicate, Object: row.Object}
	}
	return triples, nil
}

// SnapshotModels returns every distinct model present in the scratch
// snapshot.
func (r *Repository) SnapshotModels() ([]string, error) {
	var models []string
	if err := r.DB.Select(&models, `SELECT DISTINCT model FROM quad_snapshot`); err != nil {
		return nil, fmt.Errorf("select snapshot models: %w", err)
	}
	return models, nil
}
