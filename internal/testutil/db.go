package testutil

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/example/appt-watcher/internal/db"
	"github.com/jackc/pgx/v5"
)

type Exec struct {
	SQL  string
	Args []any
}

// DB is an in-memory db.Querier. Exec calls are recorded; reads are answered
// from Rows keyed by a substring of the statement.
type DB struct {
	mu    sync.Mutex
	execs []Exec

	// Rows maps a statement fragment to the rows returned for it. A query
	// that matches nothing returns no rows.
	Rows map[string][][]any
	// ExecErr fails every Exec whose statement contains the key.
	ExecErr map[string]error
}

var _ db.Querier = (*DB)(nil)

func (d *DB) Exec(ctx context.Context, sql string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, Exec{SQL: sql, Args: args})
	for frag, err := range d.ExecErr {
		if strings.Contains(sql, frag) {
			return err
		}
	}
	return nil
}

func (d *DB) Execs() []Exec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Exec(nil), d.execs...)
}

// ExecsLike returns the recorded statements containing frag.
func (d *DB) ExecsLike(frag string) []Exec {
	var out []Exec
	for _, e := range d.Execs() {
		if strings.Contains(e.SQL, frag) {
			out = append(out, e)
		}
	}
	return out
}

func (d *DB) rows(sql string) [][]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	for frag, rows := range d.Rows {
		if strings.Contains(sql, frag) {
			return rows
		}
	}
	return nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	rows := d.rows(sql)
	if len(rows) == 0 {
		return row{err: pgx.ErrNoRows}
	}
	return row{vals: rows[0]}
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return &rowSet{data: d.rows(sql), i: -1}, nil
}

type row struct {
	vals []any
	err  error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

type rowSet struct {
	data [][]any
	i    int
}

func (r *rowSet) Close()     {}
func (r *rowSet) Err() error { return nil }
func (r *rowSet) Next() bool { r.i++; return r.i < len(r.data) }
func (r *rowSet) Scan(dest ...any) error {
	return assign(r.data[r.i], dest)
}

func assign(vals, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan column %d: %s into %s", i, val.Type(), target.Type())
		}
		target.Set(val)
	}
	return nil
}
