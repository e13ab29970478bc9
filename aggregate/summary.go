// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregate

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	"github.com/klauspost/compress/gzip"
	_ "github.com/marcboeker/go-duckdb"
)

// A row is a summary row: the results of one ligand in one scenario.
type row struct {
	ligand     string
	collection string
	attrs      map[string]string
	// scores holds the score of each replica; scored tells which
	// replicas have a score.
	scores []float64
	scored []bool
}

func (r *row) stats() (avg, best float64) {
	var n int
	for i, s := range r.scores {
		if !r.scored[i] {
			continue
		}
		if n == 0 || s < best {
			best = s
		}
		avg += s
		n++
	}
	return avg / float64(n), best
}

// A table is the summary of a scenario.
type table struct {
	scenario bigdock.Scenario
	attrs    []string
	tranches int
	rows     []*row
}

func (t *table) header() []string {
	h := []string{"ligand", "collection_key", "scenario", "score_average", "score_min"}
	for _, attr := range t.attrs {
		h = append(h, "attr_"+attr)
	}
	for i := 0; i < t.tranches; i++ {
		h = append(h, fmt.Sprintf("tranche_%d", i))
	}
	for i := 0; i < t.scenario.Replicas; i++ {
		h = append(h, fmt.Sprintf("score_%d", i))
	}
	return h
}

func (t *table) tranche(r *row) []string {
	tranche := bigdock.Collection{Key: r.collection}.Tranche()
	letters := make([]string, t.tranches)
	for i := range letters {
		if i < len(tranche) {
			letters[i] = tranche[i : i+1]
		}
	}
	return letters
}

func (t *table) attr(r *row, name string) string {
	if v, ok := r.attrs[name]; ok {
		return v
	}
	return "N/A"
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// table returns the summary of the provided scenario. Rows are sorted
// by ligand; ligands without any score are omitted.
func (a *Aggregator) table(scenario bigdock.Scenario) *table {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := &table{scenario: scenario, attrs: a.opts.Attrs}
	type ligandKey struct{ collection, ligand string }
	rows := make(map[ligandKey]*row)
	for k, e := range a.entries {
		if k.scenario != scenario.Name || !e.scored || k.replica < 0 || k.replica >= scenario.Replicas {
			continue
		}
		lk := ligandKey{k.collection, k.ligand}
		r := rows[lk]
		if r == nil {
			r = &row{
				ligand:     k.ligand,
				collection: k.collection,
				scores:     make([]float64, scenario.Replicas),
				scored:     make([]bool, scenario.Replicas),
			}
			rows[lk] = r
		}
		r.scores[k.replica] = e.score
		r.scored[k.replica] = true
	}
	for _, r := range rows {
		// Attributes are taken from the lowest scored replica.
		for i, ok := range r.scored {
			if ok {
				r.attrs = a.entries[recordKey{scenario.Name, r.collection, r.ligand, i}].attrs
				break
			}
		}
		if n := len(bigdock.Collection{Key: r.collection}.Tranche()); n > t.tranches {
			t.tranches = n
		}
		t.rows = append(t.rows, r)
	}
	sort.Slice(t.rows, func(i, j int) bool {
		if t.rows[i].ligand != t.rows[j].ligand {
			return t.rows[i].ligand < t.rows[j].ligand
		}
		return t.rows[i].collection < t.rows[j].collection
	})
	return t
}

// Commit writes the summaries of every scenario in the configured
// formats, and the job's overview. Commit may be called repeatedly;
// each call rewrites the summaries from all results aggregated so
// far.
func (a *Aggregator) Commit(ctx context.Context) error {
	for _, scenario := range a.opts.Scenarios {
		t := a.table(scenario)
		for _, format := range a.opts.Formats {
			path := a.opts.Output.SummaryPath(a.opts.Job, scenario.Name, "summary."+format)
			var err error
			switch format {
			case CSV:
				err = writeFile(ctx, path, t.writeCSV)
			case Parquet:
				err = t.copyParquet(ctx, path)
			default:
				err = errors.E(errors.NotSupported, "summary format "+format)
			}
			if err != nil {
				return errors.E("aggregate", path, err)
			}
			log.Debug.Printf("aggregate: wrote %s (%d ligands)", path, len(t.rows))
		}
	}
	stats := a.Stats()
	path := a.opts.Output.OverviewPath(a.opts.Job)
	err := writeFile(ctx, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(stats)
	})
	if err != nil {
		return errors.E("aggregate", path, err)
	}
	log.Printf("aggregate: %d subjobs, %d dockings succeeded, %d failed, %d incomplete results",
		stats.Subjobs, stats.Succeeded, stats.Failed, len(stats.Incomplete))
	return nil
}

func writeFile(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return write(f.Writer(ctx))
}

func (t *table) writeCSV(w io.Writer) error {
	gz := gzip.NewWriter(w)
	cw := csv.NewWriter(gz)
	if err := cw.Write(t.header()); err != nil {
		return err
	}
	for _, r := range t.rows {
		avg, best := r.stats()
		rec := []string{r.ligand, r.collection, t.scenario.Name, formatScore(avg), formatScore(best)}
		for _, attr := range t.attrs {
			rec = append(rec, t.attr(r, attr))
		}
		rec = append(rec, t.tranche(r)...)
		for i, s := range r.scores {
			if r.scored[i] {
				rec = append(rec, formatScore(s))
			} else {
				rec = append(rec, "")
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return gz.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

func quoteString(s string) string {
	return `'` + strings.Replace(s, `'`, `''`, -1) + `'`
}

// copyParquet writes the table as a GZIP-compressed Parquet file,
// using an in-memory DuckDB database, and copies it to path.
func (t *table) copyParquet(ctx context.Context, path string) error {
	dir, err := os.MkdirTemp("", "bigdock-summary")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, "summary.parquet")
	if err := t.writeParquet(ctx, local); err != nil {
		return err
	}
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(ctx, path, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func (t *table) writeParquet(ctx context.Context, path string) (err error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return err
	}
	defer db.Close()
	// A single connection keeps the in-memory database and its
	// settings for every statement.
	db.SetMaxOpenConns(1)
	// Single-threaded writes keep row groups, and thus output bytes,
	// deterministic.
	if _, err := db.ExecContext(ctx, `SET threads=1`); err != nil {
		return err
	}
	var (
		header = t.header()
		cols   = make([]string, len(header))
		params = make([]string, len(header))
	)
	for i, name := range header {
		typ := "VARCHAR"
		if strings.HasPrefix(name, "score_") {
			typ = "DOUBLE"
		}
		cols[i] = quoteIdent(name) + " " + typ
		params[i] = "?"
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE summary ("+strings.Join(cols, ", ")+")"); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO summary VALUES ("+strings.Join(params, ", ")+")")
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range t.rows {
		avg, best := r.stats()
		args := []interface{}{r.ligand, r.collection, t.scenario.Name, avg, best}
		for _, attr := range t.attrs {
			args = append(args, t.attr(r, attr))
		}
		for _, letter := range t.tranche(r) {
			args = append(args, letter)
		}
		for i, s := range r.scores {
			if r.scored[i] {
				args = append(args, s)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		"COPY (SELECT * FROM summary ORDER BY scenario, ligand, collection_key) TO %s (FORMAT PARQUET, COMPRESSION GZIP)",
		quoteString(path)))
	return err
}
