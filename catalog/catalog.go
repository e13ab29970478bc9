// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package catalog enumerates the ligand collections of a work list.
// A catalog is read once at startup and is immutable thereafter; its
// work units are enumerated in file order by restartable iterators.
package catalog

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
)

// Format is the format of a work list.
type Format int

const (
	// Standard work lists have one collection per line: the
	// collection key followed by its ligand count, separated by
	// whitespace. Blank lines and lines starting with '#' are
	// ignored.
	Standard Format = iota
	// FineGrained work lists are CSV files with one ligand per line,
	// with the header collection_name,collection_number,ligand.
	FineGrained
)

var formats = [...]string{
	Standard:    "standard",
	FineGrained: "fine",
}

// String returns the format's name.
func (f Format) String() string {
	return formats[f]
}

// ParseFormat returns the format with the provided name.
func ParseFormat(name string) (Format, error) {
	for f, str := range formats {
		if str == name {
			return Format(f), nil
		}
	}
	if name == "finegrained" {
		return FineGrained, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown work list format %q", name))
}

var fineHeader = []string{"collection_name", "collection_number", "ligand"}

// Options control which collections and ligands are included in a
// catalog.
type Options struct {
	// Prescreen limits each collection to its first
	// PrescreenPerCollection ligands.
	Prescreen              bool
	PrescreenPerCollection int
	// Filter, if non-nil, skips collections whose tranche does not
	// match. Filtering is disabled in prescreen mode.
	Filter *regexp.Regexp
}

// FormatError is returned for malformed work list lines.
type FormatError struct {
	Line   int
	Text   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// DuplicateKeyError is returned when a work list names the same
// collection (or, for fine-grained lists, the same ligand) twice.
type DuplicateKeyError struct {
	Key         string
	Line, First int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("line %d: duplicate key %s (first seen on line %d)", e.Line, e.Key, e.First)
}

// A Catalog is the set of collections and work units of a run.
type Catalog struct {
	format      Format
	prescreen   int
	collections []bigdock.Collection
	units       []bigdock.WorkUnit
	skipped     []string
}

// Open reads a work list from the provided path, which may be any
// path supported by package github.com/grailbio/base/file.
func Open(ctx context.Context, path string, format Format, opts Options) (*Catalog, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	cat, err := Parse(f.Reader(ctx), format, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("catalog %s: %d collections, %d work units, %d ligands (%d collections skipped)",
		path, len(cat.collections), len(cat.units), cat.Ligands(), len(cat.skipped))
	return cat, nil
}

// Parse reads a work list in the provided format.
func Parse(r io.Reader, format Format, opts Options) (*Catalog, error) {
	if opts.Prescreen && opts.PrescreenPerCollection <= 0 {
		return nil, errors.E(errors.Invalid, "prescreen mode requires a positive number of ligands per collection")
	}
	p := &parser{
		cat:   &Catalog{format: format},
		opts:  opts,
		index: make(map[string]int),
		seen:  make(map[string]int),
	}
	if opts.Prescreen {
		p.cat.prescreen = opts.PrescreenPerCollection
		p.opts.Filter = nil
	}
	var err error
	switch format {
	case Standard:
		err = p.standard(r)
	case FineGrained:
		err = p.fine(r)
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("unknown work list format %d", format))
	}
	if err != nil {
		return nil, err
	}
	return p.cat, nil
}

type parser struct {
	cat  *Catalog
	opts Options
	// index maps collection keys to their position in cat.collections.
	index map[string]int
	// seen maps keys to the line on which they were first seen.
	seen map[string]int
	// skip holds the keys of filtered collections.
	skip map[string]bool
}

// admit tells whether the collection with the provided key passes
// the catalog's filter, recording it as skipped otherwise.
func (p *parser) admit(key string) bool {
	if p.opts.Filter == nil {
		return true
	}
	tranche, _ := bigdock.SplitKey(key)
	if p.opts.Filter.MatchString(tranche) {
		return true
	}
	if p.skip == nil {
		p.skip = make(map[string]bool)
	}
	if !p.skip[key] {
		p.skip[key] = true
		p.cat.skipped = append(p.cat.skipped, key)
	}
	return false
}

func (p *parser) standard(r io.Reader) error {
	scan := bufio.NewScanner(r)
	scan.Buffer(nil, 1<<20)
	var lineno int
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return &FormatError{lineno, line, "expected collection key and ligand count"}
		}
		key := fields[0]
		count, err := strconv.Atoi(fields[1])
		if err != nil {
			return &FormatError{lineno, line, "invalid ligand count"}
		}
		if count <= 0 {
			return &FormatError{lineno, line, "ligand count must be positive"}
		}
		if prev, ok := p.seen[key]; ok {
			return &DuplicateKeyError{key, lineno, prev}
		}
		p.seen[key] = lineno
		if !p.admit(key) {
			continue
		}
		if n := p.cat.prescreen; n > 0 && count > n {
			count = n
		}
		p.cat.collections = append(p.cat.collections, bigdock.Collection{Key: key, Size: count})
		p.cat.units = append(p.cat.units, bigdock.WorkUnit{
			Collection: key,
			Count:      count,
			Index:      len(p.cat.units),
		})
	}
	return scan.Err()
}

func (p *parser) fine(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	for first := true; ; first = false {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if perr, ok := err.(*csv.ParseError); ok {
				return &FormatError{perr.Line, "", perr.Err.Error()}
			}
			return err
		}
		lineno, _ := cr.FieldPos(0)
		if first {
			if !isHeader(fields) {
				return &FormatError{lineno, strings.Join(fields, ","), "missing header " + strings.Join(fineHeader, ",")}
			}
			continue
		}
		if len(fields) != 3 {
			return &FormatError{lineno, strings.Join(fields, ","), "expected collection_name,collection_number,ligand"}
		}
		for _, f := range fields {
			if f == "" {
				return &FormatError{lineno, strings.Join(fields, ","), "empty field"}
			}
		}
		var (
			key    = fields[0] + "_" + fields[1]
			ligand = fields[2]
			id     = key + "/" + ligand
		)
		if prev, ok := p.seen[id]; ok {
			return &DuplicateKeyError{id, lineno, prev}
		}
		p.seen[id] = lineno
		if !p.admit(key) {
			continue
		}
		i, ok := p.index[key]
		if !ok {
			i = len(p.cat.collections)
			p.index[key] = i
			p.cat.collections = append(p.cat.collections, bigdock.Collection{Key: key})
		}
		c := &p.cat.collections[i]
		if n := p.cat.prescreen; n > 0 && c.Size >= n {
			continue
		}
		c.Size++
		p.cat.units = append(p.cat.units, bigdock.WorkUnit{
			Collection: key,
			Ligand:     ligand,
			Count:      1,
			Index:      len(p.cat.units),
		})
	}
}

func isHeader(fields []string) bool {
	if len(fields) != len(fineHeader) {
		return false
	}
	for i := range fields {
		if strings.TrimSpace(fields[i]) != fineHeader[i] {
			return false
		}
	}
	return true
}

// Format returns the format of the work list from which the catalog
// was read.
func (c *Catalog) Format() Format { return c.format }

// Prescreen returns the per-collection ligand limit of a prescreen
// catalog, or 0.
func (c *Catalog) Prescreen() int { return c.prescreen }

// Collections returns the catalog's collections in work list order.
// The returned slice must not be modified.
func (c *Catalog) Collections() []bigdock.Collection { return c.collections }

// Skipped returns the keys of the collections that were excluded by
// the catalog's filter, in work list order.
func (c *Catalog) Skipped() []string { return c.skipped }

// Len returns the number of work units in the catalog.
func (c *Catalog) Len() int { return len(c.units) }

// Ligands returns the total number of ligands in the catalog.
func (c *Catalog) Ligands() int {
	var n int
	for _, u := range c.units {
		n += u.Count
	}
	return n
}

// Units returns a new iterator over the catalog's work units.
func (c *Catalog) Units() *Iterator {
	return &Iterator{units: c.units}
}

// An Iterator enumerates work units in catalog order. Iterators are
// restartable, and may be positioned to resume an enumeration.
type Iterator struct {
	units []bigdock.WorkUnit
	pos   int
}

// Next returns the next work unit. ok is false when the enumeration
// is complete.
func (it *Iterator) Next() (unit bigdock.WorkUnit, ok bool) {
	if it.pos >= len(it.units) {
		return bigdock.WorkUnit{}, false
	}
	unit = it.units[it.pos]
	it.pos++
	return unit, true
}

// Seek positions the iterator after the first n work units.
func (it *Iterator) Seek(n int) {
	switch {
	case n < 0:
		n = 0
	case n > len(it.units):
		n = len(it.units)
	}
	it.pos = n
}

// Reset restarts the enumeration.
func (it *Iterator) Reset() {
	it.pos = 0
}
