// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package address computes the storage locations of collection
// inputs and job outputs. Locations are object store keys or file
// system paths, depending on the prefix; the computation is pure and
// never touches storage.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigdock"
)

// Mode is an addressing mode.
type Mode int

const (
	// Hash addressing spreads objects across buckets derived from the
	// SHA-256 digest of their identifier, so that object store
	// request load is distributed across key prefixes.
	Hash Mode = iota
	// Hierarchical ("metatranche") addressing composes locations
	// directly from the identifier's own hierarchy.
	Hierarchical
)

var modes = [...]string{
	Hash:         "hash",
	Hierarchical: "metatranche",
}

// String returns the mode's configuration name.
func (m Mode) String() string {
	return modes[m]
}

// ParseMode returns the mode with the provided configuration name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "hash":
		return Hash, nil
	case "metatranche", "hierarchical":
		return Hierarchical, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown addressing mode %q", name))
}

// Resolve returns the location of the object with the provided
// identifier under the given mode and prefix.
func Resolve(identifier string, mode Mode, prefix string) string {
	return Resolver{mode, prefix}.Resolve(identifier)
}

// A Resolver resolves identifiers under a fixed mode and prefix.
// Resolvers are values; a run uses one for collection inputs and one
// for job outputs.
type Resolver struct {
	Mode   Mode
	Prefix string
}

// Resolve returns the location of the object with the provided
// identifier.
func (r Resolver) Resolve(identifier string) string {
	if r.Mode == Hash {
		h := hashOf(identifier)
		return r.join(h[0:2], h[2:4], identifier)
	}
	return r.join(identifier)
}

// CollectionPath returns the location of the input object of the
// collection with the provided key. Keys are expanded into their
// tranche and collection number: in hierarchical mode, collections
// are further grouped by metatranche (the first two letters of the
// tranche); in hash mode, the bucket is derived from the key.
func (r Resolver) CollectionPath(key, ext string) string {
	tranche, number := bigdock.SplitKey(key)
	name := tranche
	if number != "" {
		name = tranche + "/" + number
	}
	if ext != "" {
		name += "." + ext
	}
	if r.Mode == Hash {
		h := hashOf(key)
		return r.join(h[0:2], h[2:4], name)
	}
	meta := tranche
	if len(meta) > 2 {
		meta = meta[:2]
	}
	return r.join(meta, name)
}

// OutputPath returns the location of a subjob's output of the
// provided content type (for example, "results" or "logs") for the
// given scenario.
func (r Resolver) OutputPath(job, scenario, contentType, batch, subjob, ext string) string {
	return r.Resolve(strings.Join([]string{job, scenario, contentType, batch, subjob + "." + ext}, "/"))
}

// InputPath returns the location of the manifest staged for the
// seq'th submission of a batch.
func (r Resolver) InputPath(job, batch string, seq int) string {
	return r.Resolve(fmt.Sprintf("%s/input/%s/%d.json", job, batch, seq))
}

// SummaryPath returns the location of a scenario's summary with the
// provided name. Summaries are not hashed: they are few, and
// operators need to find them.
func (r Resolver) SummaryPath(job, scenario, name string) string {
	return r.join(job, scenario, name)
}

// OverviewPath returns the location of the job's overview.
func (r Resolver) OverviewPath(job string) string {
	return r.join(job, "overview.json")
}

func (r Resolver) join(elems ...string) string {
	if r.Prefix == "" {
		return file.Join(elems...)
	}
	return file.Join(append([]string{r.Prefix}, elems...)...)
}

func hashOf(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}
