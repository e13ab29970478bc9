// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dockconfig reads the configuration of a bigdock run. A
// configuration is read once, at startup, from either a control
// file (lines of key=value, with '#' comments) or a YAML file with
// the same keys. The resulting Config is validated and then shared,
// read-only, by every component of the run.
package dockconfig

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/address"
	"github.com/grailbio/bigdock/aggregate"
	"github.com/grailbio/bigdock/catalog"
	"github.com/grailbio/bigdock/partition"
	"github.com/grailbio/bigdock/retrypolicy"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	AWSBatch = "awsbatch"
	Slurm    = "slurm"
	Local    = "local"
	Docker   = "docker"
)

// Storage modes.
const (
	S3       = "s3"
	SharedFS = "sharedfs"
)

// Queue selection strategies.
const (
	RoundRobin  = "roundrobin"
	LeastLoaded = "leastloaded"
)

// MaxAWSArraySize is the largest array job accepted by AWS Batch.
const MaxAWSArraySize = 10000

// Config is the configuration of a run. A Config must not be
// modified once it has been validated.
type Config struct {
	// Path is the file from which the configuration was read.
	Path string

	JobName   string
	JobLetter string
	// Backend names the compute backend.
	Backend string

	// WorkList is the path of the work list; WorkListFormat its
	// format.
	WorkList       string
	WorkListFormat catalog.Format

	LigandsPerSubjob int
	SplitCollections bool
	ArraySize        int

	Queues         int
	QueuePrefix    string
	QueueSelection string
	JobDefinition  string
	Region         string

	// VCPUs, MemoryMiB, and Timeout are the resources of each
	// subjob.
	VCPUs     int
	MemoryMiB int
	Timeout   time.Duration
	// TimeoutGrace is added to Timeout before the monitor gives up on
	// a running subjob.
	TimeoutGrace time.Duration
	// QueueTimeout is the time after which a subjob that was
	// submitted but never reported running is considered lost.
	QueueTimeout time.Duration

	// Attempts is the number of times lost subjobs are resubmitted.
	Attempts      int
	RetryFailed   bool
	TimeoutAsLost bool

	SlurmThrottle  int
	SlurmPartition string
	SlurmScript    string

	LocalCommand     []string
	LocalParallelism int
	DockerImage      string
	// DockerBinds are host:container bind mounts for docker subjobs.
	DockerBinds []string

	// DataMode and DataPrefix locate collection inputs; JobMode and
	// JobPrefix locate job inputs and outputs.
	DataMode   address.Mode
	DataPrefix string
	JobMode    address.Mode
	JobPrefix  string

	Scenarios      []bigdock.Scenario
	SummaryFormats []string
	Attrs          []string

	Prescreen              bool
	PrescreenPerCollection int
	Filter                 bool
	FilterRegex            string

	// Threads is the number of docking threads a worker runs. It
	// defaults to twice the number of vCPUs.
	Threads      int
	PollInterval time.Duration
	LedgerPath   string

	filter *regexp.Regexp
}

// Load reads the configuration at the provided path, which may be
// any path supported by github.com/grailbio/base/file. Files with a
// .yaml or .yml extension are read as YAML; all others as control
// files.
func Load(ctx context.Context, path string) (*Config, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	var kv map[string]string
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		kv, err = parseYAML(f.Reader(ctx))
	default:
		kv, err = parseCtrl(f.Reader(ctx))
	}
	if err != nil {
		return nil, errors.E(errors.Invalid, "config", path, err)
	}
	config, err := New(kv)
	if err != nil {
		return nil, err
	}
	config.Path = path
	return config, nil
}

// Parse reads a control file from r.
func Parse(r io.Reader) (*Config, error) {
	kv, err := parseCtrl(r)
	if err != nil {
		return nil, errors.E(errors.Invalid, "config", err)
	}
	return New(kv)
}

// ParseYAML reads a YAML configuration from r.
func ParseYAML(r io.Reader) (*Config, error) {
	kv, err := parseYAML(r)
	if err != nil {
		return nil, errors.E(errors.Invalid, "config", err)
	}
	return New(kv)
}

func parseCtrl(r io.Reader) (map[string]string, error) {
	kv := make(map[string]string)
	scan := bufio.NewScanner(r)
	var lineno int
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("line %d: expected key=value: %q", lineno, line)
		}
		kv[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return kv, scan.Err()
}

func parseYAML(r io.Reader) (map[string]string, error) {
	var raw map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}
	kv := make(map[string]string, len(raw))
	for key, val := range raw {
		switch val := val.(type) {
		case nil:
		case []interface{}:
			elems := make([]string, len(val))
			for i, v := range val {
				elems[i] = fmt.Sprint(v)
			}
			kv[key] = strings.Join(elems, ",")
		case map[string]interface{}:
			return nil, fmt.Errorf("key %s: nested maps are not supported", key)
		default:
			kv[key] = fmt.Sprint(val)
		}
	}
	return kv, nil
}

// New returns a validated configuration from the provided key-value
// pairs. Defaults are applied to missing keys.
func New(kv map[string]string) (*Config, error) {
	r := &reader{kv: kv, used: make(map[string]bool)}
	c := new(Config)
	c.JobName = r.str("job_name", "")
	c.JobLetter = r.str("job_letter", "")
	c.Backend = r.str("batchsystem", AWSBatch)

	c.WorkList = r.str("todo_file", "")
	if format := r.str("todo_format", "standard"); r.err == nil {
		var err error
		c.WorkListFormat, err = catalog.ParseFormat(format)
		r.fail("todo_format", err)
	}
	c.LigandsPerSubjob = r.integer("dockings_per_subjob", 0)
	c.SplitCollections = r.boolean("split_collections", true)
	c.ArraySize = r.integer("array_job_size", 200)

	c.Queues = r.integer("aws_batch_number_of_queues", 1)
	c.QueuePrefix = r.str("aws_batch_queue_prefix", "")
	c.QueueSelection = r.str("queue_selection", RoundRobin)
	c.JobDefinition = r.str("aws_batch_job_definition", "")
	c.Region = r.str("aws_region", "us-east-1")
	c.VCPUs = r.integer("aws_batch_subjob_vcpus", 8)
	c.MemoryMiB = r.integer("aws_batch_subjob_memory", 15000)
	c.Timeout = r.seconds("aws_batch_subjob_timeout", 3*time.Hour)
	c.TimeoutGrace = r.seconds("timeout_grace", 10*time.Minute)
	c.QueueTimeout = r.seconds("queue_timeout", 24*time.Hour)
	c.Attempts = r.integer("aws_batch_array_job_attempts", 4)
	c.RetryFailed = r.boolean("retry_failed", false)
	c.TimeoutAsLost = r.boolean("timeout_as_lost", true)

	c.SlurmThrottle = r.integer("slurm_array_throttle", 0)
	c.SlurmPartition = r.str("slurm_partition", "")
	c.SlurmScript = r.str("slurm_script", "")

	c.LocalCommand = strings.Fields(r.str("local_command", ""))
	c.LocalParallelism = r.integer("local_parallelism", runtime.NumCPU())
	c.DockerImage = r.str("docker_image", "")
	c.DockerBinds = r.list("docker_binds", nil, ",")

	c.DataMode = r.mode("collection_addressing_mode", address.Hierarchical)
	c.JobMode = r.mode("job_addressing_mode", address.Hierarchical)
	switch mode := r.str("data_storage_mode", S3); mode {
	case S3:
		c.DataPrefix = s3Path(r.str("object_store_data_bucket", ""), r.str("object_store_data_collection_prefix", ""))
	case SharedFS:
		c.DataPrefix = r.str("sharedfs_collection_path", "")
	default:
		r.fail("data_storage_mode", fmt.Errorf("unknown storage mode %q", mode))
	}
	switch mode := r.str("job_storage_mode", S3); mode {
	case S3:
		c.JobPrefix = s3Path(r.str("object_store_job_bucket", ""), r.str("object_store_job_prefix", ""))
	case SharedFS:
		c.JobPrefix = r.str("sharedfs_workflow_path", "")
	default:
		r.fail("job_storage_mode", fmt.Errorf("unknown storage mode %q", mode))
	}

	names := r.list("docking_scenario_names", nil, ",:")
	replicas := r.list("docking_scenario_replicas", nil, ",:")
	for i, name := range names {
		s := bigdock.Scenario{Name: name, Replicas: 1}
		if i < len(replicas) {
			n, err := strconv.Atoi(replicas[i])
			if err != nil {
				r.fail("docking_scenario_replicas", err)
			}
			s.Replicas = n
		}
		c.Scenarios = append(c.Scenarios, s)
	}
	if len(replicas) > len(names) {
		r.fail("docking_scenario_replicas", fmt.Errorf("%d replica counts for %d scenarios", len(replicas), len(names)))
	}
	c.SummaryFormats = r.list("summary_formats", []string{aggregate.CSV}, ",:")
	c.Attrs = r.list("print_attrs_in_summary", []string{"smi"}, ",:")

	c.Prescreen = r.boolean("prescreen_mode", false)
	c.PrescreenPerCollection = r.integer("prescreen_ligands_per_tranche", 0)
	c.Filter = r.boolean("dynamic_tranche_filtering", false)
	c.FilterRegex = r.str("dynamic_tranche_filtering_regex", "")

	c.Threads = r.integer("threads_to_use", 2*c.VCPUs)
	c.PollInterval = r.seconds("poll_interval", 30*time.Second)
	c.LedgerPath = r.str("ledger_path", "")

	if r.err != nil {
		return nil, r.err
	}
	if unused := r.unused(); len(unused) > 0 {
		log.Debug.Printf("config: ignoring keys %s", strings.Join(unused, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func s3Path(bucket, prefix string) string {
	if bucket == "" {
		return ""
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "s3://" + bucket
	}
	return "s3://" + bucket + "/" + prefix
}

func invalid(key, format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("config: %s: %s", key, fmt.Sprintf(format, args...)))
}

// Validate checks the configuration for consistency. Validate
// returns an error of kind errors.Invalid describing the first
// problem found.
func (c *Config) Validate() error {
	switch {
	case c.JobName == "":
		return invalid("job_name", "missing")
	case strings.ContainsAny(c.JobName, "/ \t"):
		return invalid("job_name", "%q contains separators", c.JobName)
	case c.WorkList == "":
		return invalid("todo_file", "missing")
	case c.LigandsPerSubjob <= 0:
		return invalid("dockings_per_subjob", "must be positive, got %d", c.LigandsPerSubjob)
	case c.ArraySize <= 0:
		return invalid("array_job_size", "must be positive, got %d", c.ArraySize)
	case c.Attempts < 0:
		return invalid("aws_batch_array_job_attempts", "must not be negative, got %d", c.Attempts)
	case c.VCPUs <= 0:
		return invalid("aws_batch_subjob_vcpus", "must be positive, got %d", c.VCPUs)
	case c.MemoryMiB <= 0:
		return invalid("aws_batch_subjob_memory", "must be positive, got %d", c.MemoryMiB)
	case c.Timeout <= 0:
		return invalid("aws_batch_subjob_timeout", "must be positive")
	case c.QueueTimeout <= 0:
		return invalid("queue_timeout", "must be positive")
	case c.PollInterval <= 0:
		return invalid("poll_interval", "must be positive")
	case c.Threads <= 0:
		return invalid("threads_to_use", "must be positive, got %d", c.Threads)
	case c.JobPrefix == "":
		return invalid("job_storage_mode", "missing job store location")
	case c.DataPrefix == "":
		return invalid("data_storage_mode", "missing collection store location")
	case len(c.Scenarios) == 0:
		return invalid("docking_scenario_names", "missing")
	case c.Prescreen && c.PrescreenPerCollection <= 0:
		return invalid("prescreen_ligands_per_tranche", "must be positive in prescreen mode")
	}
	seen := make(map[string]bool)
	for _, s := range c.Scenarios {
		if s.Name == "" || strings.ContainsAny(s.Name, "/ \t") {
			return invalid("docking_scenario_names", "invalid scenario name %q", s.Name)
		}
		if seen[s.Name] {
			return invalid("docking_scenario_names", "duplicate scenario %s", s.Name)
		}
		seen[s.Name] = true
		if s.Replicas <= 0 {
			return invalid("docking_scenario_replicas", "scenario %s: must be positive, got %d", s.Name, s.Replicas)
		}
	}
	if len(c.SummaryFormats) == 0 {
		return invalid("summary_formats", "missing")
	}
	for _, format := range c.SummaryFormats {
		if !aggregate.ValidFormat(format) {
			return invalid("summary_formats", "unknown format %q", format)
		}
	}
	if err := aggregate.CheckAttrs(c.Attrs); err != nil {
		return invalid("print_attrs_in_summary", "%v", err)
	}
	if c.Filter {
		if c.FilterRegex == "" {
			return invalid("dynamic_tranche_filtering_regex", "missing")
		}
		re, err := regexp.Compile(c.FilterRegex)
		if err != nil {
			return invalid("dynamic_tranche_filtering_regex", "%v", err)
		}
		c.filter = re
	}
	switch c.Backend {
	case AWSBatch:
		switch {
		case c.QueuePrefix == "":
			return invalid("aws_batch_queue_prefix", "missing")
		case c.Queues <= 0:
			return invalid("aws_batch_number_of_queues", "must be positive, got %d", c.Queues)
		case c.JobDefinition == "":
			return invalid("aws_batch_job_definition", "missing")
		case c.ArraySize > MaxAWSArraySize:
			return invalid("array_job_size", "AWS Batch array jobs are limited to %d subjobs", MaxAWSArraySize)
		case c.QueueSelection != RoundRobin && c.QueueSelection != LeastLoaded:
			return invalid("queue_selection", "unknown strategy %q", c.QueueSelection)
		}
	case Slurm:
		switch {
		case c.SlurmScript == "":
			return invalid("slurm_script", "missing")
		case c.SlurmThrottle < 0:
			return invalid("slurm_array_throttle", "must not be negative, got %d", c.SlurmThrottle)
		}
	case Local:
		if len(c.LocalCommand) == 0 {
			return invalid("local_command", "missing")
		}
		if c.LocalParallelism <= 0 {
			return invalid("local_parallelism", "must be positive, got %d", c.LocalParallelism)
		}
	case Docker:
		if c.DockerImage == "" {
			return invalid("docker_image", "missing")
		}
		if c.LocalParallelism <= 0 {
			return invalid("local_parallelism", "must be positive, got %d", c.LocalParallelism)
		}
	default:
		return invalid("batchsystem", "unknown backend %q", c.Backend)
	}
	return nil
}

// CatalogOptions returns the catalog options of the run.
func (c *Config) CatalogOptions() catalog.Options {
	opts := catalog.Options{
		Prescreen:              c.Prescreen,
		PrescreenPerCollection: c.PrescreenPerCollection,
	}
	if c.Filter {
		opts.Filter = c.filter
	}
	return opts
}

// PartitionOptions returns the partitioning options of the run.
func (c *Config) PartitionOptions() partition.Options {
	return partition.Options{
		LigandsPerSubjob: c.LigandsPerSubjob,
		ArraySize:        c.ArraySize,
		Split:            c.SplitCollections,
	}
}

// DataResolver returns the resolver of collection inputs.
func (c *Config) DataResolver() address.Resolver {
	return address.Resolver{Mode: c.DataMode, Prefix: c.DataPrefix}
}

// JobResolver returns the resolver of job inputs and outputs.
func (c *Config) JobResolver() address.Resolver {
	return address.Resolver{Mode: c.JobMode, Prefix: c.JobPrefix}
}

// Policy returns the retry policy of the run.
func (c *Config) Policy() retrypolicy.Policy {
	p := retrypolicy.Default()
	p.Attempts = c.Attempts
	p.RetryFailed = c.RetryFailed
	return p
}

// MonitorTimeout returns the time after which a running subjob that
// has not completed is given up on.
func (c *Config) MonitorTimeout() time.Duration {
	return c.Timeout + c.TimeoutGrace
}

type reader struct {
	kv   map[string]string
	used map[string]bool
	err  error
}

func (r *reader) fail(key string, err error) {
	if err != nil && r.err == nil {
		r.err = invalid(key, "%v", err)
	}
}

func (r *reader) str(key, def string) string {
	r.used[key] = true
	if v, ok := r.kv[key]; ok && v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	r.fail(key, err)
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	switch v := strings.ToLower(r.str(key, "")); v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		r.fail(key, fmt.Errorf("invalid boolean %q", v))
		return def
	}
}

// seconds reads a duration, given either as a number of seconds or
// as a Go duration string.
func (r *reader) seconds(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	r.fail(key, err)
	return d
}

// list reads a list separated by any of the provided separators or
// whitespace.
func (r *reader) list(key string, def []string, seps string) []string {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	return strings.FieldsFunc(v, func(c rune) bool {
		return strings.ContainsRune(seps, c) || c == ' ' || c == '\t'
	})
}

func (r *reader) mode(key string, def address.Mode) address.Mode {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	m, err := address.ParseMode(v)
	r.fail(key, err)
	return m
}

func (r *reader) unused() []string {
	var keys []string
	for key := range r.kv {
		if !r.used[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
