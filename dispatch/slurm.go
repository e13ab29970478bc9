// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
)

// A Commander runs external commands, returning their standard
// output.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is returned by ExecCommander when a command fails.
type CommandError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExecCommander runs commands as subprocesses.
type ExecCommander struct{}

// Run implements Commander.
func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{name, args, strings.TrimSpace(stderr.String()), err}
	}
	return out, nil
}

// SlurmOptions configures the Slurm backend.
type SlurmOptions struct {
	// Script is the batch script run for each subjob.
	Script string
	// Partition, if set, is the partition to which jobs are
	// submitted.
	Partition string
	// Throttle, if nonzero, limits the number of simultaneously
	// running subjobs of each array job.
	Throttle int
	// CPUs, MemoryMiB, and Timeout are the resources of each subjob.
	CPUs      int
	MemoryMiB int
	Timeout   time.Duration
	// Env is exported to every subjob.
	Env map[string]string
}

type slurm struct {
	cmd  Commander
	opts SlurmOptions
}

// NewSlurm returns a backend that runs batches as Slurm array jobs,
// using the provided Commander to run sbatch, sacct, and scancel.
func NewSlurm(cmd Commander, opts SlurmOptions) (Backend, error) {
	if opts.Script == "" {
		return nil, errors.E(errors.Invalid, "slurm: no batch script")
	}
	if cmd == nil {
		cmd = ExecCommander{}
	}
	return &slurm{cmd, opts}, nil
}

func (s *slurm) Name() string { return "slurm" }

func (s *slurm) Submit(ctx context.Context, req *Request) (bigdock.Handle, error) {
	n := len(req.Subjobs)
	if n == 0 {
		return bigdock.Handle{}, errors.E(errors.Invalid, "slurm: empty request")
	}
	array := fmt.Sprintf("0-%d", n-1)
	if s.opts.Throttle > 0 {
		array += fmt.Sprintf("%%%d", s.opts.Throttle)
	}
	export := []string{"ALL", EnvJob + "=" + req.Job, EnvManifest + "=" + req.Manifest}
	keys := make([]string, 0, len(s.opts.Env))
	for k := range s.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		export = append(export, k+"="+s.opts.Env[k])
	}
	args := []string{
		"--parsable",
		"--job-name=" + req.Name(),
		"--array=" + array,
		"--export=" + strings.Join(export, ","),
	}
	if s.opts.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", s.opts.CPUs))
	}
	if s.opts.MemoryMiB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", s.opts.MemoryMiB))
	}
	if s.opts.Timeout > 0 {
		args = append(args, fmt.Sprintf("--time=%d", int((s.opts.Timeout+time.Minute-1)/time.Minute)))
	}
	if s.opts.Partition != "" {
		args = append(args, "--partition="+s.opts.Partition)
	}
	args = append(args, s.opts.Script)
	out, err := s.cmd.Run(ctx, "sbatch", args...)
	if err != nil {
		return bigdock.Handle{}, slurmError(err)
	}
	// sbatch --parsable prints "jobid" or "jobid;cluster".
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return bigdock.Handle{}, errors.E(errors.Invalid, fmt.Sprintf("slurm: unexpected sbatch output %q", out))
	}
	h := req.handle(s.Name(), id)
	h.Submitted = time.Now()
	log.Printf("slurm: submitted %s: job %s (%d subjobs)", req.Name(), id, n)
	return h, nil
}

func (s *slurm) Poll(ctx context.Context, h bigdock.Handle) ([]Status, error) {
	out, err := s.cmd.Run(ctx, "sacct", "-n", "-P", "-X", "-j", h.ID, "--format=JobID,State,ExitCode")
	if err != nil {
		// Accounting may be unavailable for a while; this is never
		// taken as a failure of the job.
		return nil, errors.E(errors.Temporary, slurmError(err))
	}
	byIndex := make(map[int]Status)
	scan := bufio.NewScanner(bytes.NewReader(out))
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 3 {
			log.Error.Printf("slurm: %s: unexpected sacct output %q", h, line)
			continue
		}
		jobID, state, exit := fields[0], fields[1], fields[2]
		i := strings.IndexByte(jobID, '_')
		if i < 0 || jobID[:i] != h.ID {
			continue
		}
		// Pending ranges are reported as id_[0-9%2].
		index, err := strconv.Atoi(jobID[i+1:])
		if err != nil {
			continue
		}
		subjob := subjobAt(h, index)
		if subjob == "" {
			log.Error.Printf("slurm: %s: unexpected array index %d", h, index)
			continue
		}
		status := Status{Subjob: subjob, State: slurmState(state)}
		if status.State >= bigdock.Failed {
			status.Reason = state
		}
		if j := strings.IndexByte(exit, ':'); j > 0 {
			status.ExitCode, _ = strconv.Atoi(exit[:j])
		}
		// Requeued array tasks are reported once per run; the last
		// entry is current.
		byIndex[index] = status
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(byIndex))
	for index := range byIndex {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	statuses := make([]Status, len(indices))
	for i, index := range indices {
		statuses[i] = byIndex[index]
	}
	return statuses, nil
}

func (s *slurm) Cancel(ctx context.Context, h bigdock.Handle) error {
	_, err := s.cmd.Run(ctx, "scancel", h.ID)
	return slurmError(err)
}

// slurmState maps a Slurm job state to a subjob state.
func slurmState(state string) bigdock.State {
	// States may carry detail, as in "CANCELLED by 1000".
	if i := strings.IndexAny(state, " +"); i > 0 {
		state = state[:i]
	}
	switch state {
	case "RUNNING", "COMPLETING", "CONFIGURING", "STAGE_OUT":
		return bigdock.Running
	case "COMPLETED":
		return bigdock.Succeeded
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "DEADLINE":
		return bigdock.Failed
	case "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "CANCELLED", "REVOKED":
		return bigdock.Lost
	default:
		return bigdock.Submitted
	}
}

// transientSlurm are fragments of Slurm error messages that indicate
// a temporary condition of the controller or of the user's limits.
var transientSlurm = []string{
	"socket timed out",
	"unable to contact slurm controller",
	"temporarily unavailable",
	"try again",
	"qosmaxsubmitjob",
	"slurmctld",
}

func slurmError(err error) error {
	if err == nil || err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	cerr, ok := err.(*CommandError)
	if !ok {
		return err
	}
	if cerr.Err == exec.ErrNotFound {
		return errors.E(errors.NotSupported, err)
	}
	if perr, ok := cerr.Err.(*exec.Error); ok && perr.Err == exec.ErrNotFound {
		return errors.E(errors.NotSupported, err)
	}
	lower := strings.ToLower(cerr.Stderr)
	for _, frag := range transientSlurm {
		if strings.Contains(lower, frag) {
			return errors.E(errors.Temporary, err)
		}
	}
	if strings.Contains(lower, "invalid") || strings.Contains(lower, "batch job submission failed") {
		return errors.E(errors.Invalid, err)
	}
	return err
}
