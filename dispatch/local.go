// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
)

// LocalOptions configures the local process backend.
type LocalOptions struct {
	// Command is the worker command, run once for each subjob.
	Command []string
	// Parallelism is the maximum number of subjobs that run
	// concurrently.
	Parallelism int
	// Timeout, if nonzero, bounds the run time of each subjob.
	Timeout time.Duration
	// Env is added to each worker's environment.
	Env []string
	// Dir is the working directory of workers.
	Dir string
}

type local struct {
	*procs
	opts LocalOptions
}

// NewLocal returns a backend that runs each subjob as a local
// process.
func NewLocal(opts LocalOptions) (Backend, error) {
	if len(opts.Command) == 0 {
		return nil, errors.E(errors.Invalid, "local: no worker command")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	l := &local{opts: opts}
	l.procs = newProcs("local", opts.Parallelism, l.run)
	return l, nil
}

func (l *local) run(ctx context.Context, req *Request, index int) (bigdock.State, string, int) {
	if l.opts.Timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}
	sj := req.Subjobs[index]
	cmd := exec.CommandContext(ctx, l.opts.Command[0], l.opts.Command[1:]...)
	cmd.Dir = l.opts.Dir
	// Children of a killed worker may keep its output open.
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(), l.opts.Env...)
	cmd.Env = append(cmd.Env,
		EnvJob+"="+req.Job,
		EnvManifest+"="+req.Manifest,
		EnvSubjob+"="+sj.ID,
		EnvArrayIndex+"="+strconv.Itoa(index),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	switch {
	case err == nil:
		return bigdock.Succeeded, "", 0
	case ctx.Err() == context.DeadlineExceeded:
		return bigdock.Failed, "timeout", -1
	case ctx.Err() != nil:
		return bigdock.Lost, "canceled", -1
	}
	reason := lastLine(stderr.String())
	if eerr, ok := err.(*exec.ExitError); ok {
		if ws, ok := eerr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// Killed from outside, e.g., by the OOM killer.
			return bigdock.Lost, fmt.Sprintf("killed by %s", ws.Signal()), -1
		}
		code := eerr.ExitCode()
		if reason == "" {
			reason = fmt.Sprintf("exit status %d", code)
		}
		return bigdock.Failed, reason, code
	}
	log.Error.Printf("local: %s: %v", sj.ID, err)
	return bigdock.Failed, err.Error(), -1
}

// lastLine returns the last nonempty line of s.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
