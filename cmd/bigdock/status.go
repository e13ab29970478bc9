// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigdock"
	"github.com/grailbio/bigdock/exec"
)

func statusCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("status", flag.ExitOnError)
		common commonFlags
	)
	common.register(flags)
	must.Nil(flags.Parse(args))
	ctx := context.Background()
	config := common.load(ctx)
	sess, err := exec.Start(config)
	must.Nil(err)
	defer sess.Shutdown()
	counts, err := sess.Counts(ctx)
	must.Nil(err)
	var tw tabwriter.Writer
	tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
	fmt.Fprintf(&tw, "job %s:\n", config.JobName)
	for _, state := range []bigdock.State{
		bigdock.Pending, bigdock.Submitted, bigdock.Running,
		bigdock.Succeeded, bigdock.Failed, bigdock.Unrecoverable,
	} {
		fmt.Fprintf(&tw, "\t%s\t%d\n", state, counts[state])
	}
	must.Nil(tw.Flush())
}
