// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdock/dockconfig"
	"github.com/grailbio/bigdock/exec"
)

// commonFlags are the flags shared by all commands.
type commonFlags struct {
	config  string
	backend string
	ledger  string
}

func (c *commonFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&c.config, "config", "", "path of the job's control file or YAML configuration")
	flags.StringVar(&c.backend, "backend", "", "compute backend, overriding the configured batchsystem")
	flags.StringVar(&c.ledger, "ledger", "", "path of the job's ledger, overriding the configured ledger_path")
}

// load loads and validates the configuration named by the flags.
func (c *commonFlags) load(ctx context.Context) *dockconfig.Config {
	if c.config == "" {
		log.Fatal("missing -config")
	}
	config, err := dockconfig.Load(ctx, c.config)
	must.Nil(err)
	if c.backend != "" || c.ledger != "" {
		if c.backend != "" {
			config.Backend = c.backend
		}
		if c.ledger != "" {
			config.LedgerPath = c.ledger
		}
		must.Nil(config.Validate())
	}
	return config
}

func runCmd(args []string) {
	var (
		flags       = flag.NewFlagSet("run", flag.ExitOnError)
		common      commonFlags
		console     = flags.Bool("status", false, "display run status on the console")
		httpAddress = flags.String("http", "", "address on which to serve run status at /debug/status")
		tracePath   = flags.String("trace", "", "path to which a trace of subjob attempts is written")
	)
	common.register(flags)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigdock run -config path [flags]\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	config := common.load(ctx)

	options := []exec.Option{}
	var top status.Status
	if *console || *httpAddress != "" {
		options = append(options, exec.Status(&top))
	}
	if *tracePath != "" {
		options = append(options, exec.TracePath(*tracePath))
	}
	if *console {
		var reporter status.Reporter
		go reporter.Go(os.Stdout, &top)
	}
	if *httpAddress != "" {
		http.Handle("/debug/status", status.Handler(&top))
		go func() {
			log.Printf("HTTP status at: %v", *httpAddress)
			if err := http.ListenAndServe(*httpAddress, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", *httpAddress, err)
			}
		}()
	}

	sess, err := exec.Start(config, options...)
	must.Nil(err)
	summary, err := sess.Run(ctx)
	sess.Shutdown()
	if summary != nil {
		_, werr := summary.WriteTo(os.Stdout)
		must.Nil(werr)
	}
	if err != nil {
		log.Fatal(err)
	}
	if err := summary.Err(); err != nil {
		log.Fatal(err)
	}
}

func planCmd(args []string) {
	var (
		flags  = flag.NewFlagSet("plan", flag.ExitOnError)
		common commonFlags
	)
	common.register(flags)
	must.Nil(flags.Parse(args))
	ctx := context.Background()
	sess, err := exec.Start(common.load(ctx))
	must.Nil(err)
	defer sess.Shutdown()
	must.Nil(sess.WritePlan(ctx, os.Stdout))
}
