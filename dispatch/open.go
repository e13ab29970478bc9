// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigdock/dockconfig"
)

// Open returns the backend named by the configuration. The backend
// is selected once, at startup.
func Open(cfg *dockconfig.Config) (Backend, error) {
	switch cfg.Backend {
	case dockconfig.AWSBatch:
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
		if err != nil {
			return nil, errors.E(errors.Invalid, "awsbatch: session", err)
		}
		return NewAWSBatch(batch.New(sess), BatchOptions{
			Queues:        QueueNames(cfg.QueuePrefix, cfg.Queues),
			Selection:     selection(cfg.QueueSelection),
			JobDefinition: cfg.JobDefinition,
			VCPUs:         cfg.VCPUs,
			MemoryMiB:     cfg.MemoryMiB,
			Timeout:       cfg.Timeout,
			Env:           workerEnv(cfg),
		})
	case dockconfig.Slurm:
		return NewSlurm(ExecCommander{}, SlurmOptions{
			Script:    cfg.SlurmScript,
			Partition: cfg.SlurmPartition,
			Throttle:  cfg.SlurmThrottle,
			CPUs:      cfg.VCPUs,
			MemoryMiB: cfg.MemoryMiB,
			Timeout:   cfg.Timeout,
			Env:       workerEnv(cfg),
		})
	case dockconfig.Local:
		return NewLocal(LocalOptions{
			Command:     cfg.LocalCommand,
			Parallelism: cfg.LocalParallelism,
			Timeout:     cfg.Timeout,
			Env:         envList(workerEnv(cfg)),
		})
	case dockconfig.Docker:
		return NewDocker(nil, DockerOptions{
			Image:       cfg.DockerImage,
			Command:     cfg.LocalCommand,
			Parallelism: cfg.LocalParallelism,
			CPUs:        cfg.VCPUs,
			MemoryMiB:   cfg.MemoryMiB,
			Timeout:     cfg.Timeout,
			Binds:       cfg.DockerBinds,
			Env:         envList(workerEnv(cfg)),
		})
	default:
		return nil, errors.E(errors.NotSupported, "unknown backend "+strconv.Quote(cfg.Backend))
	}
}

func selection(s string) QueueSelection {
	if s == dockconfig.LeastLoaded {
		return LeastLoaded
	}
	return RoundRobin
}

// workerEnv returns the environment shared by all of a run's workers.
func workerEnv(cfg *dockconfig.Config) map[string]string {
	return map[string]string{
		"BIGDOCK_JOB_LETTER": cfg.JobLetter,
		"BIGDOCK_THREADS":    strconv.Itoa(cfg.Threads),
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}
