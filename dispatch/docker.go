// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ContainerAPI is the subset of the Docker client used by the Docker
// backend.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// DockerOptions configures the Docker backend.
type DockerOptions struct {
	// Image is the worker image.
	Image string
	// Command, if set, overrides the image's command.
	Command []string
	// Parallelism is the maximum number of subjob containers that run
	// concurrently.
	Parallelism int
	// CPUs and MemoryMiB limit the resources of each container.
	CPUs      int
	MemoryMiB int
	// Timeout, if nonzero, bounds the run time of each subjob.
	Timeout time.Duration
	// Binds are volume bindings, as in "/host/path:/container/path:ro".
	Binds []string
	// Env is added to each container's environment.
	Env []string
}

type docker struct {
	*procs
	api  ContainerAPI
	opts DockerOptions
}

// NewDocker returns a backend that runs each subjob in a Docker
// container. If api is nil, a client is configured from the
// environment.
func NewDocker(api ContainerAPI, opts DockerOptions) (Backend, error) {
	if opts.Image == "" {
		return nil, errors.E(errors.Invalid, "docker: no worker image")
	}
	if api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, errors.E(errors.NotSupported, "docker: client", err)
		}
		api = cli
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	d := &docker{api: api, opts: opts}
	d.procs = newProcs("docker", opts.Parallelism, d.run)
	return d, nil
}

func (d *docker) create(ctx context.Context, req *Request, index int) (string, error) {
	sj := req.Subjobs[index]
	cfg := &container.Config{
		Image: d.opts.Image,
		Cmd:   d.opts.Command,
		Env: append(append([]string(nil), d.opts.Env...),
			EnvJob+"="+req.Job,
			EnvManifest+"="+req.Manifest,
			EnvSubjob+"="+sj.ID,
			EnvArrayIndex+"="+strconv.Itoa(index),
		),
		Labels: map[string]string{
			"bigdock.job":    req.Job,
			"bigdock.subjob": sj.ID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: d.opts.Binds,
		Resources: container.Resources{
			NanoCPUs: int64(d.opts.CPUs) * 1e9,
			Memory:   int64(d.opts.MemoryMiB) << 20,
		},
	}
	name := fmt.Sprintf("bigdock-%s-%s-%d-%s", req.Job, req.Batch, req.Seq, sj.ID)
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := d.api.ImagePull(ctx, d.opts.Image, image.PullOptions{})
		if pullErr != nil {
			return "", pullErr
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		log.Debug.Printf("docker: %s: %s", sj.ID, w)
	}
	return resp.ID, nil
}

func (d *docker) run(ctx context.Context, req *Request, index int) (bigdock.State, string, int) {
	if d.opts.Timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	sj := req.Subjobs[index]
	id, err := d.create(ctx, req, index)
	if err != nil {
		log.Error.Printf("docker: %s: create: %v", sj.ID, err)
		return bigdock.Lost, "create: " + err.Error(), -1
	}
	// Containers are removed with a fresh context so that canceled and
	// timed out subjobs are cleaned up too.
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := d.api.ContainerRemove(rctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			log.Error.Printf("docker: %s: remove container %s: %v", sj.ID, id, err)
		}
	}()
	// Wait is registered before start so that no exit is missed.
	waitc, errc := d.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return bigdock.Lost, "start: " + err.Error(), -1
	}
	select {
	case resp := <-waitc:
		if resp.Error != nil && resp.Error.Message != "" {
			return bigdock.Lost, resp.Error.Message, -1
		}
		return containerState(resp.StatusCode)
	case err := <-errc:
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return bigdock.Failed, "timeout", -1
		case ctx.Err() != nil:
			return bigdock.Lost, "canceled", -1
		}
		return bigdock.Lost, "wait: " + err.Error(), -1
	}
}

// containerState maps a container's exit status to a subjob state.
// Containers killed by SIGKILL, usually by the OOM killer or the
// daemon, are lost rather than failed.
func containerState(code int64) (bigdock.State, string, int) {
	switch code {
	case 0:
		return bigdock.Succeeded, "", 0
	case 137:
		return bigdock.Lost, "killed", int(code)
	default:
		return bigdock.Failed, "exit status " + strconv.FormatInt(code, 10), int(code)
	}
}
