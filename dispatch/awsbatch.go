// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/aws/aws-sdk-go/service/batch/batchiface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdock"
	"golang.org/x/sync/errgroup"
)

// describeBatchSize is the maximum number of jobs in a single
// DescribeJobs call.
const describeBatchSize = 100

// maxListPages bounds the number of ListJobs pages read when
// estimating queue load.
const maxListPages = 10

// QueueSelection determines how AWS Batch submissions are spread
// across queues.
type QueueSelection int

const (
	// RoundRobin cycles through the queues.
	RoundRobin QueueSelection = iota
	// LeastLoaded picks the queue with the fewest runnable jobs.
	LeastLoaded
)

// BatchOptions configures the AWS Batch backend.
type BatchOptions struct {
	// Queues are the job queues to which batches are submitted.
	Queues    []string
	Selection QueueSelection
	// JobDefinition is the name or ARN of the job definition used for
	// all subjobs.
	JobDefinition string
	// VCPUs, MemoryMiB, and Timeout are the resources of each
	// subjob.
	VCPUs     int
	MemoryMiB int
	Timeout   time.Duration
	// Env is added to the environment of every subjob.
	Env map[string]string
}

// QueueNames returns n queue names with the provided prefix,
// numbered from 1.
func QueueNames(prefix string, n int) []string {
	queues := make([]string, n)
	for i := range queues {
		queues[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return queues
}

type awsBatch struct {
	api  batchiface.BatchAPI
	opts BatchOptions

	mu   sync.Mutex
	next int
}

// NewAWSBatch returns a backend that runs batches as AWS Batch array
// jobs through the provided API client.
func NewAWSBatch(api batchiface.BatchAPI, opts BatchOptions) (Backend, error) {
	if len(opts.Queues) == 0 {
		return nil, errors.E(errors.Invalid, "awsbatch: no job queues")
	}
	if opts.JobDefinition == "" {
		return nil, errors.E(errors.Invalid, "awsbatch: no job definition")
	}
	return &awsBatch{api: api, opts: opts}, nil
}

func (b *awsBatch) Name() string { return "awsbatch" }

func (b *awsBatch) Submit(ctx context.Context, req *Request) (bigdock.Handle, error) {
	n := len(req.Subjobs)
	if n == 0 {
		return bigdock.Handle{}, errors.E(errors.Invalid, "awsbatch: empty request")
	}
	queue := b.queue(ctx)
	env := []*batch.KeyValuePair{
		{Name: aws.String(EnvJob), Value: aws.String(req.Job)},
		{Name: aws.String(EnvManifest), Value: aws.String(req.Manifest)},
	}
	for k, v := range b.opts.Env {
		env = append(env, &batch.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}
	input := &batch.SubmitJobInput{
		JobName:       aws.String(req.Name()),
		JobQueue:      aws.String(queue),
		JobDefinition: aws.String(b.opts.JobDefinition),
		ContainerOverrides: &batch.ContainerOverrides{
			Environment: env,
		},
		// Lost subjobs are resubmitted by the monitor, which keeps
		// track of attempts.
		RetryStrategy: &batch.RetryStrategy{Attempts: aws.Int64(1)},
	}
	if b.opts.VCPUs > 0 {
		input.ContainerOverrides.Vcpus = aws.Int64(int64(b.opts.VCPUs))
	}
	if b.opts.MemoryMiB > 0 {
		input.ContainerOverrides.Memory = aws.Int64(int64(b.opts.MemoryMiB))
	}
	if b.opts.Timeout > 0 {
		secs := int64(b.opts.Timeout / time.Second)
		if secs < 60 {
			secs = 60
		}
		input.Timeout = &batch.JobTimeout{AttemptDurationSeconds: aws.Int64(secs)}
	}
	// AWS Batch does not accept array jobs of size 1: such batches are
	// submitted as single jobs.
	if n > 1 {
		input.ArrayProperties = &batch.ArrayProperties{Size: aws.Int64(int64(n))}
	}
	out, err := b.api.SubmitJobWithContext(ctx, input)
	if err != nil {
		return bigdock.Handle{}, awsError(err)
	}
	h := req.handle(b.Name(), aws.StringValue(out.JobId))
	h.Submitted = time.Now()
	log.Printf("awsbatch: submitted %s to queue %s: job %s (%d subjobs)", req.Name(), queue, h.ID, n)
	return h, nil
}

func (b *awsBatch) queue(ctx context.Context) string {
	if len(b.opts.Queues) == 1 {
		return b.opts.Queues[0]
	}
	if b.opts.Selection == LeastLoaded {
		q, err := b.leastLoaded(ctx)
		if err == nil {
			return q
		}
		log.Error.Printf("awsbatch: estimating queue load: %v; falling back to round robin", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.opts.Queues[b.next%len(b.opts.Queues)]
	b.next++
	return q
}

// leastLoaded returns the queue with the fewest runnable jobs. Ties
// are broken by queue order.
func (b *awsBatch) leastLoaded(ctx context.Context) (string, error) {
	counts := make([]int, len(b.opts.Queues))
	g, ctx := errgroup.WithContext(ctx)
	for i := range b.opts.Queues {
		i := i
		g.Go(func() error {
			input := &batch.ListJobsInput{
				JobQueue:  aws.String(b.opts.Queues[i]),
				JobStatus: aws.String(batch.JobStatusRunnable),
			}
			for page := 0; page < maxListPages; page++ {
				out, err := b.api.ListJobsWithContext(ctx, input)
				if err != nil {
					return awsError(err)
				}
				counts[i] += len(out.JobSummaryList)
				if out.NextToken == nil {
					break
				}
				input.NextToken = out.NextToken
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	best := 0
	for i := range counts {
		if counts[i] < counts[best] {
			best = i
		}
	}
	return b.opts.Queues[best], nil
}

func (b *awsBatch) Poll(ctx context.Context, h bigdock.Handle) ([]Status, error) {
	array := len(h.Subjobs) > 1
	ids := []string{h.ID}
	if array {
		ids = make([]string, len(h.Subjobs))
		for i := range ids {
			ids[i] = fmt.Sprintf("%s:%d", h.ID, i)
		}
	}
	var (
		mu       sync.Mutex
		statuses []Status
		found    = make(map[string]bool)
		g, gctx  = errgroup.WithContext(ctx)
	)
	for i := 0; i < len(ids); i += describeBatchSize {
		j := i + describeBatchSize
		if j > len(ids) {
			j = len(ids)
		}
		chunk := ids[i:j]
		g.Go(func() error {
			out, err := b.api.DescribeJobsWithContext(gctx, &batch.DescribeJobsInput{
				Jobs: aws.StringSlice(chunk),
			})
			if err != nil {
				return awsError(err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, job := range out.Jobs {
				index, ok := arrayIndex(job, array)
				subjob := subjobAt(h, index)
				if !ok || subjob == "" {
					log.Error.Printf("awsbatch: %s: unexpected job %s", h, aws.StringValue(job.JobId))
					continue
				}
				found[subjob] = true
				statuses = append(statuses, jobStatus(subjob, job))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if array && len(found) < len(h.Subjobs) {
		// Children are not described if the array job itself failed
		// before they were created.
		out, err := b.api.DescribeJobsWithContext(ctx, &batch.DescribeJobsInput{
			Jobs: aws.StringSlice([]string{h.ID}),
		})
		if err != nil {
			return nil, awsError(err)
		}
		if len(out.Jobs) == 1 && aws.StringValue(out.Jobs[0].Status) == batch.JobStatusFailed {
			parent := out.Jobs[0]
			for _, subjob := range h.Subjobs {
				if !found[subjob] {
					statuses = append(statuses, Status{
						Subjob: subjob,
						State:  bigdock.Failed,
						Reason: "array job failed: " + aws.StringValue(parent.StatusReason),
					})
				}
			}
		}
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Subjob < statuses[j].Subjob
	})
	return statuses, nil
}

func (b *awsBatch) Cancel(ctx context.Context, h bigdock.Handle) error {
	_, err := b.api.TerminateJobWithContext(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(h.ID),
		Reason: aws.String("canceled by bigdock"),
	})
	return awsError(err)
}

// arrayIndex returns the array index of a job detail.
func arrayIndex(job *batch.JobDetail, array bool) (int, bool) {
	if !array {
		return 0, true
	}
	if job.ArrayProperties != nil && job.ArrayProperties.Index != nil {
		return int(aws.Int64Value(job.ArrayProperties.Index)), true
	}
	id := aws.StringValue(job.JobId)
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return 0, false
	}
	index, err := strconv.Atoi(id[i+1:])
	return index, err == nil
}

// lostReasons are (lower-cased) fragments of AWS Batch failure
// reasons that indicate that the job's host went away, rather than
// that the job failed.
var lostReasons = []string{
	"host ec2",
	"spot",
	"cannotinspectcontainererror",
	"dockertimeouterror",
	"resourceinitializationerror",
}

func jobStatus(subjob string, job *batch.JobDetail) Status {
	s := Status{Subjob: subjob}
	switch aws.StringValue(job.Status) {
	case batch.JobStatusStarting, batch.JobStatusRunning:
		s.State = bigdock.Running
	case batch.JobStatusSucceeded:
		s.State = bigdock.Succeeded
	case batch.JobStatusFailed:
		s.Reason = failureReason(job)
		s.State = bigdock.Failed
		if job.Container != nil && job.Container.ExitCode != nil {
			s.ExitCode = int(aws.Int64Value(job.Container.ExitCode))
		}
		lower := strings.ToLower(s.Reason)
		for _, frag := range lostReasons {
			if strings.Contains(lower, frag) {
				s.State = bigdock.Lost
				break
			}
		}
	default:
		s.State = bigdock.Submitted
	}
	return s
}

func failureReason(job *batch.JobDetail) string {
	var reasons []string
	add := func(r *string) {
		if v := aws.StringValue(r); v != "" {
			for _, have := range reasons {
				if have == v {
					return
				}
			}
			reasons = append(reasons, v)
		}
	}
	add(job.StatusReason)
	if job.Container != nil {
		add(job.Container.Reason)
	}
	if n := len(job.Attempts); n > 0 {
		last := job.Attempts[n-1]
		add(last.StatusReason)
		if last.Container != nil {
			add(last.Container.Reason)
		}
	}
	return strings.Join(reasons, "; ")
}

// awsError translates AWS errors into errors classified by their
// github.com/grailbio/base/errors kind and severity.
func awsError(err error) error {
	if err == nil {
		return nil
	}
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return errors.E(errors.Temporary, err)
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	switch aerr.Code() {
	case request.CanceledErrorCode:
		return errors.E(errors.Canceled, err)
	case batch.ErrCodeClientException:
		return errors.E(errors.Invalid, err)
	case batch.ErrCodeServerException:
		return errors.E(errors.Temporary, err)
	}
	if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() >= 500 {
		return errors.E(errors.Temporary, err)
	}
	return err
}
