// Package decryptpool implements the Decrypt Pool (spec §4.7): a fixed set
// of worker goroutines that decrypt ciphertext buffers, pipelined through a
// reorder buffer so the orchestrator can flush to the Sink strictly in
// ascending segment-index order despite out-of-order completion.
package decryptpool

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/constants"
)

// Job is one unit of decrypt work.
type Job struct {
	ID        int
	Index     int
	Cipher    []byte
	Length    int64
	Mapping   codec.Mapping
}

// Result is a completed (or failed) decrypt job.
type Result struct {
	JobID     int
	Index     int
	Plaintext []byte
	Err       error
}

// Pool runs N workers, each initialized once with the fixed key material
// and block dims, pulling jobs off a shared channel.
type Pool struct {
	dims      codec.Dims
	baseNonce [constants.BaseNonceSize]byte
	key       []byte

	jobs    chan Job
	results chan Result

	wg sync.WaitGroup
}

// WorkerCount picks N = min(configured parallelism, hardware parallelism,
// segment count), per spec §4.7.
func WorkerCount(configured, segmentCount int) int {
	n := configured
	if hw := runtime.GOMAXPROCS(0); hw < n {
		n = hw
	}
	if segmentCount < n {
		n = segmentCount
	}
	if n < 1 {
		n = 1
	}
	return n
}

// New builds and starts a Pool with n workers. Close must be called once no
// more jobs will be submitted.
func New(n int, dims codec.Dims, baseNonce [constants.BaseNonceSize]byte, key []byte) *Pool {
	p := &Pool{
		dims:      dims,
		baseNonce: baseNonce,
		key:       key,
		jobs:      make(chan Job, n*constants.BackpressureMultiplier),
		results:   make(chan Result, n*constants.BackpressureMultiplier),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		plaintext, err := codec.DecryptSegment(p.dims, p.baseNonce, p.key, job.Cipher, job.Mapping, job.Length)
		if err != nil {
			err = fmt.Errorf("decryptpool: segment %d: %w", job.Index, err)
		}
		p.results <- Result{JobID: job.ID, Index: job.Index, Plaintext: plaintext, Err: err}
	}
}

// Submit enqueues a job. Blocks if every worker is busy and the queue is
// full — this is the pipeline's only backpressure; the orchestrator does not
// limit how many decrypted results wait unwritten in the reorder buffer.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Results returns the channel workers publish completed jobs on.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting new jobs and waits for in-flight workers to drain,
// then closes the results channel so a ranging consumer terminates cleanly.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}
