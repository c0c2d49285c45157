// Package engine schedules claimed work: it polls the repository for
// fetchable topics, processable verifications, and deliverable
// subscriptions, and runs each claimed row on its own goroutine under a
// global concurrency cap.
package engine

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhub/relay/internal/deliver"
	"github.com/relayhub/relay/internal/fetch"
	"github.com/relayhub/relay/internal/state"
	"github.com/relayhub/relay/internal/verify"
)

// Options configures the Engine.
type Options struct {
	// ClaimLeaseSeconds bounds how long a claimed row stays invisible to
	// other claimants. Zero means 300.
	ClaimLeaseSeconds int
	// MaxConcurrent caps in-flight work units. Zero means 16.
	MaxConcurrent int
	// PollInterval is the base poll cadence. Zero means 3s.
	PollInterval time.Duration
	// PollJitter is added as random([0, jitter)) per cycle. Zero means 2s.
	PollJitter time.Duration
}

type taskKind int

const (
	taskFetch taskKind = iota
	taskVerification
	taskDelivery
)

type task struct {
	kind taskKind
	id   string
}

// Engine is the per-node scheduler. One instance runs per process; multiple
// processes cooperate through claim leases on the shared repository.
type Engine struct {
	repo      state.Repository
	fetcher   *fetch.Fetcher
	verifier  *verify.Verifier
	deliverer *deliver.Deliverer

	claimant     string
	leaseSeconds int
	pollInterval time.Duration
	pollJitter   time.Duration

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	done   chan struct{}
}

func New(repo state.Repository, fetcher *fetch.Fetcher, verifier *verify.Verifier, deliverer *deliver.Deliverer, opts Options) *Engine {
	if opts.ClaimLeaseSeconds <= 0 {
		opts.ClaimLeaseSeconds = 300
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollJitter < 0 {
		opts.PollJitter = 0
	} else if opts.PollJitter == 0 {
		opts.PollJitter = 2 * time.Second
	}

	return &Engine{
		repo:         repo,
		fetcher:      fetcher,
		verifier:     verifier,
		deliverer:    deliverer,
		claimant:     uuid.NewString(),
		leaseSeconds: opts.ClaimLeaseSeconds,
		pollInterval: opts.PollInterval,
		pollJitter:   opts.PollJitter,
		sem:          make(chan struct{}, opts.MaxConcurrent),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		e.run()
	}()
}

// Stop halts polling and waits for in-flight work to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.done
	e.wg.Wait()
}

func (e *Engine) run() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := e.pollInterval
		if e.pollJitter > 0 {
			interval += time.Duration(rand.Int64N(int64(e.pollJitter)))
		}

		timer.Reset(interval)
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}
		e.dispatch(context.Background())
	}
}

// dispatch claims up to the current headroom and launches one goroutine per
// claimed row.
func (e *Engine) dispatch(ctx context.Context) {
	wanted := cap(e.sem) - len(e.sem)
	if wanted <= 0 {
		return
	}

	for _, t := range e.workFeed(ctx, wanted) {
		e.sem <- struct{}{}
		e.wg.Add(1)
		go func(t task) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.process(ctx, t)
		}(t)
	}
}

// workFeed claims work in priority order: fetches first so content is
// current before fanout, then verifications, then deliveries.
func (e *Engine) workFeed(ctx context.Context, wanted int) []task {
	var tasks []task

	ids, err := e.repo.TopicFetchClaim(ctx, wanted, e.leaseSeconds, e.claimant)
	if err != nil {
		log.Printf("[engine] claim fetches: %v", err)
	}
	for _, id := range ids {
		tasks = append(tasks, task{kind: taskFetch, id: id})
	}

	if remaining := wanted - len(tasks); remaining > 0 {
		ids, err := e.repo.VerificationClaim(ctx, remaining, e.leaseSeconds, e.claimant)
		if err != nil {
			log.Printf("[engine] claim verifications: %v", err)
		}
		for _, id := range ids {
			tasks = append(tasks, task{kind: taskVerification, id: id})
		}
	}

	if remaining := wanted - len(tasks); remaining > 0 {
		ids, err := e.repo.SubscriptionDeliveryClaim(ctx, remaining, e.leaseSeconds, e.claimant)
		if err != nil {
			log.Printf("[engine] claim deliveries: %v", err)
		}
		for _, id := range ids {
			tasks = append(tasks, task{kind: taskDelivery, id: id})
		}
	}

	return tasks
}

func (e *Engine) process(ctx context.Context, t task) {
	var err error
	switch t.kind {
	case taskFetch:
		err = e.fetcher.Process(ctx, t.id)
	case taskVerification:
		err = e.verifier.Process(ctx, t.id)
	case taskDelivery:
		err = e.deliverer.Process(ctx, t.id)
	}
	if err != nil {
		log.Printf("[engine] task failed: %v", err)
	}
}

// ProcessTopicFetchByID claims one topic fetch and runs it inline. Losing
// the claim to another node is a silent no-op.
func (e *Engine) ProcessTopicFetchByID(ctx context.Context, topicID string) error {
	ok, err := e.repo.TopicFetchClaimByID(ctx, topicID, e.leaseSeconds, e.claimant)
	if err != nil || !ok {
		return err
	}
	return e.fetcher.Process(ctx, topicID)
}

// ProcessVerificationByID claims one verification and runs it inline. Losing
// the claim to another node is a silent no-op.
func (e *Engine) ProcessVerificationByID(ctx context.Context, verificationID string) error {
	ok, err := e.repo.VerificationClaimByID(ctx, verificationID, e.leaseSeconds, e.claimant)
	if err != nil || !ok {
		return err
	}
	return e.verifier.Process(ctx, verificationID)
}
