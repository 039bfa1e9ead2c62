package supervisor

import (
	"context"
	"sync"

	logger "github.com/sirupsen/logrus"

	"tradecore/src/dispatcher"
	"tradecore/src/keymanager"
	"tradecore/src/marketdata"
	"tradecore/src/strategy"
)

// Supervisor owns the live pipeline: venue bars flow through the ingestor to
// the strategy runtime, strategy signals to the dispatcher. One context
// cancels the whole tree. Shutdown closes the market-data intake first and
// the close cascades stage by stage, so orders in flight at cancel time
// still reconcile or quarantine before Run returns.
type Supervisor struct {
	ingestor   *marketdata.Ingestor
	runtime    *strategy.Runtime
	dispatcher *dispatcher.Dispatcher
	sweeper    *keymanager.Sweeper
	log        *logger.Entry
}

// New wires the pipeline. sweeper may be nil when the key manager is not
// running in this process.
func New(ingestor *marketdata.Ingestor, runtime *strategy.Runtime, dispatcher *dispatcher.Dispatcher, sweeper *keymanager.Sweeper) *Supervisor {
	return &Supervisor{
		ingestor:   ingestor,
		runtime:    runtime,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		log:        logger.WithField("component", "supervisor"),
	}
}

// Run starts every stage and blocks until ctx is cancelled and the pipeline
// has drained.
func (s *Supervisor) Run(ctx context.Context) {
	events, unsubscribe := s.ingestor.Subscribe("strategy_runtime")
	defer unsubscribe()

	s.log.Info("starting pipeline")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ingestor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runtime.Run(ctx, events)
	}()

	if s.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sweeper.Run(ctx)
		}()
	}

	// The dispatcher stops when the runtime closes the signal channel, not
	// on ctx directly: venue calls in flight at shutdown run to completion
	// so their outcomes land in the position book or the quarantine.
	s.dispatcher.Run(context.WithoutCancel(ctx), s.runtime.Signals())

	wg.Wait()
	s.log.Info("pipeline drained")
}
