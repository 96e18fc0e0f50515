package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds the wait for the engine to exit after quit
const DefaultTimeout = 10 * time.Second

// Engine is stopped by the controller
type Engine interface {
	Quit(ctx context.Context, timeout time.Duration) error
}

// Controller owns the one-shot shutdown request. Once raised it never
// clears; the generation loop polls Requested between positions.
type Controller struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger

	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
	err       error
}

// NewController creates a controller for engine. A non-positive timeout
// uses DefaultTimeout.
func NewController(engine Engine, timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		engine:  engine,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Request raises the shutdown request without touching the engine
func (c *Controller) Request() {
	if c.requested.CompareAndSwap(false, true) {
		c.logger.Info("shutdown requested")
	}
}

// Requested reports whether shutdown has been requested
func (c *Controller) Requested() bool {
	return c.requested.Load()
}

// Done is closed once Shutdown has finished stopping the engine
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Shutdown raises the request, sends quit and waits up to the timeout
// before the engine is killed. Only the first call does any work; later
// calls wait for it and return its result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		defer close(c.done)
		c.Request()

		if c.engine == nil {
			return
		}

		// Bounded by c.timeout, not by the caller's cancellation.
		quitCtx := context.WithoutCancel(ctx)
		start := time.Now()
		c.err = c.engine.Quit(quitCtx, c.timeout)
		c.logger.Info("engine shut down", "elapsed", time.Since(start).Round(time.Millisecond))
	})

	<-c.done
	return c.err
}

// Listen blocks until one of signals arrives or ctx is done. A signal
// triggers Shutdown; after that the default signal behaviour is restored
// so a second interrupt ends the process outright.
func (c *Controller) Listen(ctx context.Context, signals ...os.Signal) error {
	return c.wait(ctx, notify(signals))
}

// Watch registers for signals before it returns and handles them in the
// background, as Listen does. The returned stop function ends the watch
// and waits for a signal-triggered Shutdown to finish; it returns that
// Shutdown's error and may be called more than once.
func (c *Controller) Watch(ctx context.Context, signals ...os.Signal) (stop func() error) {
	ch := notify(signals)

	watchCtx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	g.Go(func() error {
		return c.wait(watchCtx, ch)
	})

	return func() error {
		cancel()
		return g.Wait()
	}
}

func notify(signals []os.Signal) chan os.Signal {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	return ch
}

func (c *Controller) wait(ctx context.Context, ch chan os.Signal) error {
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		signal.Stop(ch)
		c.logger.Info("interrupt received", "signal", sig.String())
		return c.Shutdown(ctx)
	case <-ctx.Done():
		return nil
	}
}
