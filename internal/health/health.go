// Package health exposes liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	goroutineThreshold = 1000
	pingTimeout        = 2 * time.Second
)

var errShuttingDown = errors.New("shutting down")

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker is ready while the store answers and no shutdown has begun.
type Checker struct {
	handler      healthcheck.Handler
	shuttingDown atomic.Bool
}

// New builds the probes and publishes their results on reg.
func New(store Pinger, reg prometheus.Registerer) *Checker {
	c := &Checker{handler: healthcheck.NewMetricsHandler(reg, "userdir")}

	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	c.handler.AddReadinessCheck("shutdown", c.checkShutdown)
	c.handler.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return store.Ping(ctx)
	}, pingTimeout))

	return c
}

func (c *Checker) Handler() healthcheck.Handler {
	return c.handler
}

// StartShutdown makes readiness fail so load balancers drain the instance.
func (c *Checker) StartShutdown() {
	c.shuttingDown.Store(true)
}

func (c *Checker) checkShutdown() error {
	if c.shuttingDown.Load() {
		return errShuttingDown
	}
	return nil
}
