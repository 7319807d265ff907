package server

import (
	"context"
	"sync"
	"time"

	"github.com/bryan-buckman/lipu/internal/engine"
	"github.com/sirupsen/logrus"
)

// pollTimeout bounds a single background refresh.
const pollTimeout = 10 * time.Minute

// Refresher is the part of the engine the poller drives.
type Refresher interface {
	Refresh(ctx context.Context) (engine.RefreshReport, error)
	WriteToDisk() error
}

// Poller refreshes the library on a fixed interval and saves after every
// successful refresh.
type Poller struct {
	lib      Refresher
	interval time.Duration
	log      logrus.FieldLogger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller.
func NewPoller(lib Refresher, interval time.Duration, log logrus.FieldLogger) *Poller {
	return &Poller{
		lib:      lib,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. The first refresh happens after one interval.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.poll()
			}
		}
	}()
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	report, err := p.lib.Refresh(ctx)
	if err != nil {
		p.log.WithError(err).Warn("background refresh failed")
		return
	}
	if err := p.lib.WriteToDisk(); err != nil {
		p.log.WithError(err).Error("save after background refresh failed")
		return
	}
	p.log.WithFields(logrus.Fields{
		"feeds":     report.Feeds,
		"new_items": report.NewItems,
	}).Info("background refresh complete")
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
