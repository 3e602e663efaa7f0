package worker

import (
	"context"
	"time"

	"rx-fulfillment/internal/broker"
	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/util"

	"go.uber.org/zap"
)

// MessageSource is a consumer of one topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SupplyEvents applies supply events to the inventory
type SupplyEvents interface {
	HandleStockReceived(ctx context.Context, event *models.StockReceivedEvent) error
	HandlePriceChanged(ctx context.Context, event *models.PriceChangedEvent) error
}

// SupplyWorker consumes procurement and pricing events
type SupplyWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewSupplyWorker creates a new supply worker
func NewSupplyWorker(consumer MessageSource, supply SupplyEvents) *SupplyWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnStockReceived(supply.HandleStockReceived)
	eventHandler.OnPriceChanged(supply.HandlePriceChanged)

	return &SupplyWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.ComponentLogger("supply-worker"),
	}
}

// Start starts the worker
func (w *SupplyWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting supply worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SupplyWorker) Stop() error {
	w.logger.Info("Stopping supply worker")
	return w.consumer.Close()
}

// Sweeper publishes alerts for batches nearing expiry
type Sweeper interface {
	SweepExpiring(ctx context.Context, windowDays int) (int, error)
}

// ExpiryWorker runs the expiry sweep on an interval
type ExpiryWorker struct {
	sweeper    Sweeper
	interval   time.Duration
	windowDays int
	logger     *zap.Logger
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(sweeper Sweeper, interval time.Duration, windowDays int) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpiryWorker{
		sweeper:    sweeper,
		interval:   interval,
		windowDays: windowDays,
		logger:     util.ComponentLogger("expiry-worker"),
	}
}

// Start sweeps immediately and then on every tick until ctx is done
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry worker",
		zap.Duration("interval", w.interval),
		zap.Int("window_days", w.windowDays))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping expiry worker")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	count, err := w.sweeper.SweepExpiring(ctx, w.windowDays)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Expiry sweep failed", zap.Error(err))
		}
		return
	}
	w.logger.Debug("Expiry sweep finished", zap.Int("published", count))
}
