package job

import (
	"context"
	"sync"
	"time"

	"marketpay/internal/metrics"
	"marketpay/internal/realtime"
	"marketpay/internal/service"

	"go.uber.org/zap"
)

// Reconciler is the part of the recharge service the jobs drive.
type Reconciler interface {
	CheckStatus(ctx context.Context, outTradeNo string) (*service.StatusResult, error)
	Expire(ctx context.Context, outTradeNo string) (*service.StatusResult, error)
}

type pollTask struct {
	cancel context.CancelFunc
}

// ChargePoller polls the provider for each tracked charge until it reaches
// a terminal status, expiring it once maxAttempts checks have passed.
// Polling is owned by the backend; clients only observe results through
// the hub.
type ChargePoller struct {
	recon       Reconciler
	hub         *realtime.Hub
	interval    time.Duration
	maxAttempts int

	mu    sync.Mutex
	tasks map[string]*pollTask
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewChargePoller(recon Reconciler, hub *realtime.Hub, interval time.Duration, maxAttempts int) *ChargePoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChargePoller{
		recon:       recon,
		hub:         hub,
		interval:    interval,
		maxAttempts: maxAttempts,
		tasks:       make(map[string]*pollTask),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Track starts polling outTradeNo. Tracking a charge that is already being
// polled does nothing.
func (p *ChargePoller) Track(outTradeNo string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	if _, ok := p.tasks[outTradeNo]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	task := &pollTask{cancel: cancel}
	p.tasks[outTradeNo] = task

	p.wg.Add(1)
	go p.run(ctx, outTradeNo, task)
}

// Stop cancels polling of outTradeNo without expiring it.
func (p *ChargePoller) Stop(outTradeNo string) {
	p.mu.Lock()
	task, ok := p.tasks[outTradeNo]
	if ok {
		delete(p.tasks, outTradeNo)
	}
	p.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (p *ChargePoller) Tracking(outTradeNo string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[outTradeNo]
	return ok
}

// Shutdown cancels every task and waits for them to exit.
func (p *ChargePoller) Shutdown() {
	p.cancel()
	p.wg.Wait()
	zap.L().Info("charge poller stopped")
}

func (p *ChargePoller) run(ctx context.Context, outTradeNo string, task *pollTask) {
	metrics.ActivePollers.Inc()
	defer func() {
		metrics.ActivePollers.Dec()
		p.mu.Lock()
		if p.tasks[outTradeNo] == task {
			delete(p.tasks, outTradeNo)
		}
		p.mu.Unlock()
		task.cancel()
		p.wg.Done()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := p.recon.CheckStatus(ctx, outTradeNo)
		if err != nil {
			zap.L().Warn("poll charge status", zap.String("out_trade_no", outTradeNo), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			p.publish(res)
			if res.Final() {
				return
			}
		}

		if attempt >= p.maxAttempts {
			if ctx.Err() != nil {
				return
			}
			res, err := p.recon.Expire(ctx, outTradeNo)
			if err != nil {
				zap.L().Error("expire charge", zap.String("out_trade_no", outTradeNo), zap.Error(err))
				return
			}
			p.publish(res)
			zap.L().Info("charge polling exhausted",
				zap.String("out_trade_no", outTradeNo), zap.String("status", res.Status))
			return
		}
	}
}

func (p *ChargePoller) publish(res *service.StatusResult) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(realtime.StatusUpdate{
		OutTradeNo: res.OutTradeNo,
		Status:     res.Status,
		Paid:       res.Paid,
		Final:      res.Final(),
	})
}
