package job

import (
	"context"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/infrastructure/lock"
	"marketpay/internal/model"
	"marketpay/internal/repository"
	"marketpay/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StaleRechargeJob sweeps recharges that are still waiting on a provider.
// Young ones are re-checked, ones older than the pending TTL are expired.
// With a redis client, a charge is only swept by the instance holding its
// reconcile lock.
type StaleRechargeJob struct {
	txnRepo     *repository.TransactionRepository
	redisClient *redis.Client
	holder      string
	recon       Reconciler
	poller      *ChargePoller
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewStaleRechargeJob(db *gorm.DB, redisClient *redis.Client, recon Reconciler, cfg *config.Config) *StaleRechargeJob {
	return &StaleRechargeJob{
		txnRepo:     repository.NewTransactionRepository(db),
		redisClient: redisClient,
		holder:      uuid.NewString(),
		recon:       recon,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   100,
		now:         time.Now,
	}
}

// SetPoller makes the sweep leave charges this instance is already polling
// to the poller until they are old enough to expire.
func (j *StaleRechargeJob) SetPoller(p *ChargePoller) {
	j.poller = p
}

func (j *StaleRechargeJob) Start(ctx context.Context) {
	zap.L().Info("stale recharge job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("stale recharge job exiting")
			return
		case <-j.stopCh:
			zap.L().Info("stale recharge job stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *StaleRechargeJob) Stop() {
	close(j.stopCh)
}

func (j *StaleRechargeJob) sweep(ctx context.Context) {
	now := j.now()
	recharges, err := j.txnRepo.ListStaleRecharges(ctx, now.Add(-j.cfg.Business.PollInterval), j.batchSize)
	if err != nil {
		zap.L().Error("list stale recharges", zap.Error(err))
		return
	}
	if len(recharges) == 0 {
		return
	}

	expireBefore := now.Add(-j.cfg.Business.PendingTTL)
	expired, completed := 0, 0
	for _, trans := range recharges {
		if trans.OutTradeNo == nil || trans.Method() == model.PaymentMethodManual {
			continue
		}
		outTradeNo := *trans.OutTradeNo
		expire := trans.CreatedAt.Before(expireBefore)
		if !expire && j.poller != nil && j.poller.Tracking(outTradeNo) {
			continue
		}

		res, err := j.reconcile(ctx, outTradeNo, expire)
		if err != nil {
			zap.L().Warn("reconcile stale recharge", zap.String("out_trade_no", outTradeNo), zap.Error(err))
			continue
		}
		switch {
		case res == nil:
		case res.Paid:
			completed++
		case res.Final():
			expired++
		}
	}
	zap.L().Info("stale recharge sweep",
		zap.Int("checked", len(recharges)), zap.Int("completed", completed), zap.Int("closed", expired))
}

// reconcile checks or expires one charge. It returns a nil result when
// another instance holds the charge's reconcile lock.
func (j *StaleRechargeJob) reconcile(ctx context.Context, outTradeNo string, expire bool) (*service.StatusResult, error) {
	if j.redisClient != nil {
		l := lock.NewReconcileLock(j.redisClient, outTradeNo, j.holder)
		ok, err := l.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		defer func() {
			if _, err := l.Unlock(context.Background()); err != nil {
				zap.L().Warn("release reconcile lock", zap.String("out_trade_no", outTradeNo), zap.Error(err))
			}
		}()
	}
	if expire {
		return j.recon.Expire(ctx, outTradeNo)
	}
	return j.recon.CheckStatus(ctx, outTradeNo)
}
