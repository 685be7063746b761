package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

func (m *Monitor) balanceLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.BalancePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.router.Paused() {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, m.cfg.BalancePollInterval)
			if err := m.pollBalances(pctx); err != nil {
				m.log.Warn().Err(err).Msg("balance poll failed")
			}
			cancel()
		}
	}
}

// pollBalances 拉取两个账户余额：更新复制比例与回撤，写余额快照
func (m *Monitor) pollBalances(ctx context.Context) error {
	target, donor := m.accounts()
	return errors.Join(
		m.pollBalance(ctx, RoleTarget, target.client, m.cfg.TargetAccountID),
		m.pollBalance(ctx, RoleDonor, donor.client, m.cfg.DonorAccountID),
	)
}

func (m *Monitor) pollBalance(ctx context.Context, role string, c RESTClient, accountID int64) error {
	if c == nil {
		return ErrNotStarted
	}
	bal, err := c.WalletBalance(ctx)
	if err != nil {
		m.deps.Governor.OnAPIFailure("wallet " + role)
		return fmt.Errorf("%s wallet: %w", role, err)
	}
	m.deps.Governor.OnAPISuccess()
	m.applyBalance(ctx, role, bal)
	m.snapshot(accountID, bal)
	return nil
}

func (m *Monitor) applyBalance(ctx context.Context, role string, bal exchange.Balance) {
	eq := bal.TotalEquity
	if eq <= 0 {
		return
	}
	switch role {
	case RoleTarget:
		m.targetEquity.Store(math.Float64bits(eq))
		m.deps.Governor.OnEquity(ctx, eq)
		m.metrics.SetRiskMode(int(m.deps.Governor.Mode()))
	case RoleDonor:
		m.donorEquity.Store(math.Float64bits(eq))
	}
	m.metrics.SetEquity(role, eq)
}

// snapshot 账户汇总一行，另按币种各一行
func (m *Monitor) snapshot(accountID int64, bal exchange.Balance) {
	ts := bal.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m.deps.Recorder.LogBalanceSnapshot(&models.BalanceSnapshot{
		AccountID: accountID,
		Asset:     "TOTAL",
		Free:      bal.AvailableBalance,
		Locked:    math.Max(bal.WalletBalance-bal.AvailableBalance, 0),
		Equity:    bal.TotalEquity,
		Ts:        ts,
	})
	for _, c := range bal.Coins {
		m.deps.Recorder.LogBalanceSnapshot(&models.BalanceSnapshot{
			AccountID: accountID,
			Asset:     c.Coin,
			Free:      math.Max(c.WalletBalance-c.Locked, 0),
			Locked:    c.Locked,
			Equity:    c.Equity,
			Ts:        ts,
		})
	}
}
