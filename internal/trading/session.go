package trading

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
)

func (m *Monitor) resolve(ctx context.Context, role string, accountID int64) (exchange.Credentials, error) {
	creds, ok, err := m.deps.Vault.GetAccountCredentials(ctx, accountID)
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("resolve %s credentials: %w", role, err)
	}
	if !ok || !creds.Valid() {
		return exchange.Credentials{}, fmt.Errorf("%w: %s account %d", ErrNoCredentials, role, accountID)
	}
	m.log.Info().
		Str("role", role).
		Int64("account_id", accountID).
		Str("source", creds.Source).
		Str("key", creds.Hint()).
		Msg("credentials resolved")
	return creds, nil
}

// build 解析凭证并创建两个账户的客户端与会话，handler 在连接前注册
func (m *Monitor) build(ctx context.Context, version int64) (target, donor account, err error) {
	tc, err := m.resolve(ctx, RoleTarget, m.cfg.TargetAccountID)
	if err != nil {
		return account{}, account{}, err
	}
	dc, err := m.resolve(ctx, RoleDonor, m.cfg.DonorAccountID)
	if err != nil {
		return account{}, account{}, err
	}

	target = account{
		client: m.deps.Factory.NewClient(RoleTarget, tc),
		feed:   m.deps.Factory.NewFeed(RoleTarget, tc),
	}
	donor = account{
		client: m.deps.Factory.NewClient(RoleDonor, dc),
		feed:   m.deps.Factory.NewFeed(RoleDonor, dc),
	}
	m.register(RoleTarget, target.feed)
	m.register(RoleDonor, donor.feed)
	target.feed.SetVersion(version)
	donor.feed.SetVersion(version)
	return target, donor, nil
}

// bind 把新客户端下发给所有持有 REST 客户端的组件
func (m *Monitor) bind(target, donor account) {
	m.mu.Lock()
	m.target, m.donor = target, donor
	m.mu.Unlock()

	m.engine.SetTrader(target.client)
	m.targetModes.SetProber(target.client)
	m.donorModes.SetProber(donor.client)
	if m.deps.Trailing != nil {
		m.deps.Trailing.SetClient(target.client)
	}
	if m.deps.Filters != nil {
		m.deps.Filters.SetSource(target.client)
	}
}

func (m *Monitor) register(role string, feed Feed) {
	switch role {
	case RoleTarget:
		feed.Handle(ws.TopicPosition, m.handler(role, ws.TopicPosition, m.onTargetPosition))
		feed.Handle(ws.TopicOrder, m.handler(role, ws.TopicOrder, m.onTargetOrder))
		feed.Handle(ws.TopicExecution, m.handler(role, ws.TopicExecution, m.onExecution(m.targetPos)))
		feed.Handle(ws.TopicWallet, m.handler(role, ws.TopicWallet, m.onWallet(role)))
	case RoleDonor:
		feed.Handle(ws.TopicPosition, m.handler(role, ws.TopicPosition, m.onDonorPosition))
		feed.Handle(ws.TopicExecution, m.handler(role, ws.TopicExecution, m.onExecution(m.donorPos)))
		feed.Handle(ws.TopicWallet, m.handler(role, ws.TopicWallet, m.onWallet(role)))
	}
	feed.SetFailureHooks(
		func(reason string) { m.onFeedFailure(role, reason) },
		func() { m.onFeedRecover(role) },
	)
	feed.SetEscalation(func(ctx context.Context, level ws.Escalation) {
		m.escalate(ctx, role, level)
	})
}

func (m *Monitor) connect(ctx context.Context, target, donor account) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := target.feed.Connect(gctx); err != nil {
			return fmt.Errorf("connect target feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := donor.feed.Connect(gctx); err != nil {
			return fmt.Errorf("connect donor feed: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	m.metrics.SetFeedConnected(true)
	return nil
}

func feedReady(f Feed) bool {
	return f != nil && f.State() == ws.StateAuthenticated
}

func feedStatus(f Feed) map[string]any {
	if f == nil {
		return map[string]any{"state": ws.StateDisconnected.String()}
	}
	return map[string]any{
		"state":         f.State().String(),
		"subscriptions": f.SubscriptionCount(),
		"failures":      f.ConsecutiveFailures(),
	}
}
