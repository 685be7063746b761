package trading

import (
	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
)

// ExchangeFactory 生产环境的客户端/会话工厂
type ExchangeFactory struct {
	REST exchange.Config
	WS   ws.Config
	Log  func(component string) zerolog.Logger
}

func (f ExchangeFactory) logger(component string) zerolog.Logger {
	if f.Log == nil {
		return zerolog.Nop()
	}
	return f.Log(component)
}

func (f ExchangeFactory) NewClient(role string, creds exchange.Credentials) RESTClient {
	return exchange.NewClient(f.REST, creds, f.logger("rest."+role))
}

func (f ExchangeFactory) NewFeed(role string, creds exchange.Credentials) Feed {
	return ws.NewSession(f.WS, creds, f.logger("feed."+role))
}
