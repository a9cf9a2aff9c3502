package exchange

import (
	"riskguard/pkg/utils"
)

// FeedFactory создаёт потоки цен с общей конфигурацией и hooks
type FeedFactory struct {
	cfg   FeedConfig
	hooks FeedHooks
	log   *utils.Logger
}

// NewFeedFactory создает фабрику потоков
func NewFeedFactory(cfg FeedConfig, log *utils.Logger) *FeedFactory {
	cfg.normalize()
	if log == nil {
		log = utils.L()
	}
	return &FeedFactory{cfg: cfg, log: log}
}

// SetHooks задаёт callbacks, которые получат все новые потоки
func (f *FeedFactory) SetHooks(h FeedHooks) {
	f.hooks = h
}

// Config возвращает нормализованную конфигурацию потоков
func (f *FeedFactory) Config() FeedConfig {
	return f.cfg
}

// NewFeed создаёт ещё не подключённый поток для символа
func (f *FeedFactory) NewFeed(symbol string) PriceStream {
	feed := NewPriceFeed(symbol, f.cfg, f.log)
	feed.SetHooks(f.hooks)
	return feed
}
