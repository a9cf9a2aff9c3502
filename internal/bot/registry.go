package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/exchange"
)

// OrderSource - откуда реестр берёт открытые ордера
type OrderSource interface {
	GetOpenOrders(ctx context.Context) ([]*exchange.Order, error)
}

// OpenOrderRegistry - последний известный набор живых ордеров биржи
//
// Назначение:
// Отвечает на вопрос "есть ли у symbol+side живой защитный стоп"
// без запроса к бирже на каждый тик.
//
// Функции:
// - Refresh: заменить снимок целиком (только NEW / PARTIALLY_FILLED)
// - FindProtectiveStop: STOP или STOP_MARKET для symbol+side
// - ByID / Live: поиск и полный список
//
// Неудачный Refresh не трогает предыдущий снимок.
type OpenOrderRegistry struct {
	src OrderSource

	mu        sync.RWMutex
	orders    []*exchange.Order // порядок как у биржи
	byID      map[string]*exchange.Order
	updatedAt time.Time
}

// NewOpenOrderRegistry создает пустой реестр
func NewOpenOrderRegistry(src OrderSource) *OpenOrderRegistry {
	return &OpenOrderRegistry{
		src:  src,
		byID: make(map[string]*exchange.Order),
	}
}

// Refresh загружает открытые ордера и атомарно заменяет снимок
func (r *OpenOrderRegistry) Refresh(ctx context.Context) error {
	fetched, err := r.src.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("refresh open orders: %w", err)
	}

	orders := make([]*exchange.Order, 0, len(fetched))
	byID := make(map[string]*exchange.Order, len(fetched))
	for _, o := range fetched {
		if o == nil || !o.IsLive() {
			continue
		}
		cp := *o
		orders = append(orders, &cp)
		byID[cp.ID] = &cp
	}

	r.mu.Lock()
	r.orders = orders
	r.byID = byID
	r.updatedAt = time.Now()
	r.mu.Unlock()

	return nil
}

// FindProtectiveStop возвращает первый живой стоп для symbol+side или nil
func (r *OpenOrderRegistry) FindProtectiveStop(symbol, side string) *exchange.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.orders {
		if o.Symbol == symbol && o.PositionSide == side && o.IsProtective() {
			cp := *o
			return &cp
		}
	}
	return nil
}

// ByID возвращает ордер по id или nil
func (r *OpenOrderRegistry) ByID(id string) *exchange.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.byID[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// Live возвращает копию всех живых ордеров
func (r *OpenOrderRegistry) Live() []*exchange.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*exchange.Order, 0, len(r.orders))
	for _, o := range r.orders {
		cp := *o
		result = append(result, &cp)
	}
	return result
}

// UpdatedAt - время последнего успешного Refresh (zero до первого)
func (r *OpenOrderRegistry) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}
