package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// DefaultOrphanGraceDelay - пауза перед повторной проверкой кандидата
const DefaultOrphanGraceDelay = time.Second

// MonitoredSet - позиции под наблюдением (реализация: *PositionSupervisor)
type MonitoredSet interface {
	HasPosition(key string) bool
}

// OrphanGateway - операции биржи для сверки
type OrphanGateway interface {
	GetPositions(ctx context.Context) ([]*exchange.Position, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// OrphanReconciler ищет защитные ордера без позиции
//
// Назначение:
// Карта супервизора может отставать от биржи, поэтому кандидат
// подтверждается запросом позиций после паузы (graceRecheck).
// Подтверждённые сироты только сообщаются, по одному разу на symbol+side
// за время жизни процесса. Отмена - отдельное явное действие CancelOrphan.
type OrphanReconciler struct {
	gw       OrphanGateway
	registry *OpenOrderRegistry
	notifier Notifier
	grace    time.Duration
	log      *utils.Logger

	mu       sync.Mutex
	reported map[string]struct{}
}

// NewOrphanReconciler создает сверку
func NewOrphanReconciler(gw OrphanGateway, registry *OpenOrderRegistry, notifier Notifier, grace time.Duration, log *utils.Logger) *OrphanReconciler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = utils.L()
	}
	if grace < 0 {
		grace = 0
	}
	return &OrphanReconciler{
		gw:       gw,
		registry: registry,
		notifier: notifier,
		grace:    grace,
		log:      log.WithComponent("orphans"),
		reported: make(map[string]struct{}),
	}
}

// Reconcile сверяет живые защитные ордера с monitored и возвращает новых сирот
func (r *OrphanReconciler) Reconcile(ctx context.Context, monitored MonitoredSet) ([]*exchange.Order, error) {
	var candidates []*exchange.Order
	for _, o := range r.registry.Live() {
		if !o.IsProtective() || monitored.HasPosition(o.Key()) || r.wasReported(o.Key()) {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	confirmed, err := r.graceRecheck(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var orphans []*exchange.Order
	for _, o := range confirmed {
		if !r.markReported(o.Key()) {
			continue
		}
		orphans = append(orphans, o)
		OrphanOrders.Inc()

		r.log.Warn("orphan order found",
			utils.PositionKey(o.Key()),
			utils.OrderID(o.ID),
			utils.StopPrice(StopPriceOf(o)),
		)
		r.notifier.Notify(&models.Notification{
			Kind:         models.NotificationOrphanOrder,
			Severity:     models.SeverityWarn,
			Symbol:       o.Symbol,
			PositionSide: o.PositionSide,
			OrderID:      o.ID,
			Message: fmt.Sprintf("%s order %s has no open position (stop %s)",
				o.Type, o.ID, utils.FormatDecimal(StopPriceOf(o))),
			Meta: map[string]interface{}{"type": o.Type, "price": o.Price, "stop": o.StopPrice, "quantity": o.Quantity},
		})
	}

	return orphans, nil
}

// graceRecheck ждёт grace и оставляет кандидатов, у которых позиции нет и на бирже
func (r *OrphanReconciler) graceRecheck(ctx context.Context, candidates []*exchange.Order) ([]*exchange.Order, error) {
	if r.grace > 0 {
		timer := time.NewTimer(r.grace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	live, err := r.livePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphan recheck: %w", err)
	}

	confirmed := candidates[:0:0]
	for _, o := range candidates {
		if _, ok := live[o.Key()]; !ok {
			confirmed = append(confirmed, o)
		}
	}
	return confirmed, nil
}

func (r *OrphanReconciler) livePositions(ctx context.Context) (map[string]struct{}, error) {
	positions, err := r.gw.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if p != nil && p.Amount != 0 {
			live[p.Key()] = struct{}{}
		}
	}
	return live, nil
}

func (r *OrphanReconciler) wasReported(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reported[key]
	return ok
}

func (r *OrphanReconciler) markReported(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reported[key]; ok {
		return false
	}
	r.reported[key] = struct{}{}
	return true
}

// CancelOrphan отменяет ордер, если у него на бирже нет позиции
//
// Ордер ищется в последнем снимке реестра; позиция проверяется запросом к бирже.
func (r *OrphanReconciler) CancelOrphan(ctx context.Context, orderID string) error {
	o := r.registry.ByID(orderID)
	if o == nil {
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotFound)
	}

	live, err := r.livePositions(ctx)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if _, ok := live[o.Key()]; ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrNotOrphan)
	}

	if err := r.gw.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
		r.notifier.Notify(newEvent(models.NotificationError, o.Symbol, o.PositionSide,
			fmt.Sprintf("Failed to cancel orphan order %s: %v", o.ID, err), nil))
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}

	r.log.Info("orphan order cancelled", utils.PositionKey(o.Key()), utils.OrderID(o.ID))
	n := newEvent(models.NotificationOrphanOrder, o.Symbol, o.PositionSide,
		fmt.Sprintf("Cancelled orphan %s order %s", o.Type, o.ID), nil)
	n.OrderID = o.ID
	r.notifier.Notify(n)

	return nil
}
