package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy - ограниченный повтор, между попытками которого меняется состояние
//
// Назначение:
// Некоторые отказы биржи нельзя переждать - нужно изменить параметры запроса
// (например, понизить плечо и пересчитать объём). Policy отделяет:
// - ShouldRetry: какая ошибка лечится изменением состояния
// - Step: как изменить состояние перед следующей попыткой
// от самой операции, чтобы цикл повторов не жил внутри бизнес-метода.
//
// Использование:
//
//	p := retry.Policy[orderParams]{
//	    MaxAttempts: 10,
//	    ShouldRetry: func(err error, s orderParams) bool { return isLimit(err) && s.Leverage > 1 },
//	    Step:        lowerLeverage,
//	    Delay:       100 * time.Millisecond,
//	}
//	final, err := p.Run(ctx, initial, placeEntry)
type Policy[S any] struct {
	// MaxAttempts - общее число вызовов операции (0 = без лимита, выход только по ShouldRetry)
	MaxAttempts int

	// ShouldRetry получает ошибку и состояние, с которым она случилась
	ShouldRetry func(err error, state S) bool

	// Step вычисляет состояние для следующей попытки; ошибка Step прерывает цикл
	Step func(ctx context.Context, err error, state S) (S, error)

	// Delay - пауза после Step перед следующей попыткой
	Delay time.Duration

	// OnRetry вызывается после успешного Step
	OnRetry func(attempt int, err error, next S)
}

// Run вызывает op с initial и повторяет, пока ShouldRetry одобряет.
// Возвращает состояние последней попытки и её результат.
func (p Policy[S]) Run(ctx context.Context, initial S, op func(ctx context.Context, state S) error) (S, error) {
	state := initial

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		err := op(ctx, state)
		if err == nil {
			return state, nil
		}

		if p.ShouldRetry == nil || !p.ShouldRetry(err, state) {
			return state, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return state, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		next := state
		if p.Step != nil {
			var stepErr error
			next, stepErr = p.Step(ctx, err, state)
			if stepErr != nil {
				return state, fmt.Errorf("retry step failed: %w", stepErr)
			}
		}
		state = next

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, state)
		}

		if err := sleep(ctx, p.Delay); err != nil {
			return state, err
		}
	}
}
