package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - числовые утилиты для ордеров и стоп-лоссов
//
// Назначение:
// Округление количества и цен перед отправкой на биржу.
// Арифметика идёт через decimal, чтобы float-артефакты (0.30000000000000004)
// не попадали в параметры ордера и в журнал сделок.
//
// Функции:
// - FloorQuantity: округление количества ВНИЗ до N знаков
// - RoundPrice: округление цены к ближайшему с N знаками
// - FormatDecimal: строковое представление без экспоненты
// - QuantityForMargin: количество контракта из маржи и плеча

// QuantityDecimals - точность количества, с которой BingX принимает ордера
const QuantityDecimals = 4

// PriceDecimals - точность цены стопа после расчёта безубытка
const PriceDecimals = 8

// FloorQuantity округляет количество ВНИЗ до places знаков.
//
// Округление вниз гарантирует, что стоимость позиции не превысит
// маржу × плечо.
//
// Примеры:
//   - FloorQuantity(0.123456, 4) = 0.1234
//   - FloorQuantity(49.99999, 4) = 49.9999
func FloorQuantity(value float64, places int32) float64 {
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(value).RoundFloor(places).Float64()
	return f
}

// RoundPrice округляет цену к ближайшему значению с places знаками
func RoundPrice(value float64, places int32) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(value).Round(places).Float64()
	return f
}

// FormatDecimal форматирует число для параметров запроса
//
// В отличие от strconv.FormatFloat никогда не использует экспоненту
// (1e-05 -> "0.00001"), что BingX отвергает.
func FormatDecimal(value float64) string {
	return decimal.NewFromFloat(value).String()
}

// QuantityForMargin вычисляет количество контракта:
//
//	qty = floor(margin × leverage / price, QuantityDecimals)
//
// Возвращает 0 при неположительных входных данных.
func QuantityForMargin(margin float64, leverage int, price float64) float64 {
	if margin <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(margin).Mul(decimal.NewFromInt(int64(leverage)))
	qty, _ := notional.Div(decimal.NewFromFloat(price)).RoundFloor(QuantityDecimals).Float64()
	return qty
}

// Abs возвращает модуль числа
func Abs(x float64) float64 {
	return math.Abs(x)
}
