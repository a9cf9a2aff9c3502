package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация и нормализация торговых параметров
//
// Функции:
// - ValidateSymbol: проверка формата символа
// - ToBingXSymbol: приведение к формату BingX (BTC-USDT)
// - ValidatePositionSide: LONG или SHORT
// - ValidateLeverage: плечо в допустимом диапазоне

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]+([-_/][A-Za-z0-9]+)?$`)

// Котируемые валюты, которые умеет отделять ToBingXSymbol
var quoteCurrencies = []string{"USDT", "USDC"}

// ValidateSymbol проверяет символ: 2-30 символов, буквы/цифры и один разделитель
func ValidateSymbol(symbol string) error {
	if len(symbol) < 2 || len(symbol) > 30 {
		return fmt.Errorf("invalid symbol %q: length must be 2-30", symbol)
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol %q: unexpected characters", symbol)
	}
	return nil
}

// ToBingXSymbol приводит символ к виду BASE-QUOTE в верхнем регистре
//
// Примеры:
//   - "btcusdt" -> "BTC-USDT"
//   - "ETH/USDT" -> "ETH-USDT"
//   - "SOL_USDC" -> "SOL-USDC"
//   - "BTC-USDT" -> "BTC-USDT"
func ToBingXSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "-", "_", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote) + "-" + quote
		}
	}
	return s
}

// ValidatePositionSide проверяет сторону позиции
func ValidatePositionSide(side string) error {
	switch side {
	case "LONG", "SHORT":
		return nil
	default:
		return fmt.Errorf("invalid position side %q: must be LONG or SHORT", side)
	}
}

// ValidateLeverage проверяет плечо (1..maxLeverage)
func ValidateLeverage(leverage, maxLeverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", leverage)
	}
	if maxLeverage > 0 && leverage > maxLeverage {
		return fmt.Errorf("leverage %d exceeds maximum %d", leverage, maxLeverage)
	}
	return nil
}
