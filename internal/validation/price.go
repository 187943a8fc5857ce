// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"strconv"
	"strings"
)

// Цена объявления хранится строкой: либо целое число баллов,
// либо одно из служебных значений без стоимости.
const (
	PriceFree  = "Free"
	PriceOther = "Other"
)

// ErrMalformedPrice возвращается, если цена объявления не является ни числом, ни служебным значением.
var ErrMalformedPrice = errors.New("malformed listing price")

// PointsForPrice возвращает количество баллов, соответствующее цене объявления.
// Для служебных значений PriceFree и PriceOther выплата равна нулю.
func PointsForPrice(price string) (int64, error) {
	price = strings.TrimSpace(price)

	if price == PriceFree || price == PriceOther {
		return 0, nil
	}

	v, err := strconv.ParseInt(price, 10, 64)
	if err != nil || v < 0 {
		return 0, ErrMalformedPrice
	}

	return v, nil
}

// IsValidListingPrice проверяет, что цена объявления корректна для сохранения.
func IsValidListingPrice(price string) bool {
	_, err := PointsForPrice(price)
	return err == nil
}
