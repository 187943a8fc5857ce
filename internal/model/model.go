// Package model содержит доменные сущности сервиса баллов.
package model

import "time"

// User представляет зарегистрированного пользователя с бонусным счётом.
type User struct {
	ID        string
	Name      string
	Points    int64
	CreatedAt time.Time
}

// ListingStatus описывает статус жизненного цикла объявления.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusFulfilled ListingStatus = "fulfilled"
	ListingStatusCancelled ListingStatus = "cancelled"
)

// Listing описывает объявление о помощи с ценой в баллах.
type Listing struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Category    string
	Price       string
	Lat         float64
	Lng         float64
	Radius      int64
	Status      ListingStatus
	FulfilledBy *string
	FulfilledAt *time.Time
	CreatedAt   time.Time
}

// Redemption описывает факт обмена баллов на вознаграждение. Запись неизменяема.
type Redemption struct {
	ID               string
	UserID           string
	ItemName         string
	PointsCost       int64
	ConfirmationCode string
	CreatedAt        time.Time
}

// RewardItem описывает позицию каталога вознаграждений.
type RewardItem struct {
	ID        string
	ItemName  string
	Cost      int64
	UpdatedAt time.Time
}

// Balance содержит текущий баланс пользователя в баллах.
type Balance struct {
	Points int64 `json:"points"`
}
