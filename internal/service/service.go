// Package service реализует бизнес-логику сервиса баллов.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plshelp/points-system/internal/catalog"
	"github.com/plshelp/points-system/internal/model"
	"github.com/plshelp/points-system/internal/validation"
)

// StartingPoints — баланс, с которым создаётся новый пользователь.
const StartingPoints int64 = 500

// ErrNegativeCost возвращается, если стоимость объявления отрицательна.
var (
	ErrNegativeCost = errors.New("total cost must be a non-negative integer")
	// ErrInvalidRedeemCost возвращается, если стоимость обмена не является положительным числом.
	ErrInvalidRedeemCost = errors.New("points cost must be a positive integer")
	// ErrEmptyItemName возвращается, если не указано название вознаграждения.
	ErrEmptyItemName = errors.New("item name is required")
	// ErrEmptyListingRef возвращается, если не указан идентификатор объявления или исполнителя.
	ErrEmptyListingRef = errors.New("listing id and fulfiller id are required")
	// ErrEmptyUserID возвращается, если не указан идентификатор пользователя.
	ErrEmptyUserID = errors.New("user id is required")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, id, name string, startingPoints int64) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	DeductPoints(ctx context.Context, userID string, cost int64) error
	CompleteListing(ctx context.Context, listingID, callerID, fulfillerID string) error
	RedeemItem(ctx context.Context, userID, itemName string, cost int64, redemptionID, confirmationCode string) (*model.Redemption, int64, error)
	CreateListing(ctx context.Context, l *model.Listing) error
	GetListingByID(ctx context.Context, id string) (*model.Listing, error)
	GetActiveListings(ctx context.Context) ([]model.Listing, error)
	GetRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error)
	UpsertRewardItems(ctx context.Context, items []model.RewardItem) error
	GetRewardItems(ctx context.Context) ([]model.RewardItem, error)
}

// Service содержит бизнес-логику сервиса баллов.
type Service struct {
	repo          Repository
	catalogClient *catalog.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом каталога вознаграждений.
func NewService(repo Repository, catalogClient *catalog.Client) *Service {
	return &Service{
		repo:          repo,
		catalogClient: catalogClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя со стартовым балансом.
func (s *Service) RegisterUser(ctx context.Context, id, name string) (*model.User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyUserID
	}
	return s.repo.CreateUser(ctx, id, name, StartingPoints)
}

// GetBalance возвращает текущий баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Points: u.Points}, nil
}

// ChargeListing списывает стоимость размещения объявления с баланса пользователя.
// Само объявление здесь не создаётся: запись выполняется отдельной операцией CreateListing.
func (s *Service) ChargeListing(ctx context.Context, callerID string, totalCost int64) error {
	if totalCost < 0 {
		return ErrNegativeCost
	}
	return s.repo.DeductPoints(ctx, callerID, totalCost)
}

// CompleteListing закрывает объявление и переводит баллы исполнителю.
// Операцию может выполнить только владелец объявления.
func (s *Service) CompleteListing(ctx context.Context, callerID, listingID, fulfillerID string) error {
	if listingID == "" || fulfillerID == "" {
		return ErrEmptyListingRef
	}
	return s.repo.CompleteListing(ctx, listingID, callerID, fulfillerID)
}

// RedeemItem списывает баллы за вознаграждение и добавляет запись в историю обменов.
// Возвращает созданную запись и остаток баланса. Нулевая стоимость отклоняется.
func (s *Service) RedeemItem(ctx context.Context, callerID string, pointsCost int64, itemName string) (*model.Redemption, int64, error) {
	if pointsCost < 1 {
		return nil, 0, ErrInvalidRedeemCost
	}
	if strings.TrimSpace(itemName) == "" {
		return nil, 0, ErrEmptyItemName
	}

	redemptionID := uuid.NewString()
	confirmationCode := newConfirmationCode()

	return s.repo.RedeemItem(ctx, callerID, itemName, pointsCost, redemptionID, confirmationCode)
}

// Код подтверждения показывается пользователю как доказательство обмена.
func newConfirmationCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
}

// CreateListing сохраняет новое объявление со статусом active.
func (s *Service) CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error) {
	if !validation.IsValidListingPrice(l.Price) {
		return nil, validation.ErrMalformedPrice
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Status = model.ListingStatusActive

	if err := s.repo.CreateListing(ctx, l); err != nil {
		return nil, err
	}

	return l, nil
}

// GetListingByID возвращает объявление по идентификатору.
func (s *Service) GetListingByID(ctx context.Context, id string) (*model.Listing, error) {
	return s.repo.GetListingByID(ctx, id)
}

// GetActiveListings возвращает список активных объявлений.
func (s *Service) GetActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.repo.GetActiveListings(ctx)
}

// GetRedemptionsByUser возвращает историю обменов пользователя.
func (s *Service) GetRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	return s.repo.GetRedemptionsByUser(ctx, userID)
}

// GetRewardItems возвращает каталог вознаграждений.
func (s *Service) GetRewardItems(ctx context.Context) ([]model.RewardItem, error) {
	return s.repo.GetRewardItems(ctx)
}

// StartCatalogSync запускает фоновый процесс синхронизации каталога вознаграждений.
func (s *Service) StartCatalogSync(ctx context.Context) {
	if s.catalogClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncCatalog(ctx)
			}
		}
	}()
}

func (s *Service) syncCatalog(ctx context.Context) {
	items, statusCode, retryAfter, err := s.catalogClient.GetRewardItems(ctx)
	if err != nil {
		return
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		return
	}

	if len(items) == 0 {
		return
	}

	converted := make([]model.RewardItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" || item.Cost < 0 {
			continue
		}
		converted = append(converted, model.RewardItem{
			ID:       item.ID,
			ItemName: item.ItemName,
			Cost:     item.Cost,
		})
	}

	_ = s.repo.UpsertRewardItems(ctx, converted)
}
