// Package handler содержит HTTP-обработчики API сервиса баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/plshelp/points-system/internal/middleware"
	"github.com/plshelp/points-system/internal/model"
	"github.com/plshelp/points-system/internal/repository"
	"github.com/plshelp/points-system/internal/service"
	"github.com/plshelp/points-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, id, name string) (*model.User, error)
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	ChargeListing(ctx context.Context, callerID string, totalCost int64) error
	CompleteListing(ctx context.Context, callerID, listingID, fulfillerID string) error
	RedeemItem(ctx context.Context, callerID string, pointsCost int64, itemName string) (*model.Redemption, int64, error)
	CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error)
	GetListingByID(ctx context.Context, id string) (*model.Listing, error)
	GetActiveListings(ctx context.Context) ([]model.Listing, error)
	GetRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error)
	GetRewardItems(ctx context.Context) ([]model.RewardItem, error)
}

// Handler реализует HTTP-обработчики API сервиса баллов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(),
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// errorStatus сопоставляет ошибку бизнес-логики с HTTP-статусом и кодом ошибки API.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, repository.ErrListingNotFound):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, repository.ErrNotListingOwner):
		return http.StatusForbidden, "permission-denied"
	case errors.Is(err, repository.ErrInsufficientPoints) ||
		errors.Is(err, repository.ErrListingAlreadyFulfilled) ||
		errors.Is(err, validation.ErrMalformedPrice):
		return http.StatusConflict, "failed-precondition"
	case errors.Is(err, repository.ErrUserExists) || errors.Is(err, repository.ErrListingExists):
		return http.StatusConflict, "already-exists"
	case errors.Is(err, service.ErrNegativeCost) ||
		errors.Is(err, service.ErrInvalidRedeemCost) ||
		errors.Is(err, service.ErrEmptyItemName) ||
		errors.Is(err, service.ErrEmptyListingRef) ||
		errors.Is(err, service.ErrEmptyUserID):
		return http.StatusBadRequest, "invalid-argument"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, status, code, "An unknown error occurred.")
		return
	}
	writeError(w, status, code, err.Error())
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-argument", "malformed request body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-argument", err.Error())
		return false
	}
	return true
}

func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "The request must be authenticated.")
		return "", false
	}
	return userID, true
}

type registerRequest struct {
	UserID string `json:"userId" validate:"required"`
	Name   string `json:"name"`
}

type registerResponse struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
	Token  string `json:"token"`
}

// Register регистрирует нового пользователя и выдаёт токен доступа.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req.UserID, req.Name)
	if err != nil {
		h.writeServiceError(w, err, "register user")
		return
	}

	token, err := h.authMiddleware.IssueToken(user.ID)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "An unknown error occurred.")
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		UserID: user.ID,
		Name:   user.Name,
		Points: user.Points,
		Token:  token,
	})
}

type chargeRequest struct {
	TotalCost int64 `json:"totalCost" validate:"gte=0"`
}

// ChargeListing списывает стоимость размещения объявления с баланса текущего пользователя.
func (h *Handler) ChargeListing(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req chargeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.ChargeListing(r.Context(), callerID, req.TotalCost); err != nil {
		h.writeServiceError(w, err, "charge listing")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Points deducted successfully!"})
}

type completeRequest struct {
	ListingID   string `json:"listingId" validate:"required"`
	FulfillerID string `json:"fulfillerId" validate:"required"`
}

// CompleteListing закрывает объявление текущего пользователя и переводит баллы исполнителю.
func (h *Handler) CompleteListing(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.CompleteListing(r.Context(), callerID, req.ListingID, req.FulfillerID); err != nil {
		h.writeServiceError(w, err, "complete listing")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Listing fulfilled and points transferred successfully!"})
}

type redeemRequest struct {
	PointsCost int64  `json:"pointsCost" validate:"required,gte=1"`
	ItemName   string `json:"itemName" validate:"required"`
}

type redeemResponse struct {
	Message          string `json:"message"`
	RedemptionID     string `json:"redemptionId"`
	ConfirmationCode string `json:"confirmationCode"`
	RemainingPoints  int64  `json:"remainingPoints"`
}

// RedeemItem обменивает баллы текущего пользователя на вознаграждение.
func (h *Handler) RedeemItem(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	redemption, remaining, err := h.service.RedeemItem(r.Context(), callerID, req.PointsCost, req.ItemName)
	if err != nil {
		h.writeServiceError(w, err, "redeem item")
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		Message:          "Item redeemed successfully!",
		RedemptionID:     redemption.ID,
		ConfirmationCode: redemption.ConfirmationCode,
		RemainingPoints:  remaining,
	})
}

type createListingRequest struct {
	Title       string  `json:"title" validate:"required"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       string  `json:"price" validate:"required"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Radius      int64   `json:"radius"`
}

type listingResponse struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       string  `json:"price"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Radius      int64   `json:"radius"`
	Status      string  `json:"status"`
	FulfilledBy *string `json:"fulfilledBy,omitempty"`
	FulfilledAt *string `json:"fulfilledAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toListingResponse(l *model.Listing) listingResponse {
	resp := listingResponse{
		ID:          l.ID,
		OwnerID:     l.OwnerID,
		Title:       l.Title,
		Description: l.Description,
		Category:    l.Category,
		Price:       l.Price,
		Lat:         l.Lat,
		Lng:         l.Lng,
		Radius:      l.Radius,
		Status:      string(l.Status),
		FulfilledBy: l.FulfilledBy,
		CreatedAt:   l.CreatedAt.Format(time.RFC3339),
	}
	if l.FulfilledAt != nil {
		v := l.FulfilledAt.Format(time.RFC3339)
		resp.FulfilledAt = &v
	}
	return resp
}

// CreateListing сохраняет новое объявление текущего пользователя.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req createListingRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if !validation.IsValidListingPrice(req.Price) {
		writeError(w, http.StatusBadRequest, "invalid-argument", validation.ErrMalformedPrice.Error())
		return
	}

	listing, err := h.service.CreateListing(r.Context(), &model.Listing{
		OwnerID:     callerID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Price:       req.Price,
		Lat:         req.Lat,
		Lng:         req.Lng,
		Radius:      req.Radius,
	})
	if err != nil {
		h.writeServiceError(w, err, "create listing")
		return
	}

	writeJSON(w, http.StatusCreated, toListingResponse(listing))
}

// GetListings возвращает список активных объявлений.
func (h *Handler) GetListings(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	listings, err := h.service.GetActiveListings(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "get listings")
		return
	}

	if len(listings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]listingResponse, 0, len(listings))
	for i := range listings {
		resp = append(resp, toListingResponse(&listings[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetListing возвращает объявление по идентификатору.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	listing, err := h.service.GetListingByID(r.Context(), listingIDFromRequest(r))
	if err != nil {
		h.writeServiceError(w, err, "get listing")
		return
	}

	writeJSON(w, http.StatusOK, toListingResponse(listing))
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), callerID)
	if err != nil {
		h.writeServiceError(w, err, "get balance")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type redemptionResponse struct {
	ID               string `json:"id"`
	ItemName         string `json:"itemName"`
	PointsCost       int64  `json:"pointsCost"`
	ConfirmationCode string `json:"confirmationCode"`
	CreatedAt        string `json:"createdAt"`
}

// GetRedemptions возвращает историю обменов текущего пользователя.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	redemptions, err := h.service.GetRedemptionsByUser(r.Context(), callerID)
	if err != nil {
		h.writeServiceError(w, err, "get redemptions")
		return
	}

	if len(redemptions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(redemptions))
	for _, rd := range redemptions {
		resp = append(resp, redemptionResponse{
			ID:               rd.ID,
			ItemName:         rd.ItemName,
			PointsCost:       rd.PointsCost,
			ConfirmationCode: rd.ConfirmationCode,
			CreatedAt:        rd.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type rewardItemResponse struct {
	ID       string `json:"id"`
	ItemName string `json:"itemName"`
	Cost     int64  `json:"cost"`
}

// GetRewardItems возвращает каталог вознаграждений.
func (h *Handler) GetRewardItems(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	items, err := h.service.GetRewardItems(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "get reward items")
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]rewardItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, rewardItemResponse{
			ID:       item.ID,
			ItemName: item.ItemName,
			Cost:     item.Cost,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
