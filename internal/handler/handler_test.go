package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/plshelp/points-system/internal/middleware"
	"github.com/plshelp/points-system/internal/model"
	"github.com/plshelp/points-system/internal/repository"
)

type stubService struct {
	registerUser *model.User
	registerErr  error

	balanceResp *model.Balance
	balanceErr  error

	chargeErr error

	completeErr error

	redemption   *model.Redemption
	remaining    int64
	redeemErr    error
	redeemCalled bool

	createdListing *model.Listing
	createErr      error

	listingResp *model.Listing
	listingErr  error

	listingsResp []model.Listing
	listingsErr  error

	redemptionsResp []model.Redemption
	redemptionsErr  error

	rewardsResp []model.RewardItem
	rewardsErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, id, name string) (*model.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubService) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) ChargeListing(ctx context.Context, callerID string, totalCost int64) error {
	return s.chargeErr
}

func (s *stubService) CompleteListing(ctx context.Context, callerID, listingID, fulfillerID string) error {
	return s.completeErr
}

func (s *stubService) RedeemItem(ctx context.Context, callerID string, pointsCost int64, itemName string) (*model.Redemption, int64, error) {
	s.redeemCalled = true
	return s.redemption, s.remaining, s.redeemErr
}

func (s *stubService) CreateListing(ctx context.Context, l *model.Listing) (*model.Listing, error) {
	return s.createdListing, s.createErr
}

func (s *stubService) GetListingByID(ctx context.Context, id string) (*model.Listing, error) {
	return s.listingResp, s.listingErr
}

func (s *stubService) GetActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.listingsResp, s.listingsErr
}

func (s *stubService) GetRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	return s.redemptionsResp, s.redemptionsErr
}

func (s *stubService) GetRewardItems(ctx context.Context) ([]model.RewardItem, error) {
	return s.rewardsResp, s.rewardsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authorizedRequest(t *testing.T, h *Handler, method, target string, body []byte) *http.Request {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	token, err := h.authMiddleware.IssueToken("user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUser: &model.User{ID: "user-1", Name: "Alice", Points: 500},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{UserID: "user-1", Name: "Alice"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp registerResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Points != 500 {
		t.Fatalf("points = %d, want 500", resp.Points)
	}
	if resp.Token == "" {
		t.Fatalf("token must not be empty")
	}
}

func TestRegister_MissingUserID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader([]byte(`{"name":"Alice"}`)))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestChargeListing_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body := []byte(`{"totalCost":150}`)
	req := httptest.NewRequest(http.MethodPost, "/api/listings/charge", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.ChargeListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestChargeListing_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/charge", []byte(`{"totalCost":150}`))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.ChargeListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp messageResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == "" {
		t.Fatalf("message must not be empty")
	}
}

func TestChargeListing_Insufficient(t *testing.T) {
	svc := &stubService{chargeErr: repository.ErrInsufficientPoints}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/charge", []byte(`{"totalCost":9000}`))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.ChargeListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "failed-precondition" {
		t.Fatalf("error code = %q, want failed-precondition", resp.Error)
	}
}

func TestChargeListing_NegativeCost(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/charge", []byte(`{"totalCost":-5}`))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.ChargeListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCompleteListing_PermissionDenied(t *testing.T) {
	svc := &stubService{completeErr: repository.ErrNotListingOwner}
	h := newTestHandler(t, svc)

	body := []byte(`{"listingId":"listing-1","fulfillerId":"user-2"}`)
	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/complete", body)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.CompleteListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "permission-denied" {
		t.Fatalf("error code = %q, want permission-denied", resp.Error)
	}
}

func TestCompleteListing_AlreadyFulfilled(t *testing.T) {
	svc := &stubService{completeErr: repository.ErrListingAlreadyFulfilled}
	h := newTestHandler(t, svc)

	body := []byte(`{"listingId":"listing-1","fulfillerId":"user-2"}`)
	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/complete", body)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.CompleteListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestCompleteListing_MissingArguments(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodPost, "/api/listings/complete", []byte(`{"listingId":"listing-1"}`))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.CompleteListing))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestRedeemItem_Success(t *testing.T) {
	svc := &stubService{
		redemption: &model.Redemption{
			ID:               "redemption-1",
			UserID:           "user-1",
			ItemName:         "Movie Ticket",
			PointsCost:       150,
			ConfirmationCode: "abc123def456g",
		},
		remaining: 350,
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"pointsCost":150,"itemName":"Movie Ticket"}`)
	req := authorizedRequest(t, h, http.MethodPost, "/api/rewards/redeem", body)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.RedeemItem))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp redeemResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RemainingPoints != 350 {
		t.Fatalf("remainingPoints = %d, want 350", resp.RemainingPoints)
	}
	if resp.ConfirmationCode != "abc123def456g" {
		t.Fatalf("confirmationCode = %q, want abc123def456g", resp.ConfirmationCode)
	}
}

func TestRedeemItem_ZeroCostRejected(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := []byte(`{"pointsCost":0,"itemName":"Movie Ticket"}`)
	req := authorizedRequest(t, h, http.MethodPost, "/api/rewards/redeem", body)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.RedeemItem))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if svc.redeemCalled {
		t.Fatalf("service must not be called for zero cost")
	}
}

func TestRedeemItem_MalformedBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodPost, "/api/rewards/redeem", []byte(`{bad json`))
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.RedeemItem))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetListings_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authorizedRequest(t, h, http.MethodGet, "/api/listings", nil)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.GetListings))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{balanceResp: &model.Balance{Points: 350}}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.GetBalance))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp model.Balance
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Points != 350 {
		t.Fatalf("points = %d, want 350", resp.Points)
	}
}

func TestGetBalance_UserNotFound(t *testing.T) {
	svc := &stubService{balanceErr: repository.ErrUserNotFound}
	h := newTestHandler(t, svc)

	req := authorizedRequest(t, h, http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	protected := h.authMiddleware.Middleware(http.HandlerFunc(h.GetBalance))
	protected.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
