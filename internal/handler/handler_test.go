package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/medicare-system/internal/middleware"
	"github.com/mmeshcher/medicare-system/internal/model"
	"github.com/mmeshcher/medicare-system/internal/repository"
	"github.com/mmeshcher/medicare-system/internal/service"
	"github.com/mmeshcher/medicare-system/internal/session"
)

type stubService struct {
	signupErr error

	loginErr  error
	loginUser string

	catalogResp *service.CatalogPage
	catalogErr  error

	setQtyErr error

	addedToCart int
	addErr      error

	checkoutID  int64
	checkoutErr error

	ordersResp []model.Order
	ordersErr  error

	consultErr   error
	consultsResp []model.Consultation
	consultsErr  error
}

func (s *stubService) Signup(ctx context.Context, username, email, password string) error {
	return s.signupErr
}

func (s *stubService) Login(ctx context.Context, sess *session.Session, identity, password string) error {
	if s.loginErr != nil {
		return s.loginErr
	}
	sess.IsLoggedIn = true
	sess.CurrentUser = s.loginUser
	sess.CurrentPage = model.PageDashboard
	return nil
}

func (s *stubService) Logout(sess *session.Session) {
	sess.Reset()
}

func (s *stubService) BrowseMedicines(ctx context.Context, q service.CatalogQuery) (*service.CatalogPage, error) {
	return s.catalogResp, s.catalogErr
}

func (s *stubService) SetCartQuantity(ctx context.Context, sess *session.Session, medicineID int64, qty int) error {
	if s.setQtyErr != nil {
		return s.setQtyErr
	}
	sess.CartQuantities[medicineID] = qty
	return nil
}

func (s *stubService) ClearSelections(sess *session.Session) {
	sess.CartQuantities = map[int64]int{}
}

func (s *stubService) AddSelectedToCart(ctx context.Context, sess *session.Session) (int, error) {
	return s.addedToCart, s.addErr
}

func (s *stubService) UpdateCartItem(sess *session.Session, index, qty int) error {
	if index < 0 || index >= len(sess.Cart) {
		return service.ErrCartIndexOutOfRange
	}
	sess.Cart[index].Qty = qty
	return nil
}

func (s *stubService) RemoveCartItem(sess *session.Session, index int) error {
	if index < 0 || index >= len(sess.Cart) {
		return service.ErrCartIndexOutOfRange
	}
	sess.Cart = append(sess.Cart[:index], sess.Cart[index+1:]...)
	return nil
}

func (s *stubService) ClearCart(sess *session.Session) {
	sess.Cart = []model.CartItem{}
}

func (s *stubService) Checkout(ctx context.Context, sess *session.Session, address string) (int64, error) {
	return s.checkoutID, s.checkoutErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, username string) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) SubmitConsultation(ctx context.Context, username, symptoms, preferredTime string) error {
	return s.consultErr
}

func (s *stubService) GetConsultationsByUser(ctx context.Context, username string) ([]model.Consultation, error) {
	return s.consultsResp, s.consultsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	sessions := middleware.NewSessionMiddleware("test-secret", session.NewManager())

	return NewHandler(svc, logger, sessions)
}

// withSession подкладывает сессию в контекст запроса, минуя middleware.
func withSession(req *http.Request, sess *session.Session) *http.Request {
	return req.WithContext(middleware.WithSession(req.Context(), sess))
}

func guestSession() *session.Session {
	m := session.NewManager()
	_, sess := m.Create()
	return sess
}

func userSession(username string) *session.Session {
	sess := guestSession()
	sess.IsLoggedIn = true
	sess.CurrentUser = username
	sess.CurrentPage = model.PageDashboard
	return sess
}

func TestSignup_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	sess := guestSession()

	body, _ := json.Marshal(signupRequest{
		Username: "bob",
		Email:    "bob@x.com",
		Password: "Abcdef1!",
	})

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body)), sess)
	rec := httptest.NewRecorder()

	h.Signup(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if sess.CurrentPage != model.PageLogin {
		t.Fatalf("after signup page = %q, want login", sess.CurrentPage)
	}
}

func TestSignup_DuplicateUsername(t *testing.T) {
	h := newTestHandler(t, &stubService{signupErr: repository.ErrUserExists})

	body, _ := json.Marshal(signupRequest{Username: "bob", Email: "bob@x.com", Password: "Abcdef1!"})
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body)), guestSession())
	rec := httptest.NewRecorder()

	h.Signup(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if !strings.Contains(rec.Body.String(), "username exists") {
		t.Fatalf("body = %q, want username exists", rec.Body.String())
	}
}

func TestLogin_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{loginUser: "bob"})
	sess := guestSession()

	body, _ := json.Marshal(loginRequest{Login: "bob", Password: "Abcdef1!"})
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)), sess)
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User != "bob" || resp.Page != model.PageDashboard {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestLogin_RemainingAttempts(t *testing.T) {
	h := newTestHandler(t, &stubService{
		loginErr: &service.AuthError{Reason: "incorrect password", RemainingAttempts: 2},
	})

	body, _ := json.Marshal(loginRequest{Login: "bob", Password: "Wrong12!"})
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)), guestSession())
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), "2 attempts remaining") {
		t.Fatalf("body = %q, want remaining attempts message", rec.Body.String())
	}
}

func TestLogin_Locked(t *testing.T) {
	h := newTestHandler(t, &stubService{
		loginErr: &service.LockedError{RemainingMinutes: 4},
	})

	body, _ := json.Marshal(loginRequest{Login: "bob", Password: "Abcdef1!"})
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)), guestSession())
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusLocked {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusLocked)
	}
	if !strings.Contains(rec.Body.String(), "4 minutes") {
		t.Fatalf("body = %q, want lockout message", rec.Body.String())
	}
}

func TestAppState_GuestFallsBackToLanding(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	sess := guestSession()
	sess.CurrentPage = model.PageDashboard // гостю личный кабинет недоступен

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/app/state", nil), sess)
	rec := httptest.NewRecorder()

	h.AppState(rec, req)

	var resp appStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CurrentPage != model.PageLanding {
		t.Fatalf("page = %q, want landing", resp.CurrentPage)
	}
}

func TestAppState_LoggedInSeesDashboard(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	sess := userSession("bob")
	sess.CurrentPage = model.PageLogin // устаревший навигационный ключ

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/app/state", nil), sess)
	rec := httptest.NewRecorder()

	h.AppState(rec, req)

	var resp appStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CurrentPage != model.PageDashboard {
		t.Fatalf("page = %q, want dashboard", resp.CurrentPage)
	}
	if resp.CurrentUser != "bob" {
		t.Fatalf("user = %q, want bob", resp.CurrentUser)
	}
}

func TestNavigate(t *testing.T) {
	tests := []struct {
		name       string
		sess       *session.Session
		body       string
		wantStatus int
	}{
		{
			name:       "guest to login page",
			sess:       guestSession(),
			body:       `{"page":"login"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "guest to order page rejected",
			sess:       guestSession(),
			body:       `{"page":"order"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown page rejected",
			sess:       userSession("bob"),
			body:       `{"page":"admin"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "menu selection",
			sess:       userSession("bob"),
			body:       `{"menu":"Consult Doctor"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown menu rejected",
			sess:       userSession("bob"),
			body:       `{"menu":"Settings"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	h := newTestHandler(t, &stubService{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withSession(httptest.NewRequest(http.MethodPost, "/api/app/navigate", strings.NewReader(tt.body)), tt.sess)
			rec := httptest.NewRecorder()

			h.Navigate(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetMedicines_RequiresLogin(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/medicines", nil), guestSession())
	rec := httptest.NewRecorder()

	h.GetMedicines(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetMedicines_JSONResponse(t *testing.T) {
	future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	h := newTestHandler(t, &stubService{
		catalogResp: &service.CatalogPage{
			Items: []model.Medicine{
				{ID: 1, Name: "Paracetamol", Category: "Painkillers", Price: 25, Stock: 10, ExpiryDate: future},
			},
			TotalCount: 1,
			PageCount:  1,
			Categories: []string{"Painkillers"},
		},
	})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/medicines?search=para&sort=price", nil), userSession("bob"))
	rec := httptest.NewRecorder()

	h.GetMedicines(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp medicinesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Name != "Paracetamol" {
		t.Fatalf("unexpected items: %+v", resp.Items)
	}
	if !resp.Items[0].Addable {
		t.Fatalf("in-stock fresh medicine must be addable")
	}
}

func TestGetMedicines_AddableFollowsHandlerClock(t *testing.T) {
	catalogResp := &service.CatalogPage{
		Items: []model.Medicine{
			{ID: 1, Name: "Cetirizine", Category: "Allergy", Price: 5, Stock: 20, ExpiryDate: "2025-06-14"},
		},
		TotalCount: 1,
		PageCount:  1,
		Categories: []string{"Allergy"},
	}

	tests := []struct {
		name        string
		now         time.Time
		wantAddable bool
	}{
		{
			name:        "fresh relative to clock",
			now:         time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
			wantAddable: true,
		},
		{
			name:        "expired relative to clock",
			now:         time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			wantAddable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{catalogResp: catalogResp})
			h.now = func() time.Time { return tt.now }

			req := withSession(httptest.NewRequest(http.MethodGet, "/api/medicines", nil), userSession("bob"))
			rec := httptest.NewRecorder()

			h.GetMedicines(rec, req)

			var resp medicinesResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Items[0].Addable != tt.wantAddable {
				t.Fatalf("addable = %v, want %v", resp.Items[0].Addable, tt.wantAddable)
			}
		})
	}
}

func TestGetMedicines_InvalidSort(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/medicines?sort=rating", nil), userSession("bob"))
	rec := httptest.NewRecorder()

	h.GetMedicines(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetCart(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	sess := userSession("bob")
	sess.Cart = []model.CartItem{
		{Name: "A", Price: 10, Qty: 2},
		{Name: "B", Price: 5, Qty: 1},
	}

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/cart", nil), sess)
	rec := httptest.NewRecorder()

	h.GetCart(rec, req)

	var resp cartResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 25 || resp.TotalQty != 3 || len(resp.Items) != 2 {
		t.Fatalf("unexpected cart response: %+v", resp)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	h := newTestHandler(t, &stubService{checkoutErr: service.ErrEmptyCart})

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"address":"x"}`)), userSession("bob"))
	rec := httptest.NewRecorder()

	h.Checkout(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCheckout_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{checkoutID: 7})

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"address":"somewhere"}`)), userSession("bob"))
	rec := httptest.NewRecorder()

	h.Checkout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != 7 {
		t.Fatalf("order_id = %d, want 7", resp.OrderID)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/orders", nil), userSession("bob"))
	rec := httptest.NewRecorder()

	h.GetOrders(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetOrders_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	h := newTestHandler(t, &stubService{
		ordersResp: []model.Order{
			{
				ID:        7,
				User:      "bob",
				Address:   "somewhere",
				Total:     25,
				CreatedAt: now,
				Items: []model.OrderItem{
					{MedicineID: 1, MedicineName: "A", Qty: 2, Price: 10},
					{MedicineID: 2, MedicineName: "B", Qty: 1, Price: 5},
				},
			},
		},
	})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/orders", nil), userSession("bob"))
	rec := httptest.NewRecorder()

	h.GetOrders(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []orderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Total != 25 || len(resp[0].Items) != 2 {
		t.Fatalf("unexpected orders: %+v", resp)
	}
}

func TestLogout(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	sess := userSession("bob")

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/logout", nil), sess)
	rec := httptest.NewRecorder()

	h.Logout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if sess.IsLoggedIn || sess.CurrentPage != model.PageLanding {
		t.Fatalf("session must be reset: %+v", sess)
	}
}

func TestRouter_PanicRecovered(t *testing.T) {
	h := newTestHandler(t, &stubService{
		catalogErr: nil,
		catalogResp: &service.CatalogPage{
			Items: nil,
		},
	})

	// Паника в обработчике не должна ронять процесс.
	router := h.SetupRouter()
	router.Get("/api/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/panic", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "something went wrong") {
		t.Fatalf("body = %q, want generic failure message", rec.Body.String())
	}
}
