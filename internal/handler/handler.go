// Package handler содержит HTTP-обработчики API сервиса medicare.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/medicare-system/internal/catalog"
	"github.com/mmeshcher/medicare-system/internal/middleware"
	"github.com/mmeshcher/medicare-system/internal/model"
	"github.com/mmeshcher/medicare-system/internal/repository"
	"github.com/mmeshcher/medicare-system/internal/service"
	"github.com/mmeshcher/medicare-system/internal/session"
	"github.com/mmeshcher/medicare-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Signup(ctx context.Context, username, email, password string) error
	Login(ctx context.Context, sess *session.Session, identity, password string) error
	Logout(sess *session.Session)
	BrowseMedicines(ctx context.Context, q service.CatalogQuery) (*service.CatalogPage, error)
	SetCartQuantity(ctx context.Context, sess *session.Session, medicineID int64, qty int) error
	ClearSelections(sess *session.Session)
	AddSelectedToCart(ctx context.Context, sess *session.Session) (int, error)
	UpdateCartItem(sess *session.Session, index, qty int) error
	RemoveCartItem(sess *session.Session, index int) error
	ClearCart(sess *session.Session)
	Checkout(ctx context.Context, sess *session.Session, address string) (int64, error)
	GetOrdersByUser(ctx context.Context, username string) ([]model.Order, error)
	SubmitConsultation(ctx context.Context, username, symptoms, preferredTime string) error
	GetConsultationsByUser(ctx context.Context, username string) ([]model.Consultation, error)
}

// Handler реализует HTTP-обработчики API сервиса medicare.
type Handler struct {
	service           Service
	logger            *zap.Logger
	sessionMiddleware *middleware.SessionMiddleware

	// now подменяется в тестах; политика срока годности в ответах должна
	// совпадать с той, что применит сервис при добавлении в корзину.
	now func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, sessions *middleware.SessionMiddleware) *Handler {
	return &Handler{
		service:           s,
		logger:            logger,
		sessionMiddleware: sessions,
		now:               time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// currentSession достаёт сессию посетителя из контекста запроса.
func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

// requireUser дополнительно требует, чтобы посетитель был авторизован.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return nil, false
	}
	if !sess.IsLoggedIn {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	return sess, true
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup обрабатывает регистрацию нового пользователя.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return
	}

	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		var pwdErr *service.PasswordError
		switch {
		case errors.Is(err, repository.ErrUserExists):
			h.writeError(w, http.StatusConflict, "username exists")
		case errors.Is(err, service.ErrSignupFieldsRequired),
			errors.Is(err, service.ErrInvalidEmail),
			errors.As(err, &pwdErr):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("signup error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	// После успешной регистрации посетителя ведут на страницу входа.
	sess.CurrentPage = model.PageLogin
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	User    string        `json:"user"`
	Role    string        `json:"role"`
	Page    model.Page    `json:"page"`
	Profile model.Profile `json:"profile"`
}

// Login выполняет аутентификацию пользователя с учётом блокировки.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.Login(r.Context(), sess, req.Login, req.Password)
	if err != nil {
		var (
			authErr *service.AuthError
			locked  *service.LockedError
		)
		switch {
		case errors.As(err, &locked):
			h.writeError(w, http.StatusLocked, locked.Error())
		case errors.As(err, &authErr):
			h.writeError(w, http.StatusUnauthorized, authErr.Error())
		case errors.Is(err, validation.ErrMissingCredentials),
			errors.Is(err, validation.ErrUsernameTooShort),
			errors.Is(err, validation.ErrPasswordTooShort),
			errors.Is(err, validation.ErrMalformedEmail):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("login error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{
		User:    sess.CurrentUser,
		Role:    sess.CurrentRole,
		Page:    sess.CurrentPage,
		Profile: sess.Profile,
	})
}

// Logout сбрасывает сессию посетителя и возвращает его на лендинг.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return
	}

	h.service.Logout(sess)
	w.WriteHeader(http.StatusOK)
}

type appStateResponse struct {
	IsLoggedIn    bool           `json:"is_logged_in"`
	CurrentUser   string         `json:"current_user"`
	CurrentPage   model.Page     `json:"current_page"`
	DashboardMenu model.MenuItem `json:"dashboard_menu"`
	CartItems     int            `json:"cart_items"`
	CartTotal     float64        `json:"cart_total"`
}

// AppState возвращает представление маршрутизатора: какая страница действует
// для посетителя с учётом флага авторизации.
func (h *Handler) AppState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return
	}

	// Маршрутизатор: гость с неизвестной страницей возвращается на лендинг,
	// авторизованный видит либо страницу заказа, либо личный кабинет.
	if sess.IsLoggedIn {
		if sess.CurrentPage != model.PageOrder {
			sess.CurrentPage = model.PageDashboard
		}
	} else {
		switch sess.CurrentPage {
		case model.PageLanding, model.PageLogin, model.PageSignup:
		default:
			sess.CurrentPage = model.PageLanding
		}
	}

	h.writeJSON(w, http.StatusOK, appStateResponse{
		IsLoggedIn:    sess.IsLoggedIn,
		CurrentUser:   sess.CurrentUser,
		CurrentPage:   sess.CurrentPage,
		DashboardMenu: sess.DashboardMenu,
		CartItems:     len(sess.Cart),
		CartTotal:     sess.CartTotal(),
	})
}

type navigateRequest struct {
	Page *model.Page     `json:"page,omitempty"`
	Menu *model.MenuItem `json:"menu,omitempty"`
}

// Navigate изменяет навигационные ключи сессии. Значения вне закрытых наборов
// отклоняются; гостю доступны только страницы до входа.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.currentSession(w, r)
	if !ok {
		return
	}

	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Page != nil {
		page := *req.Page
		if !page.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown page")
			return
		}
		if !sess.IsLoggedIn {
			switch page {
			case model.PageLanding, model.PageLogin, model.PageSignup:
			default:
				h.writeError(w, http.StatusBadRequest, "page requires login")
				return
			}
		}
		sess.CurrentPage = page
	}

	if req.Menu != nil {
		menu := *req.Menu
		if !menu.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown menu item")
			return
		}
		if !sess.IsLoggedIn {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		sess.DashboardMenu = menu
	}

	w.WriteHeader(http.StatusOK)
}

type medicineResponse struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description"`
	Category             string  `json:"category"`
	Price                float64 `json:"price"`
	Stock                int     `json:"stock"`
	ExpiryDate           string  `json:"expiry_date,omitempty"`
	Manufacturer         string  `json:"manufacturer,omitempty"`
	RequiresPrescription bool    `json:"requires_prescription"`
	ExpiryStatus         string  `json:"expiry_status"`
	DaysUntilExpiry      *int    `json:"days_until_expiry,omitempty"`
	Addable              bool    `json:"addable"`
	PendingQty           int     `json:"pending_qty"`
}

type medicinesResponse struct {
	Items      []medicineResponse `json:"items"`
	TotalCount int                `json:"total_count"`
	PageCount  int                `json:"page_count"`
	Page       int                `json:"page"`
	Categories []string           `json:"categories"`
}

// GetMedicines возвращает страницу каталога по параметрам запроса.
// Срок годности и доступность к добавлению вычисляются на момент ответа.
func (h *Handler) GetMedicines(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()

	page := 1
	if v := query.Get("page"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = parsed
	}

	sortOrder := catalog.SortOrder(query.Get("sort"))
	if sortOrder == "" {
		sortOrder = catalog.SortByName
	}
	if !sortOrder.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid sort order")
		return
	}

	inStockOnly := true
	if v := query.Get("in_stock"); v != "" {
		inStockOnly = v == "true" || v == "1"
	}

	result, err := h.service.BrowseMedicines(r.Context(), service.CatalogQuery{
		Search:      query.Get("search"),
		Category:    query.Get("category"),
		InStockOnly: inStockOnly,
		Sort:        sortOrder,
		Page:        page - 1,
	})
	if err != nil {
		h.logger.Error("browse medicines error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	now := h.now()
	items := make([]medicineResponse, 0, len(result.Items))
	for _, med := range result.Items {
		status, days := catalog.StatusOf(med, now)

		item := medicineResponse{
			ID:                   med.ID,
			Name:                 med.Name,
			Description:          med.Description,
			Category:             med.Category,
			Price:                med.Price,
			Stock:                med.Stock,
			ExpiryDate:           med.ExpiryDate,
			Manufacturer:         med.Manufacturer,
			RequiresPrescription: med.RequiresPrescription,
			ExpiryStatus:         string(status),
			Addable:              status != catalog.ExpiryExpired && med.Stock > 0,
			PendingQty:           sess.CartQuantities[med.ID],
		}
		if status != catalog.ExpiryUnknown {
			d := days
			item.DaysUntilExpiry = &d
		}
		items = append(items, item)
	}

	h.writeJSON(w, http.StatusOK, medicinesResponse{
		Items:      items,
		TotalCount: result.TotalCount,
		PageCount:  result.PageCount,
		Page:       page,
		Categories: result.Categories,
	})
}

type quantityRequest struct {
	MedicineID int64 `json:"medicine_id"`
	Qty        int   `json:"qty"`
}

// SetQuantity запоминает отложенное количество для позиции каталога.
func (h *Handler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.SetCartQuantity(r.Context(), sess, req.MedicineID, req.Qty)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMedicineNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrMedicineUnavailable),
			errors.Is(err, service.ErrInvalidQuantity):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("set quantity error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClearSelections сбрасывает все отложенные количества.
func (h *Handler) ClearSelections(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	h.service.ClearSelections(sess)
	w.WriteHeader(http.StatusOK)
}

type addToCartResponse struct {
	Added int `json:"added"`
}

// AddToCart переносит отложенные количества в корзину.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	added, err := h.service.AddSelectedToCart(r.Context(), sess)
	if err != nil {
		if errors.Is(err, service.ErrNothingSelected) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("add to cart error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, addToCartResponse{Added: added})
}

type cartResponse struct {
	Items    []model.CartItem `json:"items"`
	TotalQty int              `json:"total_qty"`
	Total    float64          `json:"total"`
}

// GetCart возвращает текущую корзину. Сумма всегда пересчитывается заново.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	totalQty := 0
	for _, item := range sess.Cart {
		totalQty += item.Qty
	}

	h.writeJSON(w, http.StatusOK, cartResponse{
		Items:    sess.Cart,
		TotalQty: totalQty,
		Total:    sess.CartTotal(),
	})
}

type updateCartRequest struct {
	Qty int `json:"qty"`
}

func cartIndex(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "index"))
}

// UpdateCartItem изменяет количество позиции корзины.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	index, err := cartIndex(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateCartItem(sess, index, req.Qty); err != nil {
		switch {
		case errors.Is(err, service.ErrCartIndexOutOfRange):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrInvalidQuantity):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveCartItem удаляет позицию корзины.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	index, err := cartIndex(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemoveCartItem(sess, index); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClearCart опустошает корзину.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	h.service.ClearCart(sess)
	w.WriteHeader(http.StatusOK)
}

type checkoutRequest struct {
	Address string `json:"address"`
}

type checkoutResponse struct {
	OrderID int64 `json:"order_id"`
}

// Checkout превращает корзину посетителя в заказ.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orderID, err := h.service.Checkout(r.Context(), sess, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyCart),
			errors.Is(err, service.ErrAddressRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			// Корзина сохранена, пользователь может повторить попытку.
			h.logger.Error("checkout error", zap.Error(err), zap.String("user", sess.CurrentUser))
			h.writeError(w, http.StatusInternalServerError, "failed to place order, please try again later")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, checkoutResponse{OrderID: orderID})
}

type orderItemResponse struct {
	MedicineID   int64   `json:"medicine_id"`
	MedicineName string  `json:"medicine_name"`
	Qty          int     `json:"qty"`
	Price        float64 `json:"price"`
	ExpiryDate   string  `json:"expiry_date,omitempty"`
}

type orderResponse struct {
	ID        int64               `json:"id"`
	Address   string              `json:"address"`
	Total     float64             `json:"total"`
	CreatedAt string              `json:"created_at"`
	Items     []orderItemResponse `json:"items"`
}

// GetOrders возвращает заказы текущего пользователя, новые первыми.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), sess.CurrentUser)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("user", sess.CurrentUser))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		items := make([]orderItemResponse, 0, len(o.Items))
		for _, item := range o.Items {
			items = append(items, orderItemResponse{
				MedicineID:   item.MedicineID,
				MedicineName: item.MedicineName,
				Qty:          item.Qty,
				Price:        item.Price,
				ExpiryDate:   item.ExpiryDate,
			})
		}
		resp = append(resp, orderResponse{
			ID:        o.ID,
			Address:   o.Address,
			Total:     o.Total,
			CreatedAt: o.CreatedAt.Format(time.RFC3339),
			Items:     items,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type consultationRequest struct {
	Symptoms      string `json:"symptoms"`
	PreferredTime string `json:"preferred_time"`
}

// SubmitConsultation принимает заявку на консультацию врача.
func (h *Handler) SubmitConsultation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req consultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.SubmitConsultation(r.Context(), sess.CurrentUser, req.Symptoms, req.PreferredTime)
	if err != nil {
		if errors.Is(err, service.ErrConsultationFields) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("submit consultation error", zap.Error(err), zap.String("user", sess.CurrentUser))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type consultationResponse struct {
	Symptoms      string `json:"symptoms"`
	PreferredTime string `json:"preferred_time"`
	CreatedAt     string `json:"created_at"`
}

// GetConsultations возвращает историю заявок пользователя, новые первыми.
func (h *Handler) GetConsultations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	consultations, err := h.service.GetConsultationsByUser(r.Context(), sess.CurrentUser)
	if err != nil {
		h.logger.Error("get consultations error", zap.Error(err), zap.String("user", sess.CurrentUser))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(consultations) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]consultationResponse, 0, len(consultations))
	for _, c := range consultations {
		resp = append(resp, consultationResponse{
			Symptoms:      c.Symptoms,
			PreferredTime: c.PreferredTime,
			CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}
