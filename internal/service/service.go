// Package service реализует бизнес-логику сервиса medicare.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/medicare-system/internal/catalog"
	"github.com/mmeshcher/medicare-system/internal/model"
	"github.com/mmeshcher/medicare-system/internal/repository"
	"github.com/mmeshcher/medicare-system/internal/session"
	"github.com/mmeshcher/medicare-system/internal/validation"
)

// Параметры блокировки входа.
const (
	MaxLoginAttempts = 3
	LockoutDuration  = 300 * time.Second
)

// Ошибки бизнес-логики, транслируемые обработчиками в ответы пользователю.
var (
	ErrSignupFieldsRequired = errors.New("please fill in all required fields")
	ErrInvalidEmail         = errors.New("please enter a valid email address")
	ErrMedicineNotFound     = errors.New("medicine not found")
	ErrMedicineUnavailable  = errors.New("medicine is not available")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrNothingSelected      = errors.New("please select at least one item with quantity")
	ErrCartIndexOutOfRange  = errors.New("cart item index out of range")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrAddressRequired      = errors.New("address is required")
	ErrConsultationFields   = errors.New("please fill in all fields")
)

// PasswordError сообщает о нарушенном правиле стойкости пароля.
type PasswordError struct {
	Message string
}

func (e *PasswordError) Error() string { return e.Message }

// AuthError описывает неудачную попытку аутентификации и число оставшихся
// попыток до блокировки.
type AuthError struct {
	Reason            string
	RemainingAttempts int
}

func (e *AuthError) Error() string {
	if e.RemainingAttempts > 0 {
		return fmt.Sprintf("%s (%d attempts remaining)", e.Reason, e.RemainingAttempts)
	}
	return "account locked due to multiple failed attempts"
}

// LockedError возвращается, пока действует блокировка входа.
type LockedError struct {
	RemainingMinutes int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account temporarily locked, try again in %d minutes", e.RemainingMinutes)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u model.User) (int64, error)
	SaveUser(ctx context.Context, u model.User) error
	GetAllUsers(ctx context.Context) (map[string]model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetAllMedicines(ctx context.Context) ([]model.Medicine, error)
	SaveMedicine(ctx context.Context, m model.Medicine) error
	CreateOrder(ctx context.Context, order model.Order) (int64, error)
	GetOrdersByUser(ctx context.Context, username string) ([]model.Order, error)
	CreateConsultation(ctx context.Context, c model.Consultation) error
	GetConsultationsByUser(ctx context.Context, username string) ([]model.Consultation, error)
	GetAllConsultations(ctx context.Context) ([]model.Consultation, error)
}

// Service содержит бизнес-логику сервиса medicare.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Signup регистрирует нового пользователя с ролью user.
func (s *Service) Signup(ctx context.Context, username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return ErrSignupFieldsRequired
	}

	users, err := s.repo.GetAllUsers(ctx)
	if err != nil {
		return err
	}
	if _, taken := users[username]; taken {
		return fmt.Errorf("%w: %s", repository.ErrUserExists, username)
	}

	if !validation.IsValidEmail(email) {
		return ErrInvalidEmail
	}
	if ok, msg := validation.ValidatePassword(password); !ok {
		return &PasswordError{Message: msg}
	}

	_, err = s.repo.CreateUser(ctx, model.User{
		Username:       username,
		Email:          email,
		Password:       password,
		Role:           model.RoleUser,
		Status:         model.UserStatusActive,
		MembershipType: "standard",
	})
	return err
}

// Login выполняет вход с учётом блокировки после повторных неудач.
// Ошибки валидации формы счётчик попыток не изменяют; попытка, дошедшая до
// проверки учётных данных и провалившаяся, увеличивает его.
func (s *Service) Login(ctx context.Context, sess *session.Session, identity, password string) error {
	now := s.now()

	if s.isLocked(sess, now) {
		return &LockedError{RemainingMinutes: s.remainingLockoutMinutes(sess, now)}
	}

	if err := validation.ValidateLoginInput(identity, password); err != nil {
		return err
	}

	users, err := s.repo.GetAllUsers(ctx)
	if err != nil {
		return err
	}

	user, found := matchIdentity(users, identity)

	var reason string
	switch {
	case !found:
		reason = "user not found, please check your credentials"
	case user.Status == model.UserStatusInactive:
		reason = "account is deactivated, please contact support"
	case user.Password != password:
		reason = "incorrect password"
	}

	if reason != "" {
		sess.LoginAttempts++
		sess.LastAttemptTime = now
		return &AuthError{
			Reason:            reason,
			RemainingAttempts: MaxLoginAttempts - sess.LoginAttempts,
		}
	}

	sess.LoginAttempts = 0
	sess.IsLoggedIn = true
	sess.CurrentUser = user.Username
	sess.CurrentRole = user.Role
	sess.Profile = model.Profile{
		FullName:       user.FullName,
		Email:          user.Email,
		Phone:          user.Phone,
		Address:        user.Address,
		MembershipType: user.MembershipType,
	}
	sess.LoginTime = now
	sess.CurrentPage = model.PageDashboard

	return nil
}

// isLocked проверяет, действует ли блокировка. Блокировка не снимается явно,
// а истекает по проверке прошедшего времени при каждой попытке.
func (s *Service) isLocked(sess *session.Session, now time.Time) bool {
	if sess.LoginAttempts < MaxLoginAttempts {
		return false
	}
	return now.Sub(sess.LastAttemptTime) < LockoutDuration
}

func (s *Service) remainingLockoutMinutes(sess *session.Session, now time.Time) int {
	remaining := LockoutDuration - now.Sub(sess.LastAttemptTime)
	minutes := int(remaining.Seconds()) / 60
	if minutes < 0 {
		minutes = 0
	}
	return minutes
}

// matchIdentity ищет пользователя по имени или email без учёта регистра.
func matchIdentity(users map[string]model.User, identity string) (model.User, bool) {
	lowered := strings.ToLower(identity)
	for key, u := range users {
		if strings.ToLower(key) == lowered || strings.ToLower(u.Email) == lowered {
			return u, true
		}
	}
	return model.User{}, false
}

// Logout сбрасывает состояние сессии, история в хранилище не затрагивается.
func (s *Service) Logout(sess *session.Session) {
	sess.Reset()
}

// CatalogQuery задаёт параметры просмотра каталога.
type CatalogQuery struct {
	Search      string
	Category    string
	InStockOnly bool
	Sort        catalog.SortOrder
	Page        int
}

// CatalogPage — страница каталога с сопутствующими счётчиками.
type CatalogPage struct {
	Items      []model.Medicine
	TotalCount int
	PageCount  int
	Categories []string
}

// BrowseMedicines возвращает страницу каталога по заданным фильтрам.
func (s *Service) BrowseMedicines(ctx context.Context, q CatalogQuery) (*CatalogPage, error) {
	meds, err := s.repo.GetAllMedicines(ctx)
	if err != nil {
		return nil, err
	}

	if q.Category == "" {
		q.Category = "All"
	}

	filtered := catalog.Filter(meds, q.Search, q.Category, q.InStockOnly)
	catalog.Sort(filtered, q.Sort)

	return &CatalogPage{
		Items:      catalog.Paginate(filtered, q.Page),
		TotalCount: len(filtered),
		PageCount:  catalog.PageCount(len(filtered)),
		Categories: catalog.Categories(meds),
	}, nil
}

// SetCartQuantity запоминает отложенное количество для позиции каталога.
// Просроченные и отсутствующие на складе позиции недоступны для выбора.
func (s *Service) SetCartQuantity(ctx context.Context, sess *session.Session, medicineID int64, qty int) error {
	meds, err := s.repo.GetAllMedicines(ctx)
	if err != nil {
		return err
	}

	med, ok := findMedicine(meds, medicineID)
	if !ok {
		return ErrMedicineNotFound
	}
	if catalog.IsExpired(med, s.now()) || med.Stock <= 0 {
		return ErrMedicineUnavailable
	}
	if qty < 0 || qty > med.Stock {
		return ErrInvalidQuantity
	}

	sess.CartQuantities[medicineID] = qty
	return nil
}

// ClearSelections сбрасывает все отложенные количества.
func (s *Service) ClearSelections(sess *session.Session) {
	sess.CartQuantities = map[int64]int{}
}

// AddSelectedToCart переносит отложенные количества в корзину. Срок годности
// и остаток проверяются повторно в момент фиксации: позиция, истёкшая или
// закончившаяся после выбора, в корзину не попадает. Снимок цены делается на
// момент добавления.
func (s *Service) AddSelectedToCart(ctx context.Context, sess *session.Session) (int, error) {
	meds, err := s.repo.GetAllMedicines(ctx)
	if err != nil {
		return 0, err
	}

	today := s.now()
	added := 0

	for _, med := range meds {
		qty := sess.CartQuantities[med.ID]
		if qty <= 0 {
			continue
		}
		if catalog.IsExpired(med, today) || med.Stock <= 0 {
			continue
		}

		sess.Cart = append(sess.Cart, model.CartItem{
			MedicineID: med.ID,
			Name:       med.Name,
			Price:      med.Price,
			Qty:        qty,
			Category:   med.Category,
			ExpiryDate: med.ExpiryDate,
		})
		delete(sess.CartQuantities, med.ID)
		added++
	}

	if added == 0 {
		return 0, ErrNothingSelected
	}
	return added, nil
}

// UpdateCartItem изменяет количество позиции корзины по её номеру.
func (s *Service) UpdateCartItem(sess *session.Session, index, qty int) error {
	if index < 0 || index >= len(sess.Cart) {
		return ErrCartIndexOutOfRange
	}
	if qty < 1 {
		return ErrInvalidQuantity
	}
	sess.Cart[index].Qty = qty
	return nil
}

// RemoveCartItem удаляет позицию корзины по её номеру.
func (s *Service) RemoveCartItem(sess *session.Session, index int) error {
	if index < 0 || index >= len(sess.Cart) {
		return ErrCartIndexOutOfRange
	}
	sess.Cart = append(sess.Cart[:index], sess.Cart[index+1:]...)
	return nil
}

// ClearCart опустошает корзину и отложенные количества.
func (s *Service) ClearCart(sess *session.Session) {
	sess.Cart = []model.CartItem{}
	sess.CartQuantities = map[int64]int{}
}

// Checkout превращает корзину в заказ. Заказ и его строки записываются одной
// транзакцией. При ошибке хранилища корзина остаётся нетронутой, чтобы
// пользователь мог повторить попытку.
func (s *Service) Checkout(ctx context.Context, sess *session.Session, address string) (int64, error) {
	if len(sess.Cart) == 0 {
		return 0, ErrEmptyCart
	}

	address = strings.TrimSpace(address)
	if address == "" {
		return 0, ErrAddressRequired
	}
	sess.Address = address

	order := model.Order{
		User:      sess.CurrentUser,
		Address:   address,
		Total:     sess.CartTotal(),
		CreatedAt: s.now(),
	}
	for _, item := range sess.Cart {
		order.Items = append(order.Items, model.OrderItem{
			MedicineID:   item.MedicineID,
			MedicineName: item.Name,
			Qty:          item.Qty,
			Price:        item.Price,
			ExpiryDate:   item.ExpiryDate,
		})
	}

	orderID, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return 0, err
	}

	sess.Cart = []model.CartItem{}
	sess.CartQuantities = map[int64]int{}
	sess.DashboardMenu = model.MenuOrders
	sess.CurrentPage = model.PageDashboard

	return orderID, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (s *Service) GetOrdersByUser(ctx context.Context, username string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, username)
}

// SubmitConsultation сохраняет заявку на консультацию врача.
func (s *Service) SubmitConsultation(ctx context.Context, username, symptoms, preferredTime string) error {
	if symptoms == "" || preferredTime == "" {
		return ErrConsultationFields
	}
	return s.repo.CreateConsultation(ctx, model.Consultation{
		User:          username,
		Symptoms:      symptoms,
		PreferredTime: preferredTime,
		CreatedAt:     s.now(),
	})
}

// GetConsultationsByUser возвращает заявки пользователя, новые первыми.
func (s *Service) GetConsultationsByUser(ctx context.Context, username string) ([]model.Consultation, error) {
	return s.repo.GetConsultationsByUser(ctx, username)
}

// GetAllConsultations возвращает все заявки. Административная операция.
func (s *Service) GetAllConsultations(ctx context.Context) ([]model.Consultation, error) {
	return s.repo.GetAllConsultations(ctx)
}

func findMedicine(meds []model.Medicine, id int64) (model.Medicine, bool) {
	for _, m := range meds {
		if m.ID == id {
			return m, true
		}
	}
	return model.Medicine{}, false
}
