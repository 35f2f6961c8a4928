// Package model содержит доменные сущности сервиса medicare.
package model

import "time"

// User представляет зарегистрированного пользователя аптечного сервиса.
type User struct {
	ID             int64
	Username       string
	Email          string
	Password       string
	Role           string
	Status         string
	FullName       string
	Phone          string
	Address        string
	MembershipType string
}

// Статусы учётной записи пользователя.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// RoleUser — роль, назначаемая при самостоятельной регистрации.
const RoleUser = "user"

// Medicine описывает позицию каталога лекарств.
// ExpiryDate хранится строкой в формате "2006-01-02"; пустая строка означает
// отсутствие даты, некорректная строка трактуется как "не просрочено".
type Medicine struct {
	ID                   int64
	Name                 string
	Description          string
	Category             string
	Price                float64
	Stock                int
	ExpiryDate           string
	Manufacturer         string
	RequiresPrescription bool
}

// CartItem — снимок позиции каталога на момент добавления в корзину.
// Последующие изменения цены в каталоге на него не влияют.
type CartItem struct {
	MedicineID int64   `json:"medicine_id"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Qty        int     `json:"qty"`
	Category   string  `json:"category"`
	ExpiryDate string  `json:"expiry_date"`
}

// Subtotal возвращает стоимость позиции корзины.
func (c CartItem) Subtotal() float64 {
	return c.Price * float64(c.Qty)
}

// Order описывает оформленный заказ. После создания заказ неизменяем.
type Order struct {
	ID        int64
	User      string
	Address   string
	Total     float64
	CreatedAt time.Time
	Items     []OrderItem
}

// OrderItem — строка заказа.
type OrderItem struct {
	OrderID      int64
	MedicineID   int64
	MedicineName string
	Qty          int
	Price        float64
	ExpiryDate   string
}

// Consultation — заявка пользователя на консультацию врача.
type Consultation struct {
	User          string
	Symptoms      string
	PreferredTime string
	CreatedAt     time.Time
}

// Page идентифицирует страницу приложения, на которую указывает сессия.
type Page string

// Допустимые значения навигационного ключа current_page.
const (
	PageLanding   Page = "landing"
	PageLogin     Page = "login"
	PageSignup    Page = "signup"
	PageDashboard Page = "dashboard"
	PageOrder     Page = "order"
)

// Valid сообщает, входит ли значение в закрытый набор страниц.
func (p Page) Valid() bool {
	switch p {
	case PageLanding, PageLogin, PageSignup, PageDashboard, PageOrder:
		return true
	}
	return false
}

// MenuItem идентифицирует пункт меню личного кабинета.
type MenuItem string

// Пункты меню личного кабинета.
const (
	MenuMedicines      MenuItem = "Medicines"
	MenuCart           MenuItem = "Cart"
	MenuOrders         MenuItem = "Orders"
	MenuConsultDoctor  MenuItem = "Consult Doctor"
	MenuConsultHistory MenuItem = "Consult History"
)

// Valid сообщает, входит ли значение в закрытый набор пунктов меню.
func (m MenuItem) Valid() bool {
	switch m {
	case MenuMedicines, MenuCart, MenuOrders, MenuConsultDoctor, MenuConsultHistory:
		return true
	}
	return false
}

// Profile — снимок данных пользователя, помещаемый в сессию после входа.
type Profile struct {
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	MembershipType string `json:"membership_type"`
}
