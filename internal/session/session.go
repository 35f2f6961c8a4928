// Package session реализует хранилище состояния интерактивных сессий
// посетителей: авторизация, корзина, навигация и счётчики попыток входа.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mmeshcher/medicare-system/internal/model"
)

// Session — типизированное состояние одной интерактивной сессии посетителя.
// Заменяет нетипизированный словарь оригинала: у каждого ключа своё поле с
// документированным значением по умолчанию. Внутри одной сессии действует
// последовательная модель исполнения, никаких блокировок не предусмотрено.
type Session struct {
	IsLoggedIn  bool
	CurrentUser string
	CurrentRole string
	Profile     model.Profile

	CurrentPage   model.Page
	DashboardMenu model.MenuItem

	Cart           []model.CartItem
	CartQuantities map[int64]int
	Address        string

	LoginAttempts   int
	LastAttemptTime time.Time
	LoginTime       time.Time
	LastActivity    time.Time
}

// ensureDefaults выставляет значения по умолчанию для незаполненных полей.
// Повторные вызовы без промежуточных изменений ничего не меняют.
func (s *Session) ensureDefaults() {
	if s.CurrentPage == "" {
		s.CurrentPage = model.PageLanding
	}
	if s.DashboardMenu == "" {
		s.DashboardMenu = model.MenuMedicines
	}
	if s.Cart == nil {
		s.Cart = []model.CartItem{}
	}
	if s.CartQuantities == nil {
		s.CartQuantities = map[int64]int{}
	}
}

// Reset сбрасывает состояние при выходе из учётной записи: авторизация,
// личность, корзина и предпочтения возвращаются к значениям по умолчанию,
// текущая страница — на landing. История заказов и консультаций живёт в
// хранилище и сбросом не затрагивается.
func (s *Session) Reset() {
	*s = Session{}
	s.ensureDefaults()
}

// CartTotal возвращает сумму корзины. Значение всегда вычисляется заново.
func (s *Session) CartTotal() float64 {
	var total float64
	for _, item := range s.Cart {
		total += item.Subtotal()
	}
	return total
}

// Manager хранит сессии всех посетителей процесса. Мьютекс защищает только
// саму карту сессий: одной сессией управляет один посетитель.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager создаёт пустое хранилище сессий.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Get возвращает сессию по идентификатору или nil, если она неизвестна.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Create заводит новую сессию со значениями по умолчанию и возвращает её
// идентификатор.
func (m *Manager) Create() (string, *Session) {
	id := newSessionID()

	s := &Session{}
	s.ensureDefaults()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return id, s
}

// GetOrCreate возвращает существующую сессию либо заводит новую, если
// идентификатор пуст или неизвестен.
func (m *Manager) GetOrCreate(id string) (string, *Session) {
	if id != "" {
		if s := m.Get(id); s != nil {
			s.ensureDefaults()
			return id, s
		}
	}
	return m.Create()
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand на поддерживаемых платформах не возвращает ошибок.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
