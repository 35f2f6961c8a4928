// Package middleware содержит HTTP middleware для сервиса medicare.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/medicare-system/internal/session"
)

type contextKey string

const sessionKey contextKey = "session"

const (
	sessionCookieName = "session_id"
	sessionCookieTTL  = 30 * 24 * time.Hour
)

// SessionMiddleware привязывает каждого посетителя к его сессии по
// подписанному cookie. Неизвестный или повреждённый идентификатор приводит к
// созданию новой сессии со значениями по умолчанию.
type SessionMiddleware struct {
	secretKey []byte
	manager   *session.Manager
}

// NewSessionMiddleware создаёт middleware сессий с указанным секретным ключом.
func NewSessionMiddleware(secret string, manager *session.Manager) *SessionMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			// crypto/rand на поддерживаемых платформах не возвращает ошибок.
			panic(err)
		}
	}

	return &SessionMiddleware{
		secretKey: key,
		manager:   manager,
	}
}

// Middleware читает cookie сессии, находит либо создаёт сессию и помещает её
// в контекст запроса.
func (m *SessionMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			if parsed, ok := m.parseCookie(cookie.Value); ok {
				id = parsed
			}
		}

		newID, sess := m.manager.GetOrCreate(id)
		if newID != id {
			m.setSessionCookie(w, newID)
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

func (m *SessionMiddleware) setSessionCookie(w http.ResponseWriter, id string) {
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    m.sign(id),
		Path:     "/",
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, cookie)
}

func (m *SessionMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, m.secretKey)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (m *SessionMiddleware) parseCookie(cookieValue string) (string, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return "", false
	}

	id := parts[0]
	signature := parts[1]

	expected := strings.Split(m.sign(id), ".")
	if len(expected) != 2 {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(expected[1])) {
		return "", false
	}

	return id, true
}

// WithSession возвращает контекст с привязанной сессией посетителя.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// GetSessionFromContext извлекает сессию посетителя из контекста запроса.
func GetSessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*session.Session)
	return sess, ok
}
