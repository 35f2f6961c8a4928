// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/medicare-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим именем.
var (
	ErrUserExists = errors.New("username exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только при временных ошибках: сериализация, дедлок, сеть.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя и возвращает его идентификатор.
func (r *PostgresRepository) CreateUser(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password, role, status, full_name, phone, address, membership_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		u.Username, u.Email, u.Password, u.Role, u.Status, u.FullName, u.Phone, u.Address, u.MembershipType,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// SaveUser вставляет либо заменяет запись пользователя по ключу username.
func (r *PostgresRepository) SaveUser(ctx context.Context, u model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (username, email, password, role, status, full_name, phone, address, membership_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (username) DO UPDATE SET
			email = EXCLUDED.email,
			password = EXCLUDED.password,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			full_name = EXCLUDED.full_name,
			phone = EXCLUDED.phone,
			address = EXCLUDED.address,
			membership_type = EXCLUDED.membership_type`,
		u.Username, u.Email, u.Password, u.Role, u.Status, u.FullName, u.Phone, u.Address, u.MembershipType,
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetAllUsers возвращает всех пользователей, ключом служит имя пользователя.
func (r *PostgresRepository) GetAllUsers(ctx context.Context) (map[string]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, email, password, role, status, full_name, phone, address, membership_type
		 FROM users`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]model.User)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.Role, &u.Status,
			&u.FullName, &u.Phone, &u.Address, &u.MembershipType); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[u.Username] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// GetUserByUsername возвращает пользователя по имени.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password, role, status, full_name, phone, address, membership_type
		 FROM users
		 WHERE username = $1`,
		username,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.Role, &u.Status,
		&u.FullName, &u.Phone, &u.Address, &u.MembershipType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetAllMedicines возвращает полный снимок каталога. Кэширования нет,
// каждый вызов заново обращается к хранилищу.
func (r *PostgresRepository) GetAllMedicines(ctx context.Context) ([]model.Medicine, error) {
	var meds []model.Medicine

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, name, description, category, price_cents, stock, expiry_date, manufacturer, requires_prescription
			 FROM medicines
			 ORDER BY id`,
		)
		if err != nil {
			return fmt.Errorf("select medicines: %w", err)
		}
		defer rows.Close()

		meds = meds[:0]
		for rows.Next() {
			var (
				m          model.Medicine
				priceCents int64
				expiry     sql.NullString
			)
			if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &priceCents,
				&m.Stock, &expiry, &m.Manufacturer, &m.RequiresPrescription); err != nil {
				return fmt.Errorf("scan medicine: %w", err)
			}
			m.Price = float64(priceCents) / 100
			m.ExpiryDate = expiry.String
			meds = append(meds, m)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return meds, nil
}

// SaveMedicine вставляет либо обновляет позицию каталога. Используется только
// административным наполнением каталога, из страниц приложения недостижимо.
func (r *PostgresRepository) SaveMedicine(ctx context.Context, m model.Medicine) error {
	priceCents := int64(m.Price*100 + 0.5)
	expiry := sql.NullString{String: m.ExpiryDate, Valid: m.ExpiryDate != ""}

	var err error
	if m.ID == 0 {
		_, err = r.pool.Exec(ctx,
			`INSERT INTO medicines (name, description, category, price_cents, stock, expiry_date, manufacturer, requires_prescription)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.Name, m.Description, m.Category, priceCents, m.Stock, expiry, m.Manufacturer, m.RequiresPrescription,
		)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE medicines SET
				name = $2, description = $3, category = $4, price_cents = $5,
				stock = $6, expiry_date = $7, manufacturer = $8, requires_prescription = $9
			 WHERE id = $1`,
			m.ID, m.Name, m.Description, m.Category, priceCents, m.Stock, expiry, m.Manufacturer, m.RequiresPrescription,
		)
	}
	if err != nil {
		return fmt.Errorf("save medicine: %w", err)
	}
	return nil
}

// CreateOrder сохраняет заказ вместе со строками в одной транзакции и
// возвращает сгенерированный идентификатор. Частично записанный заказ
// наблюдаем быть не может: при любой ошибке транзакция откатывается.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order model.Order) (int64, error) {
	var orderID int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		totalCents := int64(order.Total*100 + 0.5)

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (username, address, total_cents, created_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			order.User, order.Address, totalCents, order.CreatedAt,
		).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			priceCents := int64(item.Price*100 + 0.5)
			expiry := sql.NullString{String: item.ExpiryDate, Valid: item.ExpiryDate != ""}

			_, err = tx.Exec(ctx,
				`INSERT INTO order_items (order_id, medicine_id, medicine_name, qty, price_cents, expiry_date)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				orderID, item.MedicineID, item.MedicineName, item.Qty, priceCents, expiry,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return orderID, nil
}

// GetOrdersByUser возвращает заказы пользователя со строками, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, username string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, address, total_cents, created_at
		 FROM orders
		 WHERE username = $1
		 ORDER BY created_at DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o          model.Order
			totalCents int64
		)
		if err := rows.Scan(&o.ID, &o.User, &o.Address, &totalCents, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Total = float64(totalCents) / 100
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		items, err := r.getOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, medicine_id, medicine_name, qty, price_cents, expiry_date
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			item       model.OrderItem
			priceCents int64
			expiry     sql.NullString
		)
		if err := rows.Scan(&item.OrderID, &item.MedicineID, &item.MedicineName, &item.Qty, &priceCents, &expiry); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Price = float64(priceCents) / 100
		item.ExpiryDate = expiry.String
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// CreateConsultation сохраняет заявку на консультацию.
func (r *PostgresRepository) CreateConsultation(ctx context.Context, c model.Consultation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consultations (username, symptoms, preferred_time, created_at)
		 VALUES ($1, $2, $3, $4)`,
		c.User, c.Symptoms, c.PreferredTime, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

// GetConsultationsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) GetConsultationsByUser(ctx context.Context, username string) ([]model.Consultation, error) {
	return r.selectConsultations(ctx,
		`SELECT username, symptoms, preferred_time, created_at
		 FROM consultations
		 WHERE username = $1
		 ORDER BY created_at DESC`,
		username,
	)
}

// GetAllConsultations возвращает все заявки, новые первыми. Административная
// операция, страницами приложения не используется.
func (r *PostgresRepository) GetAllConsultations(ctx context.Context) ([]model.Consultation, error) {
	return r.selectConsultations(ctx,
		`SELECT username, symptoms, preferred_time, created_at
		 FROM consultations
		 ORDER BY created_at DESC`,
	)
}

func (r *PostgresRepository) selectConsultations(ctx context.Context, query string, args ...any) ([]model.Consultation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select consultations: %w", err)
	}
	defer rows.Close()

	var res []model.Consultation
	for rows.Next() {
		var c model.Consultation
		if err := rows.Scan(&c.User, &c.Symptoms, &c.PreferredTime, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
