// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
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
	"github.com/sethvargo/go-retry"

	"github.com/plshelp/points-system/internal/model"
	"github.com/plshelp/points-system/internal/validation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим идентификатором.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrListingExists возвращается при попытке создать объявление с уже существующим идентификатором.
	ErrListingExists = errors.New("listing already exists")
	// ErrListingNotFound возвращается, если объявление не найдено.
	ErrListingNotFound = errors.New("listing not found")
	// ErrInsufficientPoints возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrListingAlreadyFulfilled возвращается при повторной попытке закрыть уже выполненное объявление.
	ErrListingAlreadyFulfilled = errors.New("listing already fulfilled")
	// ErrNotListingOwner возвращается, если закрыть объявление пытается не его владелец.
	ErrNotListingOwner = errors.New("caller is not the listing owner")
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

// withRetry повторяет операцию при ошибках сериализации, дедлоках и обрывах соединения.
// Бизнес-ошибки (недостаток баллов, отсутствие записи) не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

// CreateUser создаёт нового пользователя со стартовым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, id, name string, startingPoints int64) (*model.User, error) {
	u := model.User{
		ID:     id,
		Name:   name,
		Points: startingPoints,
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, name, points) VALUES ($1, $2, $3) RETURNING created_at`,
		id, name, startingPoints,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, id)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, points, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Points, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// DeductPoints атомарно списывает стоимость объявления с баланса пользователя.
// Строка пользователя блокируется, чтобы проверка и списание не пересекались
// с параллельными операциями по тому же счёту.
func (r *PostgresRepository) DeductPoints(ctx context.Context, userID string, cost int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var points int64
		err = tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if points < cost {
			return ErrInsufficientPoints
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET points = points - $2 WHERE id = $1`,
			userID, cost,
		)
		if err != nil {
			return fmt.Errorf("deduct points: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// CompleteListing атомарно переводит объявление в статус fulfilled и начисляет
// исполнителю баллы по цене объявления. Перевод и смена статуса происходят в одной
// транзакции: либо выполняются оба действия, либо ни одного.
func (r *PostgresRepository) CompleteListing(ctx context.Context, listingID, callerID, fulfillerID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			ownerID string
			status  string
			price   string
		)
		err = tx.QueryRow(ctx,
			`SELECT owner_id, status, price FROM listings WHERE id = $1 FOR UPDATE`,
			listingID,
		).Scan(&ownerID, &status, &price)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrListingNotFound
			}
			return fmt.Errorf("lock listing for update: %w", err)
		}

		var fulfillerPoints int64
		err = tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, fulfillerID).Scan(&fulfillerPoints)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock fulfiller for update: %w", err)
		}

		if ownerID != callerID {
			return ErrNotListingOwner
		}

		if model.ListingStatus(status) == model.ListingStatusFulfilled {
			return ErrListingAlreadyFulfilled
		}

		pointsToGive, err := validation.PointsForPrice(price)
		if err != nil {
			return fmt.Errorf("listing %s: %w", listingID, err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET points = points + $2 WHERE id = $1`,
			fulfillerID, pointsToGive,
		)
		if err != nil {
			return fmt.Errorf("credit fulfiller: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE listings SET status = $2, fulfilled_by = $3, fulfilled_at = now() WHERE id = $1`,
			listingID, string(model.ListingStatusFulfilled), fulfillerID,
		)
		if err != nil {
			return fmt.Errorf("update listing: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// RedeemItem атомарно списывает баллы и добавляет запись в историю обменов.
// Возвращает созданную запись и остаток баланса после списания.
func (r *PostgresRepository) RedeemItem(ctx context.Context, userID, itemName string, cost int64, redemptionID, confirmationCode string) (*model.Redemption, int64, error) {
	var (
		redemption model.Redemption
		remaining  int64
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var points int64
		err = tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if points < cost {
			return ErrInsufficientPoints
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET points = points - $2 WHERE id = $1`,
			userID, cost,
		)
		if err != nil {
			return fmt.Errorf("deduct points: %w", err)
		}

		redemption = model.Redemption{
			ID:               redemptionID,
			UserID:           userID,
			ItemName:         itemName,
			PointsCost:       cost,
			ConfirmationCode: confirmationCode,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO redemption_history (id, user_id, item_name, points_cost, confirmation_code)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			redemptionID, userID, itemName, cost, confirmationCode,
		).Scan(&redemption.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		remaining = points - cost

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return &redemption, remaining, nil
}

// CreateListing сохраняет новое объявление. Баланс владельца здесь не изменяется:
// списание стоимости выполняется отдельной операцией DeductPoints.
func (r *PostgresRepository) CreateListing(ctx context.Context, l *model.Listing) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO listings (id, owner_id, title, description, category, price, lat, lng, radius, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		l.ID, l.OwnerID, l.Title, l.Description, l.Category, l.Price, l.Lat, l.Lng, l.Radius, string(l.Status),
	).Scan(&l.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrListingExists, l.ID)
			}
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return fmt.Errorf("%w: %s", ErrUserNotFound, l.OwnerID)
			}
		}
		return fmt.Errorf("insert listing: %w", err)
	}

	return nil
}

// GetListingByID возвращает объявление по идентификатору.
func (r *PostgresRepository) GetListingByID(ctx context.Context, id string) (*model.Listing, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, description, category, price, lat, lng, radius, status, fulfilled_by, fulfilled_at, created_at
		 FROM listings
		 WHERE id = $1`,
		id,
	)

	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}

	return l, nil
}

// GetActiveListings возвращает активные объявления, новые первыми.
func (r *PostgresRepository) GetActiveListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_id, title, description, category, price, lat, lng, radius, status, fulfilled_by, fulfilled_at, created_at
		 FROM listings
		 WHERE status = $1
		 ORDER BY created_at DESC`,
		string(model.ListingStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return listings, nil
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var (
		l      model.Listing
		status string
	)
	err := row.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.Category, &l.Price,
		&l.Lat, &l.Lng, &l.Radius, &status, &l.FulfilledBy, &l.FulfilledAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = model.ListingStatus(status)
	return &l, nil
}

// GetRedemptionsByUser возвращает историю обменов пользователя, новые первыми.
func (r *PostgresRepository) GetRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, item_name, points_cost, confirmation_code, created_at
		 FROM redemption_history
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var rd model.Redemption
		if err := rows.Scan(&rd.ID, &rd.UserID, &rd.ItemName, &rd.PointsCost, &rd.ConfirmationCode, &rd.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertRewardItems обновляет локальную копию каталога вознаграждений.
func (r *PostgresRepository) UpsertRewardItems(ctx context.Context, items []model.RewardItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		_, err := tx.Exec(ctx,
			`INSERT INTO reward_items (id, item_name, cost, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (id) DO UPDATE SET item_name = $2, cost = $3, updated_at = now()`,
			item.ID, item.ItemName, item.Cost,
		)
		if err != nil {
			return fmt.Errorf("upsert reward item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetRewardItems возвращает каталог вознаграждений.
func (r *PostgresRepository) GetRewardItems(ctx context.Context) ([]model.RewardItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, item_name, cost, updated_at FROM reward_items ORDER BY cost, item_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select reward items: %w", err)
	}
	defer rows.Close()

	var res []model.RewardItem
	for rows.Next() {
		var item model.RewardItem
		if err := rows.Scan(&item.ID, &item.ItemName, &item.Cost, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reward item: %w", err)
		}
		res = append(res, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
