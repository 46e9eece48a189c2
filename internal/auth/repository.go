package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultStoreTimeout = 5 * time.Second
	uniqueViolation     = "23505"

	accountColumns = `id, username, email, password_hash, role, active, verified, avatar, bio,
		failed_login_count, lock_until, reset_token_hash, reset_token_expiry, refresh_generation,
		login_count, last_login_at, last_login_ip, created_at, updated_at`
)

// Repository is the PostgreSQL AccountStore.
type Repository struct {
	db      *sql.DB
	timeout time.Duration
	builder sq.StatementBuilderType
}

func NewRepository(db *sql.DB, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Repository{
		db:      db,
		timeout: timeout,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *Repository) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, normalizeEmail(email))
	return r.scanOne(row, "query account by email")
}

func (r *Repository) FindAccountByID(ctx context.Context, id string) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)
	return r.scanOne(row, "query account by id")
}

func (r *Repository) FindAccountByResetToken(ctx context.Context, tokenHash string, now time.Time) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE reset_token_hash = $1 AND reset_token_expiry > $2
	`, tokenHash, now.UTC())
	return r.scanOne(row, "query account by reset token")
}

func (r *Repository) CreateAccount(ctx context.Context, account Account) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, role, active, verified, avatar, bio, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING `+accountColumns,
		account.ID, account.Username, normalizeEmail(account.Email), account.PasswordHash, string(account.Role),
		account.Active, account.Verified, account.Avatar, account.Bio, account.CreatedAt.UTC(),
	)

	created, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, storeFailure("insert account", err)
	}
	return created, nil
}

func (r *Repository) UpdateAccount(ctx context.Context, id string, update AccountUpdate, now time.Time) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.builder.Update("accounts").Set("updated_at", now.UTC())
	if update.Username != nil {
		query = query.Set("username", *update.Username)
	}
	if update.Avatar != nil {
		query = query.Set("avatar", *update.Avatar)
	}
	if update.Bio != nil {
		query = query.Set("bio", *update.Bio)
	}
	if update.PasswordHash != nil {
		query = query.Set("password_hash", *update.PasswordHash)
	}
	if update.ResetTokenHash != nil {
		query = query.Set("reset_token_hash", *update.ResetTokenHash)
	}
	if update.ResetTokenExpiry != nil {
		query = query.Set("reset_token_expiry", update.ResetTokenExpiry.UTC())
	}
	if update.ClearResetToken {
		query = query.Set("reset_token_hash", nil).Set("reset_token_expiry", nil)
	}
	if update.ClearLockout {
		query = query.Set("failed_login_count", 0).Set("lock_until", nil)
	}
	if update.BumpRefreshGeneration {
		query = query.Set("refresh_generation", sq.Expr("refresh_generation + 1"))
	}

	statement, args, err := query.
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + accountColumns).
		ToSql()
	if err != nil {
		return Account{}, storeFailure("build account update", err)
	}

	return r.scanOne(r.db.QueryRowContext(ctx, statement, args...), "update account")
}

// RecordLoginFailure locks the row so concurrent failures cannot overwrite
// each other's increment.
func (r *Repository) RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (LockState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LockState{}, storeFailure("begin login failure tx", err)
	}
	defer tx.Rollback()

	var current LockState
	var lockUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_count, lock_until
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current.FailedLoginCount, &lockUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, ErrAccountNotFound
		}
		return LockState{}, storeFailure("lock account row", err)
	}
	current.LockUntil = nullTimePtr(lockUntil)

	next := policy.RegisterFailure(current, now)
	if next.FailedLoginCount == current.FailedLoginCount {
		if err := tx.Commit(); err != nil {
			return LockState{}, storeFailure("commit locked account tx", err)
		}
		return current, nil
	}

	var nextLock any
	if next.LockUntil != nil {
		nextLock = next.LockUntil.UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET failed_login_count = $2, lock_until = $3, updated_at = $4
		WHERE id = $1
	`, id, next.FailedLoginCount, nextLock, now.UTC()); err != nil {
		return LockState{}, storeFailure("update failed login count", err)
	}

	if err := tx.Commit(); err != nil {
		return LockState{}, storeFailure("commit login failure tx", err)
	}
	return next, nil
}

func (r *Repository) RecordLogin(ctx context.Context, id, ip string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET login_count = login_count + 1, last_login_at = $2, last_login_ip = $3, updated_at = $2
		WHERE id = $1
	`, id, now.UTC(), ip)
	if err != nil {
		return storeFailure("record login", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeFailure("record login rows affected", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *Repository) AdvanceRefreshGeneration(ctx context.Context, id string, expected int64, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var generation int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET refresh_generation = refresh_generation + 1, updated_at = $3
		WHERE id = $1 AND refresh_generation = $2
		RETURNING refresh_generation
	`, id, expected, now.UTC()).Scan(&generation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errStaleRefreshGeneration
		}
		return 0, storeFailure("advance refresh generation", err)
	}
	return generation, nil
}

func (r *Repository) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET reset_token_hash = NULL, reset_token_expiry = NULL
		WHERE reset_token_expiry < $1
	`, now.UTC())
	if err != nil {
		return 0, storeFailure("clear expired reset tokens", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeFailure("expired reset tokens rows affected", err)
	}
	return affected, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.db.PingContext(ctx); err != nil {
		return storeFailure("ping database", err)
	}
	return nil
}

func (r *Repository) scanOne(row *sql.Row, op string) (Account, error) {
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, storeFailure(op, err)
	}
	return account, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account          Account
		role             string
		lockUntil        sql.NullTime
		resetTokenHash   sql.NullString
		resetTokenExpiry sql.NullTime
		lastLoginAt      sql.NullTime
		lastLoginIP      sql.NullString
	)

	err := row.Scan(
		&account.ID, &account.Username, &account.Email, &account.PasswordHash, &role,
		&account.Active, &account.Verified, &account.Avatar, &account.Bio,
		&account.FailedLoginCount, &lockUntil, &resetTokenHash, &resetTokenExpiry, &account.RefreshGeneration,
		&account.LoginCount, &lastLoginAt, &lastLoginIP, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	account.Role = Role(role)
	account.LockUntil = nullTimePtr(lockUntil)
	account.ResetTokenHash = resetTokenHash.String
	account.ResetTokenExpiry = nullTimePtr(resetTokenExpiry)
	account.LastLoginAt = nullTimePtr(lastLoginAt)
	account.LastLoginIP = lastLoginIP.String
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
