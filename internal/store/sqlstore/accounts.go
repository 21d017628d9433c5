package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

const accountColumns = "id, external_id, username, display_name, created_at, last_seen_at"

const authCodeColumns = "id, code, external_id, external_username, external_display_name, created_at, expires_at, used"

func (s *SQLStore) CreateAuthCode(ctx context.Context, code *models.AuthCode) error {
	return s.insertAuthCode(ctx, s.db, code)
}

// CreateAuthCodeIfFree inserts code unless the same digits are already live
// (unused and unexpired at code.CreatedAt), in which case it reports taken
// and inserts nothing. Check and insert run in one transaction serialized
// per code: an advisory lock on postgres, the single connection on sqlite.
func (s *SQLStore) CreateAuthCodeIfFree(ctx context.Context, code *models.AuthCode) (bool, error) {
	var taken bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if s.driverName == DriverPostgres {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", code.Code); err != nil {
				return dbError("lock auth code", err)
			}
		}

		exists, err := s.activeCodeExists(ctx, tx, code.Code, code.CreatedAt)
		if err != nil {
			return err
		}
		if exists {
			taken = true
			return nil
		}
		return s.insertAuthCode(ctx, tx, code)
	})
	if err != nil {
		return false, err
	}
	return taken, nil
}

func (s *SQLStore) insertAuthCode(ctx context.Context, q sqlx.ExtContext, code *models.AuthCode) error {
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	code.CreatedAt = ts(code.CreatedAt)
	code.ExpiresAt = ts(code.ExpiresAt)

	query := `
		INSERT INTO auth_codes (` + authCodeColumns + `)
		VALUES (:id, :code, :external_id, :external_username, :external_display_name, :created_at, :expires_at, :used)
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, code); err != nil {
		return dbError("create auth code", err)
	}
	return nil
}

func (s *SQLStore) ActiveCodeExists(ctx context.Context, code string, now time.Time) (bool, error) {
	return s.activeCodeExists(ctx, s.db, code, now)
}

func (s *SQLStore) activeCodeExists(ctx context.Context, q sqlx.QueryerContext, code string, now time.Time) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM auth_codes WHERE code = ? AND used = FALSE AND expires_at > ?)")
	if err := q.QueryRowxContext(ctx, query, code, ts(now)).Scan(&exists); err != nil {
		return false, dbError("check auth code", err)
	}
	return exists, nil
}

func (s *SQLStore) RedeemAuthCode(ctx context.Context, code string, now time.Time) (*models.Account, error) {
	now = ts(now)
	var account *models.Account

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Codes are unique only among live codes, so the latest issuance is
		// the only row that can still be redeemable.
		var ac models.AuthCode
		query := s.rebind("SELECT " + authCodeColumns + " FROM auth_codes WHERE code = ? ORDER BY created_at DESC LIMIT 1")
		if err := tx.GetContext(ctx, &ac, query, code); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("auth code not found")
			}
			return dbError("get auth code", err)
		}

		if err := codeState(&ac, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.rebind("UPDATE auth_codes SET used = TRUE WHERE id = ? AND used = FALSE AND expires_at >= ?"), ac.ID, now)
		if err != nil {
			return dbError("redeem auth code", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return dbError("redeem auth code", err)
		}
		if n == 0 {
			// Lost a race with a concurrent redemption.
			return apperr.New(apperr.CodeAlreadyUsed, "auth code already used")
		}

		account, err = s.upsertAccount(ctx, tx, &models.Account{
			ExternalID:  ac.ExternalID,
			Username:    ac.ExternalUsername,
			DisplayName: ac.ExternalDisplayName,
			CreatedAt:   now,
			LastSeenAt:  now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func codeState(ac *models.AuthCode, now time.Time) error {
	if ac.Used {
		return apperr.New(apperr.CodeAlreadyUsed, "auth code already used")
	}
	if ac.Expired(now) {
		return apperr.New(apperr.CodeExpired, "auth code expired")
	}
	return nil
}

func (s *SQLStore) PurgeAuthCodes(ctx context.Context, expiredBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM auth_codes WHERE expires_at < ?"), ts(expiredBefore))
	if err != nil {
		return 0, dbError("purge auth codes", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("purge auth codes", err)
	}
	return n, nil
}

func (s *SQLStore) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	query := s.rebind("SELECT " + accountColumns + " FROM accounts WHERE id = ?")
	if err := s.db.GetContext(ctx, &account, query, id); err != nil {
		return nil, dbError("get account", err)
	}
	return &account, nil
}

func (s *SQLStore) GetAccountByExternalID(ctx context.Context, externalID int64) (*models.Account, error) {
	var account models.Account
	query := s.rebind("SELECT " + accountColumns + " FROM accounts WHERE external_id = ?")
	if err := s.db.GetContext(ctx, &account, query, externalID); err != nil {
		return nil, dbError("get account", err)
	}
	return &account, nil
}

// UpsertAccount creates the account for account.ExternalID or refreshes its
// profile fields and last_seen_at.
func (s *SQLStore) UpsertAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	return s.upsertAccount(ctx, s.db, account)
}

func (s *SQLStore) upsertAccount(ctx context.Context, q sqlx.ExtContext, account *models.Account) (*models.Account, error) {
	row := *account
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = ts(row.CreatedAt)
	row.LastSeenAt = ts(row.LastSeenAt)

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES (:id, :external_id, :username, :display_name, :created_at, :last_seen_at)
		ON CONFLICT (external_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			last_seen_at = excluded.last_seen_at
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, &row); err != nil {
		return nil, dbError("upsert account", err)
	}

	var saved models.Account
	if err := sqlx.GetContext(ctx, q, &saved, q.Rebind("SELECT "+accountColumns+" FROM accounts WHERE external_id = ?"), row.ExternalID); err != nil {
		return nil, dbError("get account", err)
	}
	return &saved, nil
}

func (s *SQLStore) TouchAccount(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE accounts SET last_seen_at = ? WHERE id = ?"), ts(at), id)
	if err != nil {
		return dbError("touch account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("touch account", err)
	}
	if n == 0 {
		return apperr.NotFound("account not found")
	}
	return nil
}

// SearchAccounts matches query case-insensitively as a substring of username
// or display_name. Results are newest first.
func (s *SQLStore) SearchAccounts(ctx context.Context, excludeID, query string, limit int) ([]models.Account, error) {
	q := "SELECT " + accountColumns + " FROM accounts WHERE id <> ?"
	args := []any{excludeID}

	if query != "" {
		pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
		q += ` AND (LOWER(username) LIKE ? ESCAPE '\' OR LOWER(display_name) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	accounts := []models.Account{}
	if err := s.db.SelectContext(ctx, &accounts, s.rebind(q), args...); err != nil {
		return nil, dbError("search accounts", err)
	}
	return accounts, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
