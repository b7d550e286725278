package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrParentMissing is returned by InsertComment when the referenced
// parent row does not exist at insert time. The foreign key raises it
// even when the parent vanishes between the caller's existence check
// and the insert, so a dangling parent reference can never be stored.
var ErrParentMissing = errors.New("store: parent comment missing")

const pgForeignKeyViolation = "23503"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SetVerificationCode(ctx context.Context, userID, code string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_code=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, code, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification code: %w", err)
	}
	return nil
}

// VerifyUserEmail consumes a pending verification code. The code match
// and the expiry check happen inside the statement so an expired or
// wrong code and a missing user are indistinguishable to the caller.
func (s *PostgresStore) VerifyUserEmail(ctx context.Context, email, code string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_code=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE email = LOWER($1)
		  AND verification_code=$2
		  AND verification_expires_at > NOW()
	`, email, code)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- refresh sessions and token revocation ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.is_email_verified, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, content, url, canonical_url, url_hash, user_id, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, comment.ID, comment.Content, comment.RawURL, comment.CanonicalURL, comment.GroupingKey, comment.AuthorID, comment.ParentID).
		Scan(&comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation && comment.ParentID != nil {
			return Comment{}, ErrParentMissing
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) CommentExists(ctx context.Context, commentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE id=$1)`, commentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check comment exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, url, canonical_url, url_hash, user_id, parent_id, created_at, updated_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(
		&item.ID,
		&item.Content,
		&item.RawURL,
		&item.CanonicalURL,
		&item.GroupingKey,
		&item.AuthorID,
		&item.ParentID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// UpdateOwnedComment rewrites the content of a comment only when the
// given author owns it. The ownership predicate lives inside the single
// UPDATE so a missing row and a foreign-owned row both come back as
// found=false with no way to tell them apart.
func (s *PostgresStore) UpdateOwnedComment(ctx context.Context, commentID, authorID, content string) (Comment, bool, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET content=$3, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
		RETURNING id, content, url, canonical_url, url_hash, user_id, parent_id, created_at, updated_at
	`, commentID, authorID, content).Scan(
		&item.ID,
		&item.Content,
		&item.RawURL,
		&item.CanonicalURL,
		&item.GroupingKey,
		&item.AuthorID,
		&item.ParentID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, false, nil
	}
	if err != nil {
		return Comment{}, false, fmt.Errorf("update owned comment: %w", err)
	}
	return item, true, nil
}

// DeleteOwnedComment removes a comment only when the given author owns
// it. Replies go with it through the parent_id cascade.
func (s *PostgresStore) DeleteOwnedComment(ctx context.Context, commentID, authorID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM comments WHERE id=$1 AND user_id=$2
	`, commentID, authorID)
	if err != nil {
		return false, fmt.Errorf("delete owned comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete owned comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListCommentsByGroupingKey(ctx context.Context, groupingKey string, newestFirst bool) ([]Comment, error) {
	direction := "ASC"
	if newestFirst {
		direction = "DESC"
	}
	return s.listComments(ctx, fmt.Sprintf(`
		SELECT id, content, url, canonical_url, url_hash, user_id, parent_id, created_at, updated_at
		FROM comments
		WHERE url_hash=$1
		ORDER BY created_at %s, id %s
	`, direction, direction), groupingKey)
}

func (s *PostgresStore) ListCommentReplies(ctx context.Context, parentID string) ([]Comment, error) {
	return s.listComments(ctx, `
		SELECT id, content, url, canonical_url, url_hash, user_id, parent_id, created_at, updated_at
		FROM comments
		WHERE parent_id=$1
		ORDER BY created_at ASC, id ASC
	`, parentID)
}

func (s *PostgresStore) ListCommentsByAuthor(ctx context.Context, authorID string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listComments(ctx, `
		SELECT id, content, url, canonical_url, url_hash, user_id, parent_id, created_at, updated_at
		FROM comments
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, authorID, limit)
}

func (s *PostgresStore) listComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID,
			&item.Content,
			&item.RawURL,
			&item.CanonicalURL,
			&item.GroupingKey,
			&item.AuthorID,
			&item.ParentID,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// ---- pages ----

// UpsertPage records a grouping key the first time a comment lands on
// it. Reports whether this call inserted the row, so the caller knows
// when to fire a preview capture.
func (s *PostgresStore) UpsertPage(ctx context.Context, page Page) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (url_hash, canonical_url)
		VALUES ($1, $2)
		ON CONFLICT (url_hash) DO NOTHING
	`, page.GroupingKey, page.CanonicalURL)
	if err != nil {
		return false, fmt.Errorf("upsert page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert page rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdatePageSnapshot(ctx context.Context, groupingKey, title, snapshotObject string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, snapshot_object=$3
		WHERE url_hash=$1
	`, groupingKey, title, snapshotObject)
	if err != nil {
		return fmt.Errorf("update page snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPage(ctx context.Context, groupingKey string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT url_hash, canonical_url, COALESCE(title, ''), COALESCE(snapshot_object, ''), first_seen_at
		FROM pages
		WHERE url_hash=$1
	`, groupingKey).Scan(&item.GroupingKey, &item.CanonicalURL, &item.Title, &item.SnapshotObject, &item.FirstSeenAt)
	if err != nil {
		return Page{}, err
	}
	return item, nil
}
