package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"pagetalk/api/internal/config"
	"pagetalk/api/internal/store"
	"pagetalk/api/internal/urlnorm"
)

// fakeStore implements dataStore with overridable function fields.
// Defaults are permissive so each test only wires what it asserts on.
type fakeStore struct {
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	getUserByIDFn           func(context.Context, string) (store.User, error)
	createUserFn            func(context.Context, store.User) error
	setVerificationCodeFn   func(context.Context, string, string, time.Time) error
	verifyUserEmailFn       func(context.Context, string, string) error
	updateUserPasswordFn    func(context.Context, string, string) error
	createPasswordResetFn   func(context.Context, string, string, time.Time) error
	getPasswordResetFn      func(context.Context, string) (string, error)
	saveRefreshSessionFn    func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn  func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn  func(context.Context, string) error
	isAccessTokenRevokedFn  func(context.Context, string) (bool, error)
	insertCommentFn         func(context.Context, store.Comment) (store.Comment, error)
	commentExistsFn         func(context.Context, string) (bool, error)
	getCommentFn            func(context.Context, string) (store.Comment, error)
	updateOwnedCommentFn    func(context.Context, string, string, string) (store.Comment, bool, error)
	deleteOwnedCommentFn    func(context.Context, string, string) (bool, error)
	listByGroupingKeyFn     func(context.Context, string, bool) ([]store.Comment, error)
	listCommentRepliesFn    func(context.Context, string) ([]store.Comment, error)
	listCommentsByAuthorFn  func(context.Context, string, int) ([]store.Comment, error)
	upsertPageFn            func(context.Context, store.Page) (bool, error)
	updatePageSnapshotFn    func(context.Context, string, string, string) error
	getPageFn               func(context.Context, string) (store.Page, error)
	pingFn                  func(context.Context) error
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User"}, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) SetVerificationCode(ctx context.Context, userID, code string, expiresAt time.Time) error {
	if f.setVerificationCodeFn != nil {
		return f.setVerificationCodeFn(ctx, userID, code, expiresAt)
	}
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, email, code string) error {
	if f.verifyUserEmailFn != nil {
		return f.verifyUserEmailFn(ctx, email, code)
	}
	return nil
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if f.updateUserPasswordFn != nil {
		return f.updateUserPasswordFn(ctx, userID, passwordHash)
	}
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if f.createPasswordResetFn != nil {
		return f.createPasswordResetFn(ctx, userID, token, expiresAt)
	}
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if f.getPasswordResetFn != nil {
		return f.getPasswordResetFn(ctx, token)
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	now := time.Now()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	return comment, nil
}

func (f *fakeStore) CommentExists(ctx context.Context, commentID string) (bool, error) {
	if f.commentExistsFn != nil {
		return f.commentExistsFn(ctx, commentID)
	}
	return true, nil
}

func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateOwnedComment(ctx context.Context, commentID, authorID, content string) (store.Comment, bool, error) {
	if f.updateOwnedCommentFn != nil {
		return f.updateOwnedCommentFn(ctx, commentID, authorID, content)
	}
	return store.Comment{}, false, nil
}

func (f *fakeStore) DeleteOwnedComment(ctx context.Context, commentID, authorID string) (bool, error) {
	if f.deleteOwnedCommentFn != nil {
		return f.deleteOwnedCommentFn(ctx, commentID, authorID)
	}
	return false, nil
}

func (f *fakeStore) ListCommentsByGroupingKey(ctx context.Context, groupingKey string, newestFirst bool) ([]store.Comment, error) {
	if f.listByGroupingKeyFn != nil {
		return f.listByGroupingKeyFn(ctx, groupingKey, newestFirst)
	}
	return nil, nil
}

func (f *fakeStore) ListCommentReplies(ctx context.Context, parentID string) ([]store.Comment, error) {
	if f.listCommentRepliesFn != nil {
		return f.listCommentRepliesFn(ctx, parentID)
	}
	return nil, nil
}

func (f *fakeStore) ListCommentsByAuthor(ctx context.Context, authorID string, limit int) ([]store.Comment, error) {
	if f.listCommentsByAuthorFn != nil {
		return f.listCommentsByAuthorFn(ctx, authorID, limit)
	}
	return nil, nil
}

func (f *fakeStore) UpsertPage(ctx context.Context, page store.Page) (bool, error) {
	if f.upsertPageFn != nil {
		return f.upsertPageFn(ctx, page)
	}
	return false, nil
}

func (f *fakeStore) UpdatePageSnapshot(ctx context.Context, groupingKey, title, snapshotObject string) error {
	if f.updatePageSnapshotFn != nil {
		return f.updatePageSnapshotFn(ctx, groupingKey, title, snapshotObject)
	}
	return nil
}

func (f *fakeStore) GetPage(ctx context.Context, groupingKey string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, groupingKey)
	}
	return store.Page{}, sql.ErrNoRows
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		norm:     urlnorm.New(urlnorm.DefaultPolicy()),
	}
}

func authorSession() Session {
	return Session{UserID: "u_author", UserName: "Avery"}
}

func TestCreateCommentRequiresAuthentication(t *testing.T) {
	inserted := false
	fs := &fakeStore{
		insertCommentFn: func(context.Context, store.Comment) (store.Comment, error) {
			inserted = true
			return store.Comment{}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateComment(context.Background(), Session{}, CreateCommentInput{
		Content: "not empty at all",
		URL:     "https://example.com/a",
	})
	if !errors.Is(err, errAuthenticationRequired) {
		t.Fatalf("err = %v, want authentication required", err)
	}
	if inserted {
		t.Fatal("insert must not run for anonymous callers")
	}
}

func TestCreateCommentValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		url     string
		wantErr *DomainError
	}{
		{"empty content", "", "https://example.com/a", errEmptyContent},
		{"whitespace only content", "   \n\t ", "https://example.com/a", errEmptyContent},
		{"content one over limit", strings.Repeat("x", 5001), "https://example.com/a", errContentTooLong},
		{"relative url", "hello", "/just/a/path", errInvalidURL},
		{"missing scheme", "hello", "example.com/a", errInvalidURL},
		{"blank url", "hello", "   ", errInvalidURL},
	}

	svc := newTestService(&fakeStore{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
				Content: tt.content,
				URL:     tt.url,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateCommentAcceptsMaxLengthContent(t *testing.T) {
	svc := newTestService(&fakeStore{})
	payload, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
		Content: strings.Repeat("y", 5000),
		URL:     "https://example.com/a",
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if payload["authorId"] != "u_author" {
		t.Fatalf("authorId = %v, want u_author", payload["authorId"])
	}
}

func TestCreateCommentDerivesGroupingKeyServerSide(t *testing.T) {
	var stored store.Comment
	fs := &fakeStore{
		insertCommentFn: func(_ context.Context, comment store.Comment) (store.Comment, error) {
			stored = comment
			return comment, nil
		},
	}
	svc := newTestService(fs)

	rawURL := "https://WWW.Example.com/Docs/?utm_source=tw&b=2&a=1#sec"
	if _, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
		Content: "hello",
		URL:     rawURL,
	}); err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}

	want, err := urlnorm.New(urlnorm.DefaultPolicy()).Canonicalize(rawURL)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if stored.GroupingKey != want.GroupingKey {
		t.Fatalf("grouping key = %q, want %q", stored.GroupingKey, want.GroupingKey)
	}
	if stored.CanonicalURL != want.Canonical {
		t.Fatalf("canonical url = %q, want %q", stored.CanonicalURL, want.Canonical)
	}
	if stored.RawURL != rawURL {
		t.Fatalf("raw url = %q, want original input", stored.RawURL)
	}
}

func TestCreateCommentRejectsMissingParentBeforeInsert(t *testing.T) {
	inserted := false
	fs := &fakeStore{
		commentExistsFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
		insertCommentFn: func(context.Context, store.Comment) (store.Comment, error) {
			inserted = true
			return store.Comment{}, nil
		},
	}
	svc := newTestService(fs)

	parent := "c_missing"
	_, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
		Content:  "reply",
		URL:      "https://example.com/a",
		ParentID: &parent,
	})
	if !errors.Is(err, errParentNotFound) {
		t.Fatalf("err = %v, want parent not found", err)
	}
	if inserted {
		t.Fatal("insert must not run when the parent is missing")
	}
}

func TestCreateCommentMapsParentRaceToParentNotFound(t *testing.T) {
	fs := &fakeStore{
		commentExistsFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
		insertCommentFn: func(context.Context, store.Comment) (store.Comment, error) {
			// Parent vanished between the check and the insert.
			return store.Comment{}, store.ErrParentMissing
		},
	}
	svc := newTestService(fs)

	parent := "c_racy"
	_, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
		Content:  "reply",
		URL:      "https://example.com/a",
		ParentID: &parent,
	})
	if !errors.Is(err, errParentNotFound) {
		t.Fatalf("err = %v, want parent not found", err)
	}
}

func TestCreateCommentRegistersPage(t *testing.T) {
	var page store.Page
	fs := &fakeStore{
		upsertPageFn: func(_ context.Context, p store.Page) (bool, error) {
			page = p
			return true, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateComment(context.Background(), authorSession(), CreateCommentInput{
		Content: "first comment on this page",
		URL:     "https://en.example.com/blog/",
	}); err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if page.CanonicalURL != "https://example.com/blog" {
		t.Fatalf("page canonical url = %q", page.CanonicalURL)
	}
	if len(page.GroupingKey) != 64 {
		t.Fatalf("page grouping key length = %d, want 64", len(page.GroupingKey))
	}
}

func TestUpdateCommentFusesMissingAndForeign(t *testing.T) {
	var gotAuthor string
	fs := &fakeStore{
		updateOwnedCommentFn: func(_ context.Context, _, authorID, _ string) (store.Comment, bool, error) {
			gotAuthor = authorID
			return store.Comment{}, false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateComment(context.Background(), authorSession(), "c_other", UpdateCommentInput{Content: "edited"})
	if !errors.Is(err, errNotFoundOrForbidden) {
		t.Fatalf("err = %v, want fused not found", err)
	}
	if gotAuthor != "u_author" {
		t.Fatalf("ownership predicate received author %q", gotAuthor)
	}
}

func TestUpdateCommentValidatesContentFirst(t *testing.T) {
	touched := false
	fs := &fakeStore{
		updateOwnedCommentFn: func(context.Context, string, string, string) (store.Comment, bool, error) {
			touched = true
			return store.Comment{}, true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateComment(context.Background(), authorSession(), "c_1", UpdateCommentInput{Content: "  "})
	if !errors.Is(err, errEmptyContent) {
		t.Fatalf("err = %v, want empty content", err)
	}
	if touched {
		t.Fatal("store must not be touched on invalid content")
	}
}

func TestDeleteCommentFusesMissingAndForeign(t *testing.T) {
	fs := &fakeStore{
		deleteOwnedCommentFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	err := svc.DeleteComment(context.Background(), authorSession(), "c_other")
	if !errors.Is(err, errNotFoundOrForbidden) {
		t.Fatalf("err = %v, want fused not found", err)
	}
}

func TestCommentsForURLSharesKeyAcrossMirrors(t *testing.T) {
	keys := make([]string, 0, 2)
	fs := &fakeStore{
		listByGroupingKeyFn: func(_ context.Context, groupingKey string, _ bool) ([]store.Comment, error) {
			keys = append(keys, groupingKey)
			return nil, nil
		},
	}
	svc := newTestService(fs)

	for _, raw := range []string{
		"https://www.example.com/post/",
		"https://de.example.com/post?utm_campaign=x",
	} {
		if _, err := svc.CommentsForURL(context.Background(), raw, false); err != nil {
			t.Fatalf("CommentsForURL(%q) error = %v", raw, err)
		}
	}
	if len(keys) != 2 || keys[0] != keys[1] {
		t.Fatalf("expected both mirrors to query one grouping key, got %v", keys)
	}
}

func TestCommentsForURLPassesOrderThrough(t *testing.T) {
	var gotNewestFirst bool
	fs := &fakeStore{
		listByGroupingKeyFn: func(_ context.Context, _ string, newestFirst bool) ([]store.Comment, error) {
			gotNewestFirst = newestFirst
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CommentsForURL(context.Background(), "https://example.com/a", true); err != nil {
		t.Fatalf("CommentsForURL() error = %v", err)
	}
	if !gotNewestFirst {
		t.Fatal("newest-first order was not passed to the store")
	}
}

func TestCommentRepliesUnknownComment(t *testing.T) {
	fs := &fakeStore{
		commentExistsFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CommentReplies(context.Background(), "c_unknown")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestUserCommentsClampsLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, 50},
		{"explicit", 10, 10},
		{"over cap", 500, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotLimit int
			fs := &fakeStore{
				listCommentsByAuthorFn: func(_ context.Context, _ string, limit int) ([]store.Comment, error) {
					gotLimit = limit
					return nil, nil
				},
			}
			svc := newTestService(fs)
			if _, err := svc.UserComments(context.Background(), "u_1", tt.limit); err != nil {
				t.Fatalf("UserComments() error = %v", err)
			}
			if gotLimit != tt.want {
				t.Fatalf("limit = %d, want %d", gotLimit, tt.want)
			}
		})
	}
}

func TestSearchCommentsRequiresQuery(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.SearchComments(context.Background(), "  ", "", "", 0, 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Avery", Email: "avery@example.com"}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected token pair")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != "u_1" || parsed.UserName != "Avery" {
		t.Fatalf("parsed session = %+v", parsed)
	}
}
