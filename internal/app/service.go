package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"pagetalk/api/internal/auth"
	"pagetalk/api/internal/authpw"
	"pagetalk/api/internal/blob"
	"pagetalk/api/internal/config"
	"pagetalk/api/internal/email"
	"pagetalk/api/internal/preview"
	"pagetalk/api/internal/search"
	"pagetalk/api/internal/store"
	"pagetalk/api/internal/urlnorm"
	"pagetalk/api/internal/util"
)

// maxCommentRunes is the content ceiling, counted in runes after
// trimming.
const maxCommentRunes = 5000

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type CreateCommentInput struct {
	Content  string  `json:"content"`
	URL      string  `json:"url"`
	ParentID *string `json:"parentId"`
}

type UpdateCommentInput struct {
	Content string `json:"content"`
}

type dataStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	SetVerificationCode(ctx context.Context, userID, code string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, email, code string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
	CommentExists(ctx context.Context, commentID string) (bool, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	UpdateOwnedComment(ctx context.Context, commentID, authorID, content string) (store.Comment, bool, error)
	DeleteOwnedComment(ctx context.Context, commentID, authorID string) (bool, error)
	ListCommentsByGroupingKey(ctx context.Context, groupingKey string, newestFirst bool) ([]store.Comment, error)
	ListCommentReplies(ctx context.Context, parentID string) ([]store.Comment, error)
	ListCommentsByAuthor(ctx context.Context, authorID string, limit int) ([]store.Comment, error)
	UpsertPage(ctx context.Context, page store.Page) (bool, error)
	UpdatePageSnapshot(ctx context.Context, groupingKey, title, snapshotObject string) error
	GetPage(ctx context.Context, groupingKey string) (store.Page, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis in production; the Postgres
// store doubles as the fallback backend.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	norm     *urlnorm.Normalizer
	search   *search.Service
	authpw   *authpw.Service
	email    *email.Service
	previews *preview.Service
	blobs    *blob.Store
}

func New(cfg config.Config, dataStore *store.PostgresStore, normalizer *urlnorm.Normalizer, searchService *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, normalizer, searchService)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, normalizer *urlnorm.Normalizer, searchService *search.Service) *Service {
	return newService(cfg, dataStore, sessions, normalizer, searchService)
}

func newService(cfg config.Config, data dataStore, sessions sessionStore, normalizer *urlnorm.Normalizer, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		norm:     normalizer,
		search:   searchService,
		authpw:   authpw.NewService(data),
		email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}
}

// EnablePreviews attaches the headless-Chrome capture service and the
// object store that holds its screenshots. Without both, pages are
// still recorded but never get a snapshot.
func (s *Service) EnablePreviews(previews *preview.Service, blobs *blob.Store) {
	s.previews = previews
	s.blobs = blobs
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// MailVerificationCode sends the six-digit code in the background when
// SMTP is configured.
func (s *Service) MailVerificationCode(to, userName, code string) {
	if !s.SMTPConfigured() {
		return
	}
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, code); err != nil {
			log.Printf("send verification email to %s failed: %v", to, err)
		}
	}()
}

// MailPasswordReset sends the reset link in the background when SMTP is
// configured.
func (s *Service) MailPasswordReset(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	resetURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, resetURL); err != nil {
			log.Printf("send password reset email to %s failed: %v", to, err)
		}
	}()
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session backend may carry only the user id; reload the row.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            user.ID,
		"displayName":   user.DisplayName,
		"email":         user.Email,
		"emailVerified": user.IsEmailVerified,
		"createdAt":     user.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ---- comments ----

// CreateComment validates content and URL, closes the parent race
// against the foreign key, and stores the comment under the grouping
// key derived here. The client never supplies canonical forms.
func (s *Service) CreateComment(ctx context.Context, session Session, input CreateCommentInput) (map[string]any, error) {
	if session.UserID == "" {
		return nil, errAuthenticationRequired
	}

	content, err := validateContent(input.Content)
	if err != nil {
		return nil, err
	}
	canonical, err := s.canonicalize(input.URL)
	if err != nil {
		return nil, err
	}

	parentID := normalizeParentID(input.ParentID)
	if parentID != nil {
		exists, err := s.store.CommentExists(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errParentNotFound
		}
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:           util.NewID("c"),
		Content:      content,
		RawURL:       input.URL,
		CanonicalURL: canonical.Canonical,
		GroupingKey:  canonical.GroupingKey,
		AuthorID:     session.UserID,
		ParentID:     parentID,
	})
	if err != nil {
		// Parent deleted between the existence check and the insert.
		if errors.Is(err, store.ErrParentMissing) {
			return nil, errParentNotFound
		}
		return nil, err
	}

	s.indexComment(comment)
	s.recordPage(ctx, canonical)

	return commentPayload(comment), nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, commentID string, input UpdateCommentInput) (map[string]any, error) {
	if session.UserID == "" {
		return nil, errAuthenticationRequired
	}
	content, err := validateContent(input.Content)
	if err != nil {
		return nil, err
	}

	comment, found, err := s.store.UpdateOwnedComment(ctx, commentID, session.UserID, content)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFoundOrForbidden
	}

	s.indexComment(comment)
	return commentPayload(comment), nil
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	if session.UserID == "" {
		return errAuthenticationRequired
	}

	found, err := s.store.DeleteOwnedComment(ctx, commentID, session.UserID)
	if err != nil {
		return err
	}
	if !found {
		return errNotFoundOrForbidden
	}

	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// CommentsForURL canonicalizes the query URL and returns every comment
// on the page it names, oldest first unless newestFirst is set. Two raw
// URLs that canonicalize identically always return the same list.
func (s *Service) CommentsForURL(ctx context.Context, rawURL string, newestFirst bool) (map[string]any, error) {
	canonical, err := s.canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListCommentsByGroupingKey(ctx, canonical.GroupingKey, newestFirst)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":          rawURL,
		"canonicalUrl": canonical.Canonical,
		"groupingKey":  canonical.GroupingKey,
		"comments":     commentItems(comments),
	}, nil
}

func (s *Service) CommentReplies(ctx context.Context, commentID string) (map[string]any, error) {
	exists, err := s.store.CommentExists(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, sql.ErrNoRows
	}
	replies, err := s.store.ListCommentReplies(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"parentId": commentID,
		"replies":  commentItems(replies),
	}, nil
}

func (s *Service) UserComments(ctx context.Context, userID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	comments, err := s.store.ListCommentsByAuthor(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":   userID,
		"comments": commentItems(comments),
	}, nil
}

// SearchComments runs full text search, optionally scoped to one page
// (by raw URL, canonicalized here) or one author.
func (s *Service) SearchComments(ctx context.Context, text, rawURL, authorID string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	groupingKey := ""
	if strings.TrimSpace(rawURL) != "" {
		canonical, err := s.canonicalize(rawURL)
		if err != nil {
			return search.Response{}, err
		}
		groupingKey = canonical.GroupingKey
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(text)}, nil
	}
	return s.search.Search(search.Query{
		Text:        strings.TrimSpace(text),
		GroupingKey: groupingKey,
		AuthorID:    strings.TrimSpace(authorID),
		Limit:       limit,
		Offset:      offset,
	}), nil
}

// ---- pages ----

func (s *Service) PageForURL(ctx context.Context, rawURL string) (map[string]any, error) {
	canonical, err := s.canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	page, err := s.store.GetPage(ctx, canonical.GroupingKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"groupingKey":  page.GroupingKey,
		"canonicalUrl": page.CanonicalURL,
		"title":        page.Title,
		"hasPreview":   page.SnapshotObject != "",
		"firstSeenAt":  page.FirstSeenAt.Format(time.RFC3339),
	}, nil
}

// PagePreview returns the stored screenshot PNG for a grouping key.
func (s *Service) PagePreview(ctx context.Context, groupingKey string) ([]byte, error) {
	page, err := s.store.GetPage(ctx, groupingKey)
	if err != nil {
		return nil, err
	}
	if page.SnapshotObject == "" || s.blobs == nil {
		return nil, sql.ErrNoRows
	}
	return s.blobs.GetScreenshot(ctx, page.SnapshotObject)
}

// recordPage registers the grouping key in pages and schedules a
// preview capture the first time it is seen. Failures never surface to
// the comment write.
func (s *Service) recordPage(ctx context.Context, canonical urlnorm.CanonicalURL) {
	inserted, err := s.store.UpsertPage(ctx, store.Page{
		GroupingKey:  canonical.GroupingKey,
		CanonicalURL: canonical.Canonical,
	})
	if err != nil {
		log.Printf("record page %s failed: %v", canonical.GroupingKey, err)
		return
	}
	if !inserted {
		return
	}
	if s.previews == nil || s.blobs == nil || !s.previews.Available() {
		return
	}
	go s.capturePreview(canonical)
}

func (s *Service) capturePreview(canonical urlnorm.CanonicalURL) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	capture, err := s.previews.Capture(ctx, canonical.Canonical)
	if err != nil {
		log.Printf("preview capture %s failed: %v", canonical.Canonical, err)
		return
	}
	objectName, err := s.blobs.PutScreenshot(ctx, canonical.GroupingKey, capture.Screenshot)
	if err != nil {
		log.Printf("preview upload %s failed: %v", canonical.GroupingKey, err)
		return
	}
	if err := s.store.UpdatePageSnapshot(ctx, canonical.GroupingKey, capture.Title, objectName); err != nil {
		log.Printf("preview record %s failed: %v", canonical.GroupingKey, err)
	}
}

func (s *Service) indexComment(comment store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:           comment.ID,
		Content:      comment.Content,
		CanonicalURL: comment.CanonicalURL,
		GroupingKey:  comment.GroupingKey,
		AuthorID:     comment.AuthorID,
	})
}

func (s *Service) canonicalize(rawURL string) (urlnorm.CanonicalURL, error) {
	canonical, err := s.norm.Canonicalize(rawURL)
	if err != nil {
		return urlnorm.CanonicalURL{}, errInvalidURL
	}
	return canonical, nil
}

func validateContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", errEmptyContent
	}
	if utf8.RuneCountInString(content) > maxCommentRunes {
		return "", errContentTooLong
	}
	return content, nil
}

func normalizeParentID(parentID *string) *string {
	if parentID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*parentID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func commentPayload(comment store.Comment) map[string]any {
	var parentID any
	if comment.ParentID != nil {
		parentID = *comment.ParentID
	}
	return map[string]any{
		"id":           comment.ID,
		"content":      comment.Content,
		"url":          comment.RawURL,
		"canonicalUrl": comment.CanonicalURL,
		"groupingKey":  comment.GroupingKey,
		"authorId":     comment.AuthorID,
		"parentId":     parentID,
		"createdAt":    comment.CreatedAt.Format(time.RFC3339),
		"updatedAt":    comment.UpdatedAt.Format(time.RFC3339),
	}
}

func commentItems(comments []store.Comment) []map[string]any {
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items
}
