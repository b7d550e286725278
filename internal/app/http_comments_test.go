package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"pagetalk/api/internal/auth"
	"pagetalk/api/internal/store"
)

func bearerFor(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: "Avery",
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestCreateCommentEndpointContract(t *testing.T) {
	fs := &fakeStore{}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/comments",
		`{"content":"  trimmed content  ","url":"https://www.example.com/post/"}`,
		bearerFor(t, "u_author"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["content"] != "trimmed content" {
		t.Fatalf("content = %v, want trimmed", payload["content"])
	}
	if payload["canonicalUrl"] != "https://example.com/post" {
		t.Fatalf("canonicalUrl = %v", payload["canonicalUrl"])
	}
	key, _ := payload["groupingKey"].(string)
	if len(key) != 64 {
		t.Fatalf("groupingKey length = %d, want 64", len(key))
	}
	if payload["authorId"] != "u_author" {
		t.Fatalf("authorId = %v", payload["authorId"])
	}
	if payload["parentId"] != nil {
		t.Fatalf("parentId = %v, want null", payload["parentId"])
	}
}

func TestCreateCommentInvalidURLStatus(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/comments",
		`{"content":"hi","url":"not a url"}`,
		bearerFor(t, "u_author"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "INVALID_URL" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestCreateReplyMissingParentStatus(t *testing.T) {
	fs := &fakeStore{
		commentExistsFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/comments",
		`{"content":"reply","url":"https://example.com/a","parentId":"c_ghost"}`,
		bearerFor(t, "u_author"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "PARENT_NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestUpdateForeignCommentReturnsNotFound(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodPatch, "/api/comments/c_foreign",
		`{"content":"edited"}`,
		bearerFor(t, "u_author"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestDeleteForeignCommentReturnsNotFound(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodDelete, "/api/comments/c_foreign",
		"", bearerFor(t, "u_author"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestDeleteOwnedComment(t *testing.T) {
	deleted := ""
	fs := &fakeStore{
		deleteOwnedCommentFn: func(_ context.Context, commentID, authorID string) (bool, error) {
			if authorID != "u_author" {
				t.Fatalf("authorID = %q", authorID)
			}
			deleted = commentID
			return true, nil
		},
	}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, _ := doJSON(t, server.Handler(), http.MethodDelete, "/api/comments/c_mine",
		"", bearerFor(t, "u_author"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if deleted != "c_mine" {
		t.Fatalf("deleted = %q", deleted)
	}
}

func TestListCommentsIsPublic(t *testing.T) {
	fs := &fakeStore{
		listByGroupingKeyFn: func(context.Context, string, bool) ([]store.Comment, error) {
			return []store.Comment{
				{ID: "c_1", Content: "first", AuthorID: "u_a"},
				{ID: "c_2", Content: "second", AuthorID: "u_b"},
			}, nil
		},
	}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet,
		"/api/comments?url=https%3A%2F%2Fexample.com%2Fa", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	comments, _ := payload["comments"].([]any)
	if len(comments) != 2 {
		t.Fatalf("comments = %v", payload["comments"])
	}
	if payload["canonicalUrl"] != "https://example.com/a" {
		t.Fatalf("canonicalUrl = %v", payload["canonicalUrl"])
	}
}

func TestListCommentsRejectsInvalidURL(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/comments?url=", "", nil)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "INVALID_URL" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestListCommentsRejectsUnknownOrder(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet,
		"/api/comments?url=https%3A%2F%2Fexample.com%2Fa&order=upvotes", "", nil)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestRepliesUnknownCommentReturns404(t *testing.T) {
	fs := &fakeStore{
		commentExistsFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/comments/c_ghost/replies", "", nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestUserCommentsRejectsBadLimit(t *testing.T) {
	server := NewHTTPServer(newHTTPTestService(&fakeStore{}), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/users/u_1/comments?limit=abc", "", nil)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestCurrentUserEndpoint(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Avery", Email: "avery@example.com", IsEmailVerified: true}, nil
		},
	}
	server := NewHTTPServer(newHTTPTestService(fs), "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/users/me", "", bearerFor(t, "u_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["email"] != "avery@example.com" || payload["emailVerified"] != true {
		t.Fatalf("payload = %v", payload)
	}
}
