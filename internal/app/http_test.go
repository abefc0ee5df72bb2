package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mindhaven/api/internal/store"
)

func newTestServer(fs *fakeStore) (*HTTPServer, *Service) {
	svc, _ := newTestService(fs)
	return NewHTTPServer(svc, "*"), svc
}

func bearerFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	sess, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	return "Bearer " + sess.Token
}

func doRequest(server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", recorder.Code)
	}

	recorder = doRequest(server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", recorder.Code)
	}

	broken, _ := newTestServer(&fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	})
	recorder = doRequest(broken, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with broken db: expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestForumRequiresSession(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(server, http.MethodGet, "/api/forum", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %v", payload["code"])
	}
}

func TestArticleListIsPublic(t *testing.T) {
	fs := &fakeStore{
		listArticlesFn: func(_ context.Context, category, search string, limit, offset int) ([]store.ArticleView, int, error) {
			return []store.ArticleView{{
				Article: store.Article{ID: "art-1", Title: "Sleep hygiene", Category: "wellness"},
				Author:  store.UserRef{ID: "author", Username: "dr-a"},
			}}, 1, nil
		},
	}
	server, _ := newTestServer(fs)

	recorder := doRequest(server, http.MethodGet, "/api/articles?category=wellness", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %v", payload["items"])
	}
	if payload["total"].(float64) != 1 {
		t.Fatalf("expected total 1, got %v", payload["total"])
	}
}

func TestCreateArticleRequiresAdmin(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			role := "user"
			if id == "admin-1" {
				role = "admin"
			}
			return store.User{ID: id, Username: "u-" + id, Role: role}, nil
		},
		getArticleFn: func(_ context.Context, id string) (store.ArticleView, error) {
			return store.ArticleView{Article: store.Article{ID: id, Title: "t", Content: "c", Category: "wellness"}}, nil
		},
	}
	server, svc := newTestServer(fs)
	body := `{"title":"t","content":"c","category":"wellness"}`

	userToken := bearerFor(t, svc, store.User{ID: "user-1", Username: "user1", Role: "user"})
	recorder := doRequest(server, http.MethodPost, "/api/articles", userToken, body)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("user publish: expected 403, got %d", recorder.Code)
	}

	adminToken := bearerFor(t, svc, store.User{ID: "admin-1", Username: "admin1", Role: "admin"})
	recorder = doRequest(server, http.MethodPost, "/api/articles", adminToken, body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("admin publish: expected 201, got %d (%s)", recorder.Code, recorder.Body.String())
	}
}

func TestMarkNotificationReadScopesToRecipient(t *testing.T) {
	fs := &fakeStore{
		markNotificationReadFn: func(_ context.Context, notificationID, recipientID string) (bool, error) {
			return recipientID == "owner-1", nil
		},
	}
	server, svc := newTestServer(fs)

	token := bearerFor(t, svc, store.User{ID: "stranger-1", Username: "s1", Role: "user"})
	recorder := doRequest(server, http.MethodPost, "/api/notifications/ntf-1/read", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("foreign notification: expected 404, got %d", recorder.Code)
	}

	token = bearerFor(t, svc, store.User{ID: "owner-1", Username: "o1", Role: "user"})
	recorder = doRequest(server, http.MethodPost, "/api/notifications/ntf-1/read", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("own notification: expected 200, got %d", recorder.Code)
	}
}

func TestSearchWorksWithoutSession(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(server, http.MethodGet, "/api/search?q=anxiety", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if _, ok := payload["results"].([]any); !ok {
		t.Fatalf("expected results array, got %v", payload["results"])
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(server, http.MethodPost, "/api/auth/register", "", `{"username":"x","email":"x@example.com","password":"short"}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestLoginUnknownUserReturnsInvalidCredentials(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(server, http.MethodPost, "/api/auth/login", "", `{"identifier":"ghost","password":"whatever1"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

func TestConsultationCloseConflict(t *testing.T) {
	fs := &fakeStore{
		getConsultationFn: func(_ context.Context, id string) (store.ConsultationView, error) {
			return store.ConsultationView{Consultation: store.Consultation{ID: id, UserID: "asker-1", Status: "closed"}}, nil
		},
		closeConsultationFn: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	server, svc := newTestServer(fs)

	token := bearerFor(t, svc, store.User{ID: "asker-1", Username: "asker", Role: "user"})
	recorder := doRequest(server, http.MethodPost, "/api/consultations/con-1/close", token, "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "CONSULTATION_CLOSED" {
		t.Fatalf("expected CONSULTATION_CLOSED, got %v", payload["code"])
	}
}
