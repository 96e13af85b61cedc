package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"creatorhub/internal/ratelimit"
	"creatorhub/internal/usertoken"
	"creatorhub/pkg/domain"
	"creatorhub/pkg/store"
	"creatorhub/services/ledger/internal/app"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubVerifier struct {
	mu         sync.Mutex
	identities map[string]usertoken.Identity
	revoked    map[string]bool
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{
		identities: map[string]usertoken.Identity{
			"founder-token": {UserID: "f1", Role: domain.RoleFounder, TokenID: "t1"},
			"mod-token":     {UserID: "m1", Role: domain.RoleModerateur, TokenID: "t2"},
			"creator-token": {UserID: "u1", Role: domain.RoleCreator, TokenID: "t3"},
			"legacy-token":  {UserID: "u2", Role: domain.RoleCreator},
		},
		revoked: map[string]bool{},
	}
}

func (v *stubVerifier) VerifyIdentity(_ context.Context, token string) (usertoken.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.identities[token]
	if !ok {
		return usertoken.Identity{}, errors.New("invalid token")
	}
	if v.revoked[id.TokenID] {
		return usertoken.Identity{}, usertoken.ErrTokenRevoked
	}
	return id, nil
}

func (v *stubVerifier) Revoke(_ context.Context, id usertoken.Identity) error {
	if id.TokenID == "" {
		return usertoken.ErrTokenNotRevocable
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[id.TokenID] = true
	return nil
}

type memoryObjects struct{}

func (memoryObjects) Put(_ context.Context, _ string, r io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (memoryObjects) URL(key string) string { return "https://media.test/" + key }

func (memoryObjects) Delete(context.Context, string) error { return nil }

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestEnv(t *testing.T, limiter RateLimiter) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	a, err := app.New(app.Config{Store: s, Objects: memoryObjects{}, MaxAvatarBytes: 1024})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: a, TokenVerifier: newStubVerifier(), Limiter: limiter, MaxAvatarBytes: 1024})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.send(t, req)
}

func (e *testEnv) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func expectError(t *testing.T, status int, body map[string]any, want int) {
	t.Helper()
	if status != want {
		t.Fatalf("status = %d, want %d (body %v)", status, want, body)
	}
	if body["status"] != "error" || body["message"] == "" || body["message"] == nil {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestLikeToggleEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutPost(domain.Post{ID: "p1"})

	status, body := env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "p1", "userId": "u1"})
	if status != http.StatusOK || body["status"] != "success" || body["message"] != "Post aimé." {
		t.Fatalf("first like: %d %v", status, body)
	}
	post, _, _ := env.store.GetPost(context.Background(), "p1")
	if !post.HasLike("u1") {
		t.Fatalf("u1 should like p1")
	}

	status, body = env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "p1", "userId": "u1"})
	if status != http.StatusOK || body["status"] != "success" || body["message"] != "Like retiré." {
		t.Fatalf("second like: %d %v", status, body)
	}
	post, _, _ = env.store.GetPost(context.Background(), "p1")
	if post.HasLike("u1") {
		t.Fatalf("u1 should no longer like p1")
	}

	status, body = env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "nope", "userId": "u1"})
	expectError(t, status, body, http.StatusNotFound)
	status, body = env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "p1"})
	expectError(t, status, body, http.StatusBadRequest)
	status, body = env.do(t, http.MethodGet, "/api/posts/like", "", nil)
	expectError(t, status, body, http.StatusMethodNotAllowed)
}

func TestCommentRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutUser(domain.User{ID: "u1", DisplayName: "Ada"})
	env.store.PutPost(domain.Post{ID: "p1"})

	status, body := env.do(t, http.MethodPost, "/api/comments", "", map[string]string{"postId": "p1", "authorId": "u1", "content": "hello"})
	if status != http.StatusOK || body["status"] != "success" || body["commentId"] == "" {
		t.Fatalf("append: %d %v", status, body)
	}

	status, body = env.do(t, http.MethodGet, "/api/comments?postId=p1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, body)
	}
	comments, _ := body["comments"].([]any)
	if len(comments) != 1 {
		t.Fatalf("expected one comment, got %v", body["comments"])
	}

	env.store.SetTxHook(func(int) { env.store.DeletePost("p1") })
	status, body = env.do(t, http.MethodPost, "/api/comments", "", map[string]string{"postId": "p1", "authorId": "u1", "content": "again"})
	expectError(t, status, body, http.StatusConflict)

	status, body = env.do(t, http.MethodPost, "/api/comments", "", map[string]string{"postId": "p1", "authorId": "ghost", "content": "x"})
	expectError(t, status, body, http.StatusNotFound)
}

func TestMarkReadRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutNotification(domain.Notification{ID: "n1", UserID: "u1"})
	env.store.PutNotification(domain.Notification{ID: "n2", UserID: "u2"})

	status, body := env.do(t, http.MethodPost, "/api/notifications/mark-read", "", map[string]any{"userId": "u1", "notificationIds": []string{"n1", "n2"}})
	expectError(t, status, body, http.StatusForbidden)

	status, body = env.do(t, http.MethodPost, "/api/notifications/mark-read", "", map[string]any{"userId": "u1", "notificationIds": []string{}})
	expectError(t, status, body, http.StatusBadRequest)

	ids := make([]string, store.MaxBatchWrites+1)
	for i := range ids {
		ids[i] = "n1"
	}
	status, body = env.do(t, http.MethodPost, "/api/notifications/mark-read", "", map[string]any{"userId": "u1", "notificationIds": ids})
	expectError(t, status, body, http.StatusBadRequest)

	status, body = env.do(t, http.MethodPost, "/api/notifications/mark-read", "", map[string]any{"userId": "u1", "notificationIds": []string{"n1"}})
	if status != http.StatusOK || body["status"] != "success" {
		t.Fatalf("mark read: %d %v", status, body)
	}
	if n, _ := env.store.GetNotification("n1"); !n.IsRead {
		t.Fatalf("n1 should be read")
	}
}

func TestCartRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutProduct(domain.Product{ID: "pr1", Title: "Mug", Price: 9})
	ctx := context.Background()

	for _, qty := range []int{2, 3} {
		status, body := env.do(t, http.MethodPost, "/api/cart/add", "", map[string]any{"userId": "u1", "productId": "pr1", "quantity": qty})
		if status != http.StatusOK || body["status"] != "success" {
			t.Fatalf("add %d: %d %v", qty, status, body)
		}
	}
	item, _, _ := env.store.GetCartItem(ctx, "u1", "pr1")
	if item.Quantity != 5 {
		t.Fatalf("quantity = %d, want 5", item.Quantity)
	}

	status, body := env.do(t, http.MethodPost, "/api/cart/add", "", map[string]any{"userId": "u1", "productId": "pr1"})
	expectError(t, status, body, http.StatusBadRequest)
	status, body = env.do(t, http.MethodPost, "/api/cart/add", "", map[string]any{"userId": "u1", "productId": "missing", "quantity": 1})
	expectError(t, status, body, http.StatusNotFound)

	status, body = env.do(t, http.MethodPost, "/api/cart/update", "", map[string]any{"userId": "u1", "productId": "pr1", "quantity": 0})
	if status != http.StatusOK {
		t.Fatalf("update: %d %v", status, body)
	}
	if item, ok, _ := env.store.GetCartItem(ctx, "u1", "pr1"); !ok || item.Quantity != 0 {
		t.Fatalf("update to zero must keep item, ok=%v item=%+v", ok, item)
	}

	status, body = env.do(t, http.MethodDelete, "/api/cart/remove?userId=u1&productId=pr1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("remove: %d %v", status, body)
	}
	if _, ok, _ := env.store.GetCartItem(ctx, "u1", "pr1"); ok {
		t.Fatalf("remove must delete item")
	}
	status, _ = env.do(t, http.MethodPost, "/api/cart/remove", "", map[string]any{"userId": "u1", "productId": "pr1"})
	if status != http.StatusOK {
		t.Fatalf("removing a missing item should succeed, got %d", status)
	}
}

func TestCartRemoveDecodesStreamedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutProduct(domain.Product{ID: "pr1", Title: "Mug"})
	ctx := context.Background()
	if status, body := env.do(t, http.MethodPost, "/api/cart/add", "", map[string]any{"userId": "u1", "productId": "pr1", "quantity": 1}); status != http.StatusOK {
		t.Fatalf("add: %d %v", status, body)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := pw.Write([]byte(`{"userId":"u1","productId":"pr1"}`))
		pw.CloseWithError(err)
	}()
	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/cart/remove", pr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	status, body := env.send(t, req)
	if status != http.StatusOK || body["status"] != "success" {
		t.Fatalf("remove: %d %v", status, body)
	}
	if _, ok, _ := env.store.GetCartItem(ctx, "u1", "pr1"); ok {
		t.Fatal("chunked delete must remove the item")
	}

	status, body = env.do(t, http.MethodDelete, "/api/cart/remove", "", nil)
	expectError(t, status, body, http.StatusBadRequest)
}

func TestCartUpdateMissingItem(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, qty := range []int{0, 3} {
		status, body := env.do(t, http.MethodPost, "/api/cart/update", "", map[string]any{"userId": "u1", "productId": "pr1", "quantity": qty})
		expectError(t, status, body, http.StatusNotFound)
	}
	if _, ok, _ := env.store.GetCartItem(context.Background(), "u1", "pr1"); ok {
		t.Fatal("update must not create a cart item")
	}
}

func TestSendMessageRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/messages", "", map[string]string{"senderId": "u1", "receiverId": "u2", "message": "hi"})
	if status != http.StatusOK || body["messageId"] == "" {
		t.Fatalf("send: %d %v", status, body)
	}
	if msgs := env.store.ListMessages(); len(msgs) != 1 || msgs[0].IsRead {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestSettingsRequireBearerAndRole(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/api/settings", "", nil)
	expectError(t, status, body, http.StatusUnauthorized)
	status, body = env.do(t, http.MethodGet, "/api/settings", "bogus", nil)
	expectError(t, status, body, http.StatusUnauthorized)
	status, body = env.do(t, http.MethodGet, "/api/settings", "creator-token", nil)
	expectError(t, status, body, http.StatusForbidden)
	status, body = env.do(t, http.MethodPut, "/api/settings", "mod-token", map[string]any{"banner": "x"})
	expectError(t, status, body, http.StatusForbidden)

	status, body = env.do(t, http.MethodPut, "/api/settings", "founder-token", map[string]any{"banner": "x"})
	if status != http.StatusOK || body["status"] != "success" {
		t.Fatalf("update: %d %v", status, body)
	}
	status, body = env.do(t, http.MethodGet, "/api/settings", "mod-token", nil)
	if status != http.StatusOK {
		t.Fatalf("read: %d %v", status, body)
	}
	settings, _ := body["settings"].(map[string]any)
	if settings["banner"] != "x" {
		t.Fatalf("unexpected settings: %v", body)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/auth/logout", "creator-token", nil)
	if status != http.StatusOK || body["status"] != "success" {
		t.Fatalf("logout: %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/api/auth/logout", "creator-token", nil)
	expectError(t, status, body, http.StatusUnauthorized)
}

func TestLogoutWithoutTokenID(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/auth/logout", "legacy-token", nil)
	expectError(t, status, body, http.StatusBadRequest)
}

func TestAvatarUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.PutUser(domain.User{ID: "u1", DisplayName: "Ada"})

	upload := func(token string, contentType string, data []byte) (int, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="me.png"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(data)
		_ = mw.Close()
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/users/avatar", &buf)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return env.send(t, req)
	}

	status, body := upload("", "image/png", []byte("png"))
	expectError(t, status, body, http.StatusUnauthorized)

	status, body = upload("creator-token", "image/png", []byte("png"))
	if status != http.StatusOK {
		t.Fatalf("upload: %d %v", status, body)
	}
	url, _ := body["profileImage"].(string)
	if !strings.HasPrefix(url, "https://media.test/avatars/u1/") {
		t.Fatalf("unexpected profileImage %q", url)
	}
	user, _, _ := env.store.GetUser(context.Background(), "u1")
	if user.ProfileImage != url {
		t.Fatalf("profile image not updated: %q", user.ProfileImage)
	}

	status, body = upload("creator-token", "text/plain", []byte("txt"))
	expectError(t, status, body, http.StatusBadRequest)
	status, body = upload("creator-token", "image/png", bytes.Repeat([]byte("a"), 4096))
	expectError(t, status, body, http.StatusRequestEntityTooLarge)
}

func TestMutationRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ledger", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, limiter)
	env.store.PutPost(domain.Post{ID: "p1"})

	status, _ := env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "p1", "userId": "u1"})
	if status != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", status)
	}
	status, body := env.do(t, http.MethodPost, "/api/posts/like", "", map[string]string{"postId": "p1", "userId": "u1"})
	expectError(t, status, body, http.StatusTooManyRequests)

	// Reads are not limited.
	status, _ = env.do(t, http.MethodGet, "/api/comments?postId=p1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list comments expected 200, got %d", status)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestNewRequiresApp(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing app to fail")
	}
}
