package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tweetsync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	var w io.Writer = io.Discard
	if buf != nil {
		w = buf
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockMetrics はRecordProviderResponseの呼び出しを記録する。
type mockMetrics struct {
	mu       sync.Mutex
	statuses []int
}

func (m *mockMetrics) RecordProviderResponse(_ string, statusCode int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusCode)
}

func newTestTwitterClient(t *testing.T, baseURL string, metrics MetricsRecorder) *TwitterClient {
	t.Helper()
	return NewTwitterClient(context.Background(), TwitterConfig{
		BaseURL:     baseURL,
		BearerToken: "test-token",
		Timeout:     5 * time.Second,
	}, metrics, newTestLogger(nil))
}

const aliceUserJSON = `{"data":{"id":"2244994945","name":"Alice","username":"Alice","profile_image_url":"https://pbs.twimg.com/alice.jpg"}}`

func TestTwitterClient_ResolveAccount_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-token")
		}
		if r.URL.Path != "/2/users/by/username/alice" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, aliceUserJSON)
	}))
	defer server.Close()

	metrics := &mockMetrics{}
	client := newTestTwitterClient(t, server.URL, metrics)

	res := client.ResolveAccount(context.Background(), "alice")
	if res.Status != model.ResolveFound {
		t.Fatalf("Status = %v, want ResolveFound (err=%v)", res.Status, res.Err)
	}
	if res.Account.ID != "2244994945" || res.Account.Handle != "alice" || res.Account.Name != "Alice" {
		t.Errorf("Account = %+v", res.Account)
	}
	if len(metrics.statuses) != 1 || metrics.statuses[0] != 200 {
		t.Errorf("記録されたステータス = %v, want [200]", metrics.statuses)
	}
}

func TestTwitterClient_ResolveAccount_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "200でerrorsのみ", status: 200, body: `{"errors":[{"title":"Not Found Error","detail":"Could not find user with username: [ghost]."}]}`},
		{name: "404", status: 404, body: `{}`},
		{name: "400（不正なユーザー名）", status: 400, body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			res := newTestTwitterClient(t, server.URL, nil).ResolveAccount(context.Background(), "ghost")
			if res.Status != model.ResolveNotFound {
				t.Errorf("Status = %v, want ResolveNotFound", res.Status)
			}
		})
	}
}

func TestTwitterClient_ResolveAccount_TransientFailures(t *testing.T) {
	for _, status := range []int{500, 503, 401} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer server.Close()

			res := newTestTwitterClient(t, server.URL, nil).ResolveAccount(context.Background(), "alice")
			if res.Status != model.ResolveTransient {
				t.Errorf("Status = %v, want ResolveTransient", res.Status)
			}
			if res.Err == nil {
				t.Error("Transientの場合はErrが設定されるべき")
			}
		})
	}
}

func TestTwitterClient_ResolveAccount_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	metrics := &mockMetrics{}
	res := newTestTwitterClient(t, url, metrics).ResolveAccount(context.Background(), "alice")
	if res.Status != model.ResolveTransient {
		t.Errorf("Status = %v, want ResolveTransient", res.Status)
	}
	if len(metrics.statuses) != 1 || metrics.statuses[0] != 0 {
		t.Errorf("通信失敗はステータス0で記録されるべき: %v", metrics.statuses)
	}
}

func TestTwitterClient_FetchRecentItems(t *testing.T) {
	var userCalls, tweetCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2/users/by/username/alice":
			userCalls.Add(1)
			fmt.Fprint(w, aliceUserJSON)
		case "/2/users/2244994945/tweets":
			tweetCalls.Add(1)
			if got := r.URL.Query().Get("max_results"); got != "5" {
				t.Errorf("max_results = %q, want 5（APIの最小値）", got)
			}
			if got := r.URL.Query().Get("tweet.fields"); got != "created_at,public_metrics" {
				t.Errorf("tweet.fields = %q", got)
			}
			fmt.Fprint(w, `{"data":[
				{"id":"3","text":"third","created_at":"2026-03-01T12:00:03.000Z","public_metrics":{"like_count":7,"retweet_count":2}},
				{"id":"2","text":"second","created_at":"2026-03-01T12:00:02.000Z","public_metrics":{"like_count":1,"retweet_count":0}},
				{"id":"1","text":"first","created_at":"2026-03-01T12:00:01.000Z","public_metrics":{"like_count":0,"retweet_count":0}},
				{"id":"0","text":"zero"}
			]}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestTwitterClient(t, server.URL, nil)

	items := client.FetchRecentItems(context.Background(), "alice", 3)
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].ID != "3" || items[1].ID != "2" || items[2].ID != "1" {
		t.Errorf("提供元の順序が保たれていない: %v, %v, %v", items[0].ID, items[1].ID, items[2].ID)
	}
	if items[0].LikeCount != 7 || items[0].ShareCount != 2 {
		t.Errorf("反応数 = %d/%d, want 7/2", items[0].LikeCount, items[0].ShareCount)
	}
	if items[0].AuthorHandle != "alice" {
		t.Errorf("AuthorHandle = %q", items[0].AuthorHandle)
	}
	if items[0].CreatedAt == nil || !items[0].CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 3, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", items[0].CreatedAt)
	}

	// 2回目はユーザーIDのキャッシュを使う
	client.FetchRecentItems(context.Background(), "alice", 3)
	if got := userCalls.Load(); got != 1 {
		t.Errorf("ユーザー解決の呼び出し回数 = %d, want 1", got)
	}
	if got := tweetCalls.Load(); got != 2 {
		t.Errorf("ツイート取得の呼び出し回数 = %d, want 2", got)
	}
}

func TestTwitterClient_FetchRecentItems_UserIDCacheExpires(t *testing.T) {
	var userCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2/users/by/username/alice" {
			userCalls.Add(1)
			fmt.Fprint(w, aliceUserJSON)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	client := newTestTwitterClient(t, server.URL, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	client.FetchRecentItems(context.Background(), "alice", 5)
	now = now.Add(userIDCacheTTL + time.Second)
	client.FetchRecentItems(context.Background(), "alice", 5)

	if got := userCalls.Load(); got != 2 {
		t.Errorf("期限切れ後は再解決されるべき: 呼び出し回数 = %d", got)
	}
}

func TestTwitterClient_FetchRecentItems_EmptyOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "ユーザーが存在しない",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "ツイート取得が500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/2/users/by/username/alice" {
					fmt.Fprint(w, aliceUserJSON)
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "不正なJSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/2/users/by/username/alice" {
					fmt.Fprint(w, aliceUserJSON)
					return
				}
				fmt.Fprint(w, `{"data":[`)
			},
		},
		{
			name: "投稿なし",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/2/users/by/username/alice" {
					fmt.Fprint(w, aliceUserJSON)
					return
				}
				fmt.Fprint(w, `{"meta":{"result_count":0}}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			items := newTestTwitterClient(t, server.URL, nil).FetchRecentItems(context.Background(), "alice", 5)
			if len(items) != 0 {
				t.Errorf("len(items) = %d, want 0", len(items))
			}
		})
	}
}

func TestTwitterClient_FetchRecentItems_ForgetsUserIDOn404(t *testing.T) {
	var userCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2/users/by/username/alice" {
			userCalls.Add(1)
			fmt.Fprint(w, aliceUserJSON)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestTwitterClient(t, server.URL, nil)
	client.FetchRecentItems(context.Background(), "alice", 5)
	client.FetchRecentItems(context.Background(), "alice", 5)

	if got := userCalls.Load(); got != 2 {
		t.Errorf("404後はユーザーIDを再解決するべき: 呼び出し回数 = %d", got)
	}
}

func TestTwitterClient_RateLimitBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	buf := &bytes.Buffer{}
	client := NewTwitterClient(context.Background(), TwitterConfig{
		BaseURL:     server.URL,
		BearerToken: "test-token",
		Timeout:     5 * time.Second,
	}, nil, newTestLogger(buf))

	res := client.ResolveAccount(context.Background(), "alice")
	if res.Status != model.ResolveTransient {
		t.Fatalf("Status = %v, want ResolveTransient", res.Status)
	}

	// バックオフ中は提供元を呼ばない
	res = client.ResolveAccount(context.Background(), "alice")
	if res.Status != model.ResolveTransient || !errors.Is(res.Err, ErrRateLimited) {
		t.Errorf("バックオフ中はErrRateLimitedのTransientを返すべき: %+v", res)
	}
	if items := client.FetchRecentItems(context.Background(), "alice", 5); len(items) != 0 {
		t.Errorf("バックオフ中は空を返すべき: %d件", len(items))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("提供元の呼び出し回数 = %d, want 1", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("backoff_ms")) {
		t.Error("バックオフがログに記録されていない")
	}
}

func TestTwitterClient_ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "key" || pass != "secret" {
				t.Errorf("BasicAuth = %q/%q/%v", user, pass, ok)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm: %v", err)
			}
			if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
				t.Errorf("grant_type = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"token_type":"bearer","access_token":"app-token"}`)
		case "/2/users/by/username/alice":
			if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
				t.Errorf("Authorization = %q, want Bearer app-token", got)
			}
			fmt.Fprint(w, aliceUserJSON)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewTwitterClient(context.Background(), TwitterConfig{
		BaseURL:   server.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   5 * time.Second,
	}, nil, newTestLogger(nil))

	for i := 0; i < 2; i++ {
		if res := client.ResolveAccount(context.Background(), "alice"); res.Status != model.ResolveFound {
			t.Fatalf("Status = %v, want ResolveFound (err=%v)", res.Status, res.Err)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("トークン取得回数 = %d, want 1（再利用されるべき）", got)
	}
}

func TestTwitterClient_FetchRecentItems_ZeroLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("limit=0では提供元を呼ばないべき")
	}))
	defer server.Close()

	if items := newTestTwitterClient(t, server.URL, nil).FetchRecentItems(context.Background(), "alice", 0); items != nil {
		t.Errorf("items = %v, want nil", items)
	}
}

func TestClamp(t *testing.T) {
	if got := clamp(1, 5, 100); got != 5 {
		t.Errorf("clamp(1) = %d", got)
	}
	if got := clamp(500, 5, 100); got != 100 {
		t.Errorf("clamp(500) = %d", got)
	}
	if got := clamp(20, 5, 100); got != 20 {
		t.Errorf("clamp(20) = %d", got)
	}
}
