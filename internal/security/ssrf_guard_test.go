package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClient はタイムアウトとsafeurlのTransportが設定されることを検証する。
func TestNewSafeClient(t *testing.T) {
	client := NewSSRFGuard().NewSafeClient(5 * time.Second)

	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	// safeurlはDialerのControlフックで検証するため独自のTransportを持つ
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Errorf("Transport = %v, want safeurl transport", client.Transport)
	}
}

// TestNewSafeClient_BlocksLoopbackBridge はループバック上のブリッジへの接続が拒否されることを検証する。
// httptestサーバーは127.0.0.1で待ち受けるため、ポートを許可してもアドレスで拒否される。
func TestNewSafeClient_BlocksLoopbackBridge(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL + "/alice/rss"); err == nil {
		t.Fatal("expected error for loopback bridge, got nil")
	}
	if called {
		t.Error("ループバックのブリッジに到達した")
	}
}

// TestValidateURL はブリッジURLの静的検証を検証する。
func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"公開ブリッジ", "https://nitter.example.com", false},
		{"公開ブリッジ（パス付き）", "https://nitter.example.com/alice/rss", false},
		{"公開IP", "http://93.184.216.34", false},
		{"空", "", true},
		{"スキームなし", "nitter.example.com", true},
		{"ftp", "ftp://nitter.example.com", true},
		{"ホストなし", "http:///alice/rss", true},
		{"10.0.0.0/8", "http://10.1.2.3", true},
		{"172.16.0.0/12", "http://172.20.0.5:8080", true},
		{"192.168.0.0/16", "http://192.168.1.10", true},
		{"ループバック", "http://127.0.0.1", true},
		{"IPv6ループバック", "http://[::1]:8080", true},
		{"リンクローカル", "http://169.254.10.10", true},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data", true},
		{"ゼロアドレス", "http://0.0.0.0", true},
		{"IPv6ユニークローカル", "http://[fd00::1]", true},
		{"localhost", "http://localhost:8080", true},
		{"localhostサブドメイン", "http://nitter.localhost/alice/rss", true},
		{"大文字のLOCALHOST", "http://LOCALHOST", true},
	}

	guard := NewSSRFGuard()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

// TestNewSSRFGuard_Ports は許可ポートの既定値と指定が反映されることを検証する。
func TestNewSSRFGuard_Ports(t *testing.T) {
	if got := NewSSRFGuard().allowedPorts; len(got) != 2 || got[0] != 80 || got[1] != 443 {
		t.Errorf("default allowedPorts = %v, want [80 443]", got)
	}

	guard := NewSSRFGuard(80, 443, 8081)
	if len(guard.allowedPorts) != 3 || guard.allowedPorts[2] != 8081 {
		t.Errorf("allowedPorts = %v, want [80 443 8081]", guard.allowedPorts)
	}
}
