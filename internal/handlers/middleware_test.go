package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newOriginServer(t *testing.T, origins []string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(NewOriginPolicy(origins).Middleware())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func getWithOrigin(t *testing.T, url, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOriginPolicy(t *testing.T) {
	server := newOriginServer(t, []string{"http://app.example.com"})

	// The sync daemon sends no Origin header.
	if resp := getWithOrigin(t, server.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("headless client: status %d", resp.StatusCode)
	}

	resp := getWithOrigin(t, server.URL+"/health", "http://app.example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.example.com" {
		t.Fatalf("allow-origin header %q", got)
	}

	if resp := getWithOrigin(t, server.URL+"/health", "http://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: status %d", resp.StatusCode)
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	server := newOriginServer(t, []string{"*"})

	if resp := getWithOrigin(t, server.URL+"/health", "http://anywhere.example.com"); resp.StatusCode != http.StatusOK {
		t.Fatalf("wildcard: status %d", resp.StatusCode)
	}
}

func TestOriginPolicyPreflight(t *testing.T) {
	server := newOriginServer(t, []string{"http://app.example.com"})

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Origin", "http://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d, want 204", resp.StatusCode)
	}
}
