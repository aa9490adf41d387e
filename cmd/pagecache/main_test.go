package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/pagecache"
	"github.com/always-cache/pagecache/config"
	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	"github.com/always-cache/pagecache/sites"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)
}

const testToken = "secret"

func newTestAdmin(t *testing.T, directory sites.Directory) (http.Handler, *pagecache.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	settings := config.Default()
	settings.Prefix = "test"
	engine := pagecache.New(pagecache.Config{
		Settings: settings,
		Client:   client,
		Sites:    directory,
		Logger:   &log.Logger,
	})
	return adminRouter(engine, testToken), engine, mr
}

func adminRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func store(t *testing.T, engine *pagecache.Engine, hash string, flags ...string) {
	t.Helper()
	entry := cacheentry.Entry{Output: []byte("Hello"), Status: 200, Updated: time.Now().Unix()}
	if err := engine.Index().SetCache(context.Background(), hash, entry, flags, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestPurgeDelete(t *testing.T) {
	admin, engine, mr := newTestAdmin(t, nil)
	store(t, engine, "h1", "post:5")
	store(t, engine, "h2", "post:6")

	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("POST", "/purge", `{"targets":["5"],"mode":"delete"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d: %s", rr.Code, rr.Body.String())
	}
	var res purgeResponse
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Mode != "delete" || len(res.Flags) != 2 || res.Flags[0] != "post:5" {
		t.Fatalf("Response is %+v", res)
	}
	if mr.Exists("test:c:h1") || !mr.Exists("test:c:h2") {
		t.Fatal("Wrong entries deleted")
	}
}

func TestPurgeRejectsBadRequests(t *testing.T) {
	admin, _, _ := newTestAdmin(t, nil)
	for _, body := range []string{`nope`, `{"targets":[]}`, `{"targets":["1"],"mode":"soft"}`, `{"targets":["1"],"host":"example.com"}`} {
		rr := httptest.NewRecorder()
		admin.ServeHTTP(rr, adminRequest("POST", "/purge", body))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status is %d", body, rr.Code)
		}
	}
}

func TestAdminToken(t *testing.T) {
	admin, _, _ := newTestAdmin(t, nil)
	for _, auth := range []string{"", "secret", "Bearer wrong", "Bearer "} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/flush", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		admin.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%q: status is %d", auth, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("POST", "/flush", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestAdminWithoutTokenIsLocked(t *testing.T) {
	_, engine, _ := newTestAdmin(t, nil)
	admin := adminRouter(engine, "")
	for _, req := range []*http.Request{
		httptest.NewRequest("POST", "/flush", nil),
		adminRequest("POST", "/flush", ""),
	} {
		req.Header.Set("Authorization", "Bearer ")
		rr := httptest.NewRecorder()
		admin.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("Status is %d", rr.Code)
		}
	}
}

func TestPurgeScopedToSite(t *testing.T) {
	directory, err := sites.NewSQLiteDirectory("")
	if err != nil {
		t.Fatal(err)
	}
	defer directory.Close()
	directory.Put(context.Background(), sites.Site{ID: 3, NetworkID: 1, Host: "example.com"})

	admin, engine, mr := newTestAdmin(t, directory)
	store(t, engine, "h1", "3:post:5")
	store(t, engine, "h2", "post:5")

	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("POST", "/purge", `{"targets":["5"],"host":"example.com","mode":"delete"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d: %s", rr.Code, rr.Body.String())
	}
	var res purgeResponse
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 2 || res.Flags[0] != "3:post:5" || res.Flags[1] != "3:feed" {
		t.Fatalf("Response is %+v", res)
	}
	if mr.Exists("test:c:h1") || !mr.Exists("test:c:h2") {
		t.Fatalf("Keys are %v", mr.Keys())
	}

	rr = httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("POST", "/purge", `{"targets":["5"],"host":"unknown.org"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestFlushAndSize(t *testing.T) {
	admin, engine, mr := newTestAdmin(t, nil)
	store(t, engine, "h1", "post:1")
	store(t, engine, "h2", "post:2")
	mr.Set("other:key", "kept")

	rr := httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("GET", "/size?flag=post:*", ""))
	var size sizeResponse
	if err := json.NewDecoder(rr.Body).Decode(&size); err != nil {
		t.Fatal(err)
	}
	if size.Count != 2 || size.Bytes == 0 {
		t.Fatalf("Size is %+v", size)
	}

	rr = httptest.NewRecorder()
	admin.ServeHTTP(rr, adminRequest("POST", "/flush", ""))
	var flushed flushResponse
	if err := json.NewDecoder(rr.Body).Decode(&flushed); err != nil {
		t.Fatal(err)
	}
	if flushed.Deleted != 4 {
		t.Fatalf("Deleted %d keys", flushed.Deleted)
	}
	if !mr.Exists("other:key") {
		t.Fatal("Flushed keys outside the prefix")
	}
}

func TestLoadSettingsOverrides(t *testing.T) {
	v := viper.New()
	fs := flags()
	fs.Parse([]string{"--redis", "redis:6380", "--prefix", "site"})
	if err := v.BindPFlags(fs); err != nil {
		t.Fatal(err)
	}
	settings, err := loadSettings(v)
	if err != nil {
		t.Fatal(err)
	}
	if settings.Redis.Addr != "redis:6380" || settings.Prefix != "site" || settings.TTL != 3600 {
		t.Fatalf("Settings are %+v", settings)
	}
}

func TestDirector(t *testing.T) {
	req := httptest.NewRequest("GET", "http://proxy.local/path", nil)
	createDirector("https", "10.0.0.1", "example.com")(req)
	if req.URL.String() != "https://10.0.0.1/path" || req.Host != "example.com" {
		t.Fatalf("Request is %s (host %s)", req.URL, req.Host)
	}
}
