package web

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/freemoses/tpro/config"
)

func testApp() (*fiber.App, *Server) {
	s := &Server{Cfg: &config.WebConfig{
		JWTSecret: "test-secret",
		User:      "admin",
		Password:  "pass123",
	}}
	app := fiber.New(fiber.Config{ErrorHandler: errHandler})
	app.Post("/api/login", s.postLogin)
	api := app.Group("/api", s.jwtGuard)
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"code": 200})
	})
	return app, s
}

func doLogin(t *testing.T, app *fiber.App, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/api/login", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	rsp, err := app.Test(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	raw, _ := io.ReadAll(rsp.Body)
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	return rsp.StatusCode, data
}

func TestLoginAndGuard(t *testing.T) {
	app, _ := testApp()
	code, data := doLogin(t, app, `{"username":"admin","password":"pass123"}`)
	if code != fiber.StatusOK {
		t.Fatalf("login status %d", code)
	}
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("login must return a token")
	}

	req := httptest.NewRequest(fiber.MethodGet, "/api/ping", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	rsp, err := app.Test(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rsp.StatusCode != fiber.StatusOK {
		t.Fatalf("guarded route status %d", rsp.StatusCode)
	}

	// token may also ride the query string (websocket clients cannot set headers)
	req = httptest.NewRequest(fiber.MethodGet, "/api/ping?token="+token, nil)
	rsp, err = app.Test(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rsp.StatusCode != fiber.StatusOK {
		t.Fatalf("query token status %d", rsp.StatusCode)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	app, _ := testApp()
	code, _ := doLogin(t, app, `{"username":"admin","password":"wrong"}`)
	if code != fiber.StatusUnauthorized {
		t.Fatalf("want 401, got %d", code)
	}
}

func TestGuardRejects(t *testing.T) {
	app, _ := testApp()
	req := httptest.NewRequest(fiber.MethodGet, "/api/ping", nil)
	rsp, err := app.Test(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rsp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d", rsp.StatusCode)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/api/ping", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer not-a-token")
	rsp, err = app.Test(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rsp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("garbage token must 401, got %d", rsp.StatusCode)
	}
}

func TestCheckToken(t *testing.T) {
	_, s := testApp()
	if err := s.checkToken("garbage"); err == nil {
		t.Fatal("garbage token must fail")
	}
	other := &Server{Cfg: &config.WebConfig{JWTSecret: "other-secret", User: "admin", Password: "pass123"}}
	app, _ := testApp()
	_, data := doLogin(t, app, `{"username":"admin","password":"pass123"}`)
	token, _ := data["token"].(string)
	if err := other.checkToken(token); err == nil {
		t.Fatal("token signed with a different secret must fail")
	}
}
