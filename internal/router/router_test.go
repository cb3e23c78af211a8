package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/handler"
	"github.com/stemsi/examgen-backend/internal/service"
)

type okChecker struct{}

func (okChecker) Check(context.Context) error { return nil }

func TestSetupRouterGuards(t *testing.T) {
	auth := service.NewAuthService("secret", 0)
	handlers := &Handlers{
		Session: handler.NewSessionHandler(nil, nil, zerolog.Nop()),
		WS:      handler.NewWSHandler(nil, nil, zerolog.Nop(), nil),
		Health:  handler.NewHealthHandler(okChecker{}, zerolog.Nop()),
	}
	r := SetupRouter(auth, handlers, &config.Config{GinMode: gin.TestMode}, nil, zerolog.Nop())

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodPost, "/api/v1/sessions", http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/sessions/0b7e/batches/1", http.StatusUnauthorized},
		{http.MethodGet, "/ws/v1/sessions/0b7e/stream", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s %s: got %d want %d", tt.method, tt.path, w.Code, tt.status)
		}
	}
}
