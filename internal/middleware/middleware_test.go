package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(mw gin.HandlerFunc, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/t", handler)
	r.POST("/t", handler)
	return r
}

func ok(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) }

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	var seen string
	r := newTestRouter(RequestID(), func(c *gin.Context) {
		seen = GetRequestID(c)
		ok(c)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))

	if seen == "" {
		t.Fatal("handler must see a generated request id")
	}
	if w.Header().Get("X-Request-ID") != seen {
		t.Fatal("response header must echo the same id")
	}
}

func TestRequestIDPropagatedWhenPresent(t *testing.T) {
	var seen string
	r := newTestRouter(RequestID(), func(c *gin.Context) {
		seen = GetRequestID(c)
		ok(c)
	})

	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "upstream-42" {
		t.Fatalf("expected the upstream id to flow through, got %q", seen)
	}
}

func TestHardenSetsResponseHeaders(t *testing.T) {
	r := newTestRouter(Harden(), ok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Fatalf("%s: expected %q, got %q", header, want, got)
		}
	}
}

func TestBodyLimitRejectsOversizedContentLength(t *testing.T) {
	r := newTestRouter(BodyLimit(16), ok)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/t", strings.NewReader(strings.Repeat("x", 64)))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestBodyLimitPassesSmallBody(t *testing.T) {
	r := newTestRouter(BodyLimit(64), ok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/t", strings.NewReader("tiny")))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDeadlineAnswers504WhenHandlerOverruns(t *testing.T) {
	r := newTestRouter(Deadline(5*time.Millisecond), func(c *gin.Context) {
		<-c.Request.Context().Done()
		// overran; write nothing and let the middleware answer
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
}

func TestDeadlineLeavesFastHandlersAlone(t *testing.T) {
	r := newTestRouter(Deadline(time.Second), ok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRateLimitExhaustsBurstThen429(t *testing.T) {
	r := newTestRouter(RateLimit(0.0001, 2), ok)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d inside the burst must pass, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("a throttled response must carry Retry-After")
	}
}

func TestRejectTaintedInputBlocksTraversalAndMarkup(t *testing.T) {
	r := newTestRouter(RejectTaintedInput(), ok)

	for _, target := range []string{
		"/t?cursor=..%2F..%2Fetc",
		"/t?limit=%3Cscript%3Ealert(1)%3C%2Fscript%3E",
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestRejectTaintedInputPassesOpaqueValues(t *testing.T) {
	r := newTestRouter(RejectTaintedInput(), ok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t?limit=50&cursor=MTcwMDAwMDAwMHx0YXNrLTE", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("opaque cursor and limit must pass, got %d", w.Code)
	}
}
