package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("invalid authorization header", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", keyID: "key-123"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kid, ok := APIKeyIDFromContext(r.Context())
			if !ok || kid != "key-123" {
				t.Errorf("APIKeyIDFromContext = %q, %v; want key-123, true", kid, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
		if validator.gotToken != "good" {
			t.Fatalf("expected token %q, got %q", "good", validator.gotToken)
		}
	})

	t.Run("failure callback and rate limit", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rl := NewRateLimiter(ctx, 2)
		defer rl.Stop()

		failures := 0
		validator := &testTokenValidator{expectedToken: "good"}
		handler := HTTPBearerAuthMiddleware(validator,
			WithOnAuthFailure(func() { failures++ }),
			WithRateLimiter(rl),
		)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		var lastCode int
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.9:4321"
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			lastCode = rec.Code
		}

		if failures != 5 {
			t.Fatalf("failure callback count = %d, want 5", failures)
		}
		if lastCode != http.StatusTooManyRequests {
			t.Fatalf("expected %d after repeated failures, got %d", http.StatusTooManyRequests, lastCode)
		}
	})
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false

		_, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", keyID: "key-123"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		res, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			handlerCalled = true
			kid, ok := APIKeyIDFromContext(ctx)
			if !ok || kid != "key-123" {
				return nil, status.Errorf(codes.Internal, "APIKeyIDFromContext = %q, %v; want key-123, true", kid, ok)
			}
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !handlerCalled {
			t.Fatal("expected handler to be called")
		}
		if res != "ok" {
			t.Fatalf("expected response %q, got %#v", "ok", res)
		}
	})
}

func TestStreamBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := StreamBearerAuthInterceptor(validator)
		handlerCalled := false

		err := interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			handlerCalled = true
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token carries key id", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", keyID: "key-123"}
		interceptor := StreamBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
			handlerCalled = true
			kid, ok := APIKeyIDFromContext(ss.Context())
			if !ok || kid != "key-123" {
				return status.Errorf(codes.Internal, "APIKeyIDFromContext = %q, %v; want key-123, true", kid, ok)
			}
			return nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !handlerCalled {
			t.Fatal("expected handler to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := StreamBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			handlerCalled = true
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	store := &testKeyStore{hashes: map[string]string{"key-1": string(hash)}}
	validator := &APIKeyValidator{Store: store}

	t.Run("valid", func(t *testing.T) {
		keyID, err := validator.ValidateToken(context.Background(), "key-1.s3cret")
		if err != nil {
			t.Fatalf("ValidateToken() error = %v, want nil", err)
		}
		if keyID != "key-1" {
			t.Fatalf("key id = %q, want key-1", keyID)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if _, err := validator.ValidateToken(context.Background(), "key-1.wrong"); err == nil {
			t.Fatal("expected error for wrong secret")
		}
	})

	t.Run("unknown key id", func(t *testing.T) {
		if _, err := validator.ValidateToken(context.Background(), "key-2.s3cret"); err == nil {
			t.Fatal("expected error for unknown key id")
		}
	})

	t.Run("malformed token", func(t *testing.T) {
		for _, token := range []string{"", "no-dot", ".secret", "key-1."} {
			if _, err := validator.ValidateToken(context.Background(), token); err == nil {
				t.Fatalf("expected error for token %q", token)
			}
		}
	})
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	if !APIKeyMatchesHash(string(hash), "secret") {
		t.Fatal("expected secret to match hash")
	}
	if APIKeyMatchesHash(string(hash), "wrong") {
		t.Fatal("expected mismatch for wrong secret")
	}
	if APIKeyMatchesHash("not-a-bcrypt-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	keyID         string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.keyID, nil
}

type testKeyStore struct {
	hashes map[string]string
}

func (s *testKeyStore) ValidateAPIKey(_ context.Context, id string) (string, error) {
	hash, ok := s.hashes[id]
	if !ok {
		return "", errors.New("api key not found")
	}
	return hash, nil
}
