package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth is a bearer-token middleware backed by a remote JWKS,
// grounded on BigKAA's query-module auth middleware — trimmed to the
// one thing the admin surface needs: is this caller holding a validly
// signed token. There is no role/scope mapping here (spec.md has no
// notion of roles), just "authenticated or not".
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
	issuer string
}

// NewJWTAuth builds a JWTAuth against the JWKS endpoint at jwksURL.
func NewJWTAuth(ctx context.Context, jwksURL, issuer string, refreshInterval time.Duration, logger *slog.Logger) (*JWTAuth, error) {
	if logger == nil {
		logger = slog.Default()
	}

	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    http.DefaultClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks_refresh_failed", slog.Any("err", err), slog.String("url", jwksURL))
		},
	})
	if err != nil {
		return nil, err
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, err
	}

	return &JWTAuth{
		jwks:   k,
		logger: logger.With(slog.String("component", "admin_jwt_auth")),
		issuer: issuer,
	}, nil
}

// Middleware rejects requests without a valid Bearer token.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				http.Error(w, "expected Bearer <token>", http.StatusUnauthorized)
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("jwt_rejected", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr))
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
