package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
	ErrForbidden    = errors.New("forbidden")
)

type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Claims  map[string]any
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

type VerifierConfig struct {
	Issuer           string
	Audience         string
	JWKSURL          string
	TTLSeconds       int
	ClockSkewSeconds int
	HTTPClient       *http.Client
}

type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
	parser  *jwt.Parser
}

// NewJWTVerifier registers the JWKS endpoint with a background-refreshing cache bound to ctx.
func NewJWTVerifier(ctx context.Context, cfg VerifierConfig) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	skew := time.Duration(cfg.ClockSkewSeconds) * time.Second
	if skew < 0 {
		skew = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(ttl), jwk.WithHTTPClient(client)); err != nil {
		return nil, err
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		cache:   cache,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(skew),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}

	name := stringClaim(claims, "name")
	if name == "" {
		name = stringClaim(claims, "preferred_username")
	}

	return AuthContext{
		Subject: subject,
		Email:   stringClaim(claims, "email"),
		Name:    name,
		Roles:   parseRoles(claims),
		Claims:  map[string]any(claims),
	}, nil
}

// key looks the kid up in the cached set, forcing one refresh on a miss to pick up rotated keys.
func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}
	k, ok := set.LookupKeyID(kid)
	if !ok {
		set, err = v.cache.Refresh(ctx, v.jwksURL)
		if err != nil {
			return nil, err
		}
		if k, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := k.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	appendRole := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		for _, existing := range roles {
			if existing == role {
				return
			}
		}
		roles = append(roles, role)
	}

	for _, key := range []string{"roles", "role"} {
		if v, ok := claims[key]; ok {
			switch t := v.(type) {
			case []string:
				for _, role := range t {
					appendRole(role)
				}
			case []any:
				for _, role := range t {
					appendRole(fmt.Sprint(role))
				}
			case string:
				for _, role := range strings.Fields(t) {
					appendRole(role)
				}
			default:
				appendRole(fmt.Sprint(t))
			}
		}
	}

	if v, ok := claims["scp"]; ok {
		if s, ok := v.(string); ok {
			for _, scope := range strings.Fields(s) {
				appendRole(scope)
			}
		}
	}

	return roles
}
