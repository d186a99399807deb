package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/pkg/logger"
)

type ctxKey int

const ctxActorKey ctxKey = iota

// publicPaths never require a bearer token.
var publicPaths = map[string]bool{
	"/health": true,
}

// JWTValidator turns a bearer token into an Actor. Implementations decide
// what claims map to what fields.
type JWTValidator interface {
	Validate(token string) (domainmodel.Actor, error)
}

// HMACValidator validates HS256 tokens and maps their claims onto an Actor.
// Grounded on the teacher's SupabaseJWTValidator: subject, name, actor
// type, legal entity, and capabilities are all read from top-level claims
// rather than a nested structure, since the platform controls the token
// issuer.
type HMACValidator struct {
	secret []byte
}

// NewHMACValidator builds a validator for tokens signed with secret. A nil
// or empty secret means no validator is active; callers should leave auth
// disabled instead of constructing one.
func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret)}
}

func (v *HMACValidator) Validate(token string) (domainmodel.Actor, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domainmodel.Actor{}, jwt.ErrTokenInvalidClaims
	}

	actor := domainmodel.Actor{
		Sub:         stringClaim(claims, "sub"),
		Name:        stringClaim(claims, "name"),
		ActorType:   domainmodel.ActorType(orDefault(stringClaim(claims, "actor_type"), string(domainmodel.ActorHuman))),
		LegalEntity: stringClaim(claims, "legal_entity"),
	}
	if raw, ok := claims["capabilities"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				actor.Capabilities = append(actor.Capabilities, s)
			}
		}
	}
	return actor, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// wrapWithAuth extracts a bearer token, validates it, and stamps the
// resulting Actor on the request context. A nil validator disables auth
// entirely (development mode), matching how the teacher's service skips
// JWT validation when no signing key is configured.
// devActor is stamped on every request when auth is disabled, so the intent
// pipeline always has an actor to check capabilities against.
var devActor = domainmodel.Actor{Sub: "dev", ActorType: domainmodel.ActorSystem, Capabilities: []string{"*"}}

func wrapWithAuth(next http.Handler, validator JWTValidator, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if validator == nil {
			ctx := context.WithValue(r.Context(), ctxActorKey, devActor)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorised(w, "missing bearer token")
			return
		}

		actor, err := validator.Validate(token)
		if err != nil {
			log.WithField("path", r.URL.Path).Warn("rejected invalid bearer token")
			unauthorised(w, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxActorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return fields[1]
}

func unauthorised(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": message})
}

func actorFromContext(ctx context.Context) (domainmodel.Actor, bool) {
	actor, ok := ctx.Value(ctxActorKey).(domainmodel.Actor)
	return actor, ok
}
