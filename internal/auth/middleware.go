package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
)

type ctxKey struct{}

// Config selects which feed routes need a session. Mode "default_public"
// protects only ProtectedPaths; anything else protects all but PublicPaths.
type Config struct {
	Enabled bool
	Mode    string

	Header       string
	BearerPrefix string
	QueryKey     string

	PublicPaths    []string
	ProtectedPaths []string
}

func hasPrefixIn(prefixes []string, path string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return p != "" && strings.HasPrefix(path, p)
	})
}

func (c Config) protects(path string) bool {
	if strings.EqualFold(c.Mode, "default_public") {
		return hasPrefixIn(c.ProtectedPaths, path)
	}
	return !hasPrefixIn(c.PublicPaths, path)
}

// token reads the configured header, then the query key. Browsers cannot set
// headers on a websocket upgrade, so /ws relies on the query.
func (c Config) token(r *http.Request) string {
	if c.Header != "" {
		if v := strings.TrimSpace(r.Header.Get(c.Header)); v != "" {
			return strings.TrimSpace(strings.TrimPrefix(v, c.BearerPrefix))
		}
	}
	if c.QueryKey == "" {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(c.QueryKey))
}

// Wrap resolves the session of protected requests and rejects requests whose
// conv_id lies outside the session's conversations.
func Wrap(cfg Config, sessions *SessionStore, log *zap.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled || !cfg.protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok, err := sessions.Lookup(r.Context(), cfg.token(r))
		switch {
		case err != nil:
			log.Warn("session lookup failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "auth error", http.StatusUnauthorized)
			return
		case !ok:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if conv := r.URL.Query().Get("conv_id"); conv != "" && !sess.CanRead(conv) {
			log.Info("conversation denied", zap.String("uid", sess.UID), zap.String("conv_id", conv))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// SessionFromContext returns the session attached by Wrap. Unauthenticated
// requests get the zero Session, which may read every conversation.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

func UIDFromContext(ctx context.Context) string {
	s, _ := SessionFromContext(ctx)
	return s.UID
}
