package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	redisstore "github.com/lzyats/im-feed/pkg/store/redis"
)

// Hash fields of a login session that the feed host reads. The account
// service writes more; they are ignored.
const (
	fieldUID   = "userId"
	fieldConvs = "feedConvs"
)

var ErrEmptyToken = errors.New("auth: empty token")

// Session is a resolved login. Convs limits which conversations the token may
// page through or subscribe to; an empty list allows every conversation.
type Session struct {
	UID   string
	Convs []string
}

// CanRead reports whether the session may open convID.
func (s Session) CanRead(convID string) bool {
	return len(s.Convs) == 0 || slices.Contains(s.Convs, convID)
}

func sessionFromHash(h map[string]string) (Session, bool) {
	uid := strings.TrimSpace(h[fieldUID])
	if uid == "" {
		return Session{}, false
	}
	s := Session{UID: uid}
	for _, c := range strings.Split(h[fieldConvs], ",") {
		if c = strings.TrimSpace(c); c != "" {
			s.Convs = append(s.Convs, c)
		}
	}
	return s, true
}

// SessionStore resolves tokens against redis hashes stored under RedisPrefix.
type SessionStore struct {
	RedisPrefix string
	TTLDays     int
	Store       *redisstore.Store
}

// Put writes s for token with the configured TTL. Used by tooling and tests;
// the account service owns session creation in production.
func (st *SessionStore) Put(ctx context.Context, token string, s Session) error {
	if token == "" {
		return ErrEmptyToken
	}
	key := st.RedisPrefix + token
	cli := st.Store.Client()
	_, err := cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldUID, s.UID, fieldConvs, strings.Join(s.Convs, ","))
		p.Expire(ctx, key, st.ttl())
		return nil
	})
	return err
}

func (st *SessionStore) ttl() time.Duration {
	if st.TTLDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(st.TTLDays) * 24 * time.Hour
}

// Lookup resolves token. A missing hash or one without a user id reports false.
func (st *SessionStore) Lookup(ctx context.Context, token string) (Session, bool, error) {
	if token == "" {
		return Session{}, false, nil
	}
	h, err := st.Store.Client().HMGet(ctx, st.RedisPrefix+token, fieldUID, fieldConvs).Result()
	if err != nil {
		return Session{}, false, err
	}
	fields := make(map[string]string, 2)
	for i, name := range []string{fieldUID, fieldConvs} {
		if v, ok := h[i].(string); ok {
			fields[name] = v
		}
	}
	s, ok := sessionFromHash(fields)
	return s, ok, nil
}
