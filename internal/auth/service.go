package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davacl"
	httperrors "gitea.jw6.us/james/davkit/internal/http/errors"
	"gitea.jw6.us/james/davkit/internal/logger"
	"gitea.jw6.us/james/davkit/internal/store"
)

const (
	logSender = "auth"
	realm     = "davkit"

	appPasswordBytes = 24
)

// ErrInvalidCredentials is returned for any failed login. Callers do not
// learn whether the user or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// Identity is the subject of a verified bearer token.
type Identity struct {
	Subject  string
	Username string
	Email    string
}

// Service authenticates DAV clients with app passwords over Basic auth
// and, when a verifier is configured, with OIDC bearer tokens.
type Service struct {
	store    *store.Store
	verifier TokenVerifier

	// users whose default collections were checked by this process
	ensured sync.Map
}

// NewService returns a Service. verifier may be nil to disable bearer
// tokens.
func NewService(st *store.Store, verifier TokenVerifier) *Service {
	return &Service{store: st, verifier: verifier}
}

// ValidateAppPassword verifies Basic auth credentials and records the use
// of the matching app password.
func (s *Service) ValidateAppPassword(ctx context.Context, username, password string) (*store.User, error) {
	user, err := s.store.Users.GetByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	tokens, err := s.store.AppPasswords.FindValidByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list app passwords: %w", err)
	}
	for _, t := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(password)) != nil {
			continue
		}
		if err := s.store.AppPasswords.TouchLastUsed(ctx, t.ID); err != nil {
			logger.Warn(logSender, "unable to record use of app password %d: %v", t.ID, err)
		}
		return user, nil
	}
	return nil, ErrInvalidCredentials
}

// ValidateBearer verifies an OIDC token and returns the matching user,
// creating it on first login.
func (s *Service) ValidateBearer(ctx context.Context, rawToken string) (*store.User, error) {
	if s.verifier == nil {
		return nil, ErrInvalidCredentials
	}
	id, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		logger.Debug(logSender, "bearer token rejected: %v", err)
		return nil, ErrInvalidCredentials
	}
	if id.Subject == "" || id.Username == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users.UpsertOAuthUser(ctx, id.Subject, id.Username, id.Email)
	if err != nil {
		return nil, fmt.Errorf("upsert oauth user: %w", err)
	}
	return user, nil
}

// CreateAppPassword generates a new app password for the user. The
// cleartext token is returned once and only its bcrypt hash is stored.
func (s *Service) CreateAppPassword(ctx context.Context, userID int64, label string, expiresAt *time.Time) (string, *store.AppPassword, error) {
	buf := make([]byte, appPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}
	created, err := s.store.AppPasswords.Create(ctx, store.AppPassword{
		UserID:    userID,
		Label:     label,
		TokenHash: string(hash),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", nil, err
	}
	return token, created, nil
}

// RequireDAVAuth enforces authentication for DAV endpoints. The user and
// its principal are added to the request context.
func (s *Service) RequireDAVAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrInvalidCredentials) {
				httperrors.LogError(r, "authentication failed", err)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			if s.verifier != nil {
				w.Header().Add("WWW-Authenticate", `Bearer realm="`+realm+`"`)
			}
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err := s.ensureCollections(ctx, user); err != nil {
			httperrors.InternalError(w, r, err, "unable to create default collections for "+user.Username)
			return
		}

		ctx = WithUser(ctx, user)
		ctx = dav.WithPrincipal(ctx, davacl.PrincipalPath(user.Username))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) authenticate(r *http.Request) (*store.User, error) {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return s.ValidateBearer(r.Context(), strings.TrimSpace(token))
	}
	username, password, ok := r.BasicAuth()
	if !ok || username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	return s.ValidateAppPassword(r.Context(), username, password)
}

func (s *Service) ensureCollections(ctx context.Context, user *store.User) error {
	if _, done := s.ensured.Load(user.ID); done {
		return nil
	}
	if err := s.store.EnsureDefaultCollections(ctx, user.ID); err != nil {
		return err
	}
	s.ensured.Store(user.ID, struct{}{})
	return nil
}
