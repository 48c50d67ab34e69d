package authmw

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"
)

// Service talks to the Keycloak admin API with a confidential client. It is
// the user directory invitations are checked against.
type Service struct {
	Client       *gocloak.GoCloak
	Realm        string
	clientID     string
	clientSecret string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewService connects to Keycloak at baseURL ("host:port" or a full URL) and
// checks that the client can log in.
func NewService(baseURL, realm, clientID, clientSecret string) (*Service, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	s := &Service{
		Client:       gocloak.NewClient(strings.TrimRight(baseURL, "/")),
		Realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
	}

	if err := s.selfTest(); err != nil {
		return nil, err
	}

	return s, nil
}

// JWKSURL is where the realm publishes its signing keys.
func JWKSURL(baseURL, realm string) string {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", strings.TrimRight(baseURL, "/"), realm)
}

func (s *Service) selfTest() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.adminToken(ctx); err != nil {
		return fmt.Errorf("keycloak auth failed: %w", err)
	}
	return nil
}

// adminToken returns a cached service-account token, logging in again
// shortly before it expires.
func (s *Service) adminToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}

	jwt, err := s.Client.LoginClient(ctx, s.clientID, s.clientSecret, s.Realm)
	if err != nil {
		return "", err
	}
	s.token = jwt.AccessToken
	s.expires = time.Now().Add(time.Duration(jwt.ExpiresIn)*time.Second - 10*time.Second)
	return s.token, nil
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*gocloak.User, error) {
	token, err := s.adminToken(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.Client.GetUsers(ctx, token, s.Realm, gocloak.GetUsersParams{
		Username: gocloak.StringP(username),
		Exact:    gocloak.BoolP(true),
		Max:      gocloak.IntP(2),
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	if len(users) > 1 {
		return nil, fmt.Errorf("multiple users matched username %q", username)
	}
	return users[0], nil
}

// UserExists reports whether an enabled account with this username exists.
func (s *Service) UserExists(ctx context.Context, userID string) (bool, error) {
	user, err := s.GetUserByUsername(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("user directory: %w", err)
	}
	if user == nil {
		return false, nil
	}
	return user.Enabled == nil || *user.Enabled, nil
}

// AllowAll is a directory that knows every user. Used when no identity
// provider is configured.
type AllowAll struct{}

func (AllowAll) UserExists(context.Context, string) (bool, error) {
	return true, nil
}
