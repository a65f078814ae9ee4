package user

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/bcrypt"
)

var logger = loggo.GetLogger("pairchat.user")

const (
	tokenIssuer = "pairchat"
	tokenTTL    = 24 * time.Hour
	searchLimit = 10
)

type Service struct {
	repo      Store
	jwtSecret string
	clock     clock.Clock
}

type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		clock:     clk,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Trace(err)
	}

	u := &User{
		ID:       uuid.NewString(),
		Username: req.Username,
		FullName: req.FullName,
		Password: string(hashedPwd),
	}
	if u.FullName == "" {
		u.FullName = u.Username
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	logger.Infof("registered user %q", u.Username)

	u.Password = ""
	return u, nil
}

// Login checks credentials and issues a signed token. Unknown users and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, errors.NotFound) {
		return nil, errors.Unauthorizedf("invalid credentials")
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, errors.Unauthorizedf("invalid credentials")
	}

	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, errors.Trace(err)
	}

	u.Password = ""
	return &LoginResponse{AccessToken: ss, User: *u}, nil
}

// ValidateToken returns the identity carried by a token this service issued.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil || !token.Valid {
		return "", "", errors.Unauthorizedf("invalid token")
	}
	if claims.ID == "" {
		return "", "", errors.Unauthorizedf("token without user id")
	}
	return claims.ID, claims.Username, nil
}

// Me returns the profile of an authenticated user.
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update *ProfileUpdate) (*User, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	u, err := s.repo.UpdateProfile(ctx, userID, *update)
	if err != nil {
		return nil, err
	}
	logger.Debugf("updated profile of %q", u.Username)
	return u, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query, searchLimit)
}

// ListOthers backs the chat sidebar.
func (s *Service) ListOthers(ctx context.Context, userID string) ([]User, error) {
	return s.repo.ListOthers(ctx, userID)
}
