package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// bcryptCost is deliberately above the library default; login is rare and
// slow hashing is the point.
const bcryptCost = 12

// Principal is a resolved caller identity: either a dashboard session or a
// validated API credential.
type Principal struct {
	Type   string // "session" or "api_key"
	UserID int64
	Email  string
	KeyID  int64 // set only for api_key principals
}

// AuthService resolves bearer credentials of both kinds: session JWTs issued
// at login and raw API key secrets.
type AuthService struct {
	store      *store.Store
	keys       *KeyService
	jwtSecret  []byte
	sessionTTL time.Duration
}

func NewAuthService(st *store.Store, keys *KeyService, jwtSecret string, sessionTTL time.Duration) *AuthService {
	if sessionTTL <= 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	return &AuthService{
		store:      st,
		keys:       keys,
		jwtSecret:  []byte(jwtSecret),
		sessionTTL: sessionTTL,
	}
}

// Register creates a new user account and returns it with a session token.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, "", ErrInvalidEmail
	}
	if len(password) < 8 {
		return nil, "", ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, "", err
	}

	user := &model.User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(name),
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.IssueJWT(ctx, user.ID, user.Email, s.sessionTTL)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies credentials and returns the user with a fresh session
// token. All failure modes collapse to ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !user.IsActive {
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	// Last login is bookkeeping; a failed write shouldn't fail the login.
	_ = s.store.UpdateUserLastLogin(ctx, user.ID)

	token, err := s.IssueJWT(ctx, user.ID, user.Email, s.sessionTTL)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Authenticate resolves a bearer credential: first as a session JWT, then as
// a raw API key secret. Failures are uniform regardless of which path or
// which check rejected the credential.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, ErrInvalidCredentials
	}

	if p, err := s.ValidateJWT(ctx, bearer); err == nil {
		return p, nil
	}

	kp, err := s.keys.Validate(ctx, bearer)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Principal{Type: "api_key", UserID: kp.UserID, KeyID: kp.KeyID}, nil
}

// ValidateJWT verifies a session token and returns the session principal.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*Principal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &Principal{Type: "session", UserID: claims.UserID, Email: claims.Email}, nil
}

// IssueJWT creates a new signed session token for the given user.
func (s *AuthService) IssueJWT(ctx context.Context, userID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keyhaven",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}
