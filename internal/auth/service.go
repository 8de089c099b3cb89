package auth

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"preo-sim/internal/ledger"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service issues and validates HS256 bearer tokens. New users start on
// the standard tier with the opening demo grant.
type Service struct {
	store  storage.Store
	ledger *ledger.Service
	issuer string
	secret []byte
	ttl    time.Duration
}

func NewService(store storage.Store, ledgerSvc *ledger.Service, issuer string, secret []byte, ttl time.Duration) *Service {
	return &Service{store: store, ledger: ledgerSvc, issuer: issuer, secret: secret, ttl: ttl}
}

func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", errors.New("email and password required")
	}
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	userID, err := s.store.CreateUser(ctx, model.User{
		Email:     email,
		Tier:      types.TierStandard,
		CreatedAt: time.Now().UTC(),
	}, string(hash))
	if err != nil {
		return "", err
	}
	if err := s.ledger.GrantOpeningDemoBalance(ctx, userID); err != nil {
		// The account still works; the user just starts with an empty
		// demo balance.
		log.Printf("[auth] opening demo grant failed for user %s: %v", userID, err)
	}
	return userID, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, hash, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.signToken(user.ID)
}

func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	return s.store.User(ctx, userID)
}

func (s *Service) signToken(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Issuer != s.issuer {
		return "", errors.New("invalid token issuer")
	}
	if claims.Subject == "" {
		return "", errors.New("invalid token subject")
	}
	return claims.Subject, nil
}
