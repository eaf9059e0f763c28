package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/course-ledger-api/internal/models"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type mockAuthRepo struct {
	users            map[string]*models.User
	auditLogs        []*models.AuditLog
	lastLoginUpdated bool
	passwordUpdates  int
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockAuthRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.passwordUpdates++
	m.users[id].PasswordHash = passwordHash
	return nil
}

func (m *mockAuthRepo) Create(ctx context.Context, user *models.User) error {
	user.ID = "user-new"
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockAuthRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func newAuthFixture(t *testing.T, active bool) (*AuthService, *mockAuthRepo) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &mockAuthRepo{users: map[string]*models.User{
		"prof-1": {ID: "prof-1", Email: "prof@uni.test", FullName: "Prof", Role: models.RoleProfessor, PasswordHash: string(hash), Active: active},
	}}
	svc := NewAuthService(repo, nil, nil, AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, Issuer: "course-ledger-api"})
	return svc, repo
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc, repo := newAuthFixture(t, true)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "Prof@uni.test", Password: "password123", IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, models.RoleProfessor, resp.User.Role)
	assert.True(t, repo.lastLoginUpdated)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionLogin, repo.auditLogs[0].Action)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "prof-1", claims.Principal().UserID)
	assert.Equal(t, models.RoleProfessor, claims.Principal().Role)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newAuthFixture(t, true)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "prof@uni.test", Password: "wrong"})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))

	_, err = svc.Login(context.Background(), models.LoginRequest{Email: "nobody@uni.test", Password: "password123"})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	svc, _ := newAuthFixture(t, false)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "prof@uni.test", Password: "password123"})
	assert.True(t, errors.Is(err, appErrors.ErrInactiveAccount))
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc, _ := newAuthFixture(t, true)

	claims := &models.JWTClaims{UserID: "prof-1", Role: models.RoleProfessor, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "course-ledger-api",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(forged)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc, repo := newAuthFixture(t, true)
	token, err := svc.IssueToken(repo.users["prof-1"], time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestProvisionCreatesThenResetsPassword(t *testing.T) {
	svc, repo := newAuthFixture(t, true)
	ctx := context.Background()

	user, err := svc.Provision(ctx, ProvisionUserRequest{Email: "admin@uni.test", FullName: "Admin", Role: models.RoleAdmin, Password: "longenough"})
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(repo.users[user.ID].PasswordHash), []byte("longenough")))

	_, err = svc.Provision(ctx, ProvisionUserRequest{Email: "prof@uni.test", FullName: "Prof", Role: models.RoleProfessor, Password: "newpassword"})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.passwordUpdates)

	_, err = svc.Provision(ctx, ProvisionUserRequest{Email: "x@uni.test", FullName: "X", Role: "STUDENT", Password: "longenough"})
	assert.True(t, appErrors.IsValidation(err))
}

func TestMe(t *testing.T) {
	svc, _ := newAuthFixture(t, true)

	info, err := svc.Me(context.Background(), "prof-1")
	require.NoError(t, err)
	assert.Equal(t, "prof@uni.test", info.Email)

	_, err = svc.Me(context.Background(), "ghost")
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}
