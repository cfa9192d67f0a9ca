package auth

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-key-for-testing"

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{"simple password", "password123"},
		{"complex password", "P@ssw0rd!2023#Complex"},
		{"unicode password", "密碼測試123"},
		{"long password", strings.Repeat("a", 72)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			require.NoError(t, err)
			assert.NotEqual(t, tt.password, hash)
			assert.True(t, CheckPassword(tt.password, hash))
			assert.False(t, CheckPassword(tt.password+"x", hash))
		})
	}

	assert.False(t, CheckPassword("password", "not-a-bcrypt-hash"))
}

func TestOTP(t *testing.T) {
	secret, err := GenerateOTPSecret("clerk")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	assert.True(t, VerifyOTP(secret, code))
	assert.False(t, VerifyOTP(secret, "000000x"))

	url := GetOTPQRCodeURL(secret, "clerk")
	assert.True(t, strings.HasPrefix(url, "otpauth://totp/StarCapital:clerk?secret="+secret))
}

func TestGenerateAndValidateJWT(t *testing.T) {
	SetJWTSecret(testSecret)

	t.Run("roles round-trip", func(t *testing.T) {
		for _, role := range []string{RoleUser, RoleAdmin, RoleStaff} {
			token, err := GenerateJWT("id-1", "alice", role)
			require.NoError(t, err)
			assert.Len(t, strings.Split(token, "."), 3)

			claims, err := ValidateJWT(token)
			require.NoError(t, err)
			assert.Equal(t, "id-1", claims.UserID)
			assert.Equal(t, "alice", claims.Username)
			assert.Equal(t, role, claims.Role)
			assert.Equal(t, role != RoleUser, claims.IsBackOffice())
			assert.Equal(t, "starcapital", claims.Issuer)
			assert.NotEmpty(t, claims.ID)
		}
	})

	t.Run("missing secret", func(t *testing.T) {
		JWTSecret = nil
		defer SetJWTSecret(testSecret)
		_, err := GenerateJWT("id-1", "alice", RoleUser)
		assert.EqualError(t, err, "JWT密钥未设置，无法生成token")
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _ := GenerateJWT("id-1", "alice", RoleUser)
		SetJWTSecret("wrong-secret-key")
		defer SetJWTSecret(testSecret)
		_, err := ValidateJWT(token)
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, token := range []string{"", "invalid.token", "not-a-jwt-token", "invalid.jwt.token"} {
			_, err := ValidateJWT(token)
			assert.Error(t, err, token)
		}
	})

	t.Run("expired", func(t *testing.T) {
		claims := Claims{
			UserID: "id-1",
			Role:   RoleUser,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret)
		require.NoError(t, err)
		_, err = ValidateJWT(token)
		assert.Error(t, err)
	})

	t.Run("token without role", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			UserID:           "id-1",
			RegisteredClaims: registered(time.Now(), time.Hour),
		}).SignedString(JWTSecret)
		require.NoError(t, err)
		_, err = ValidateJWT(token)
		assert.Error(t, err)
	})
}

func TestTokenPairAndRefresh(t *testing.T) {
	SetJWTSecret(testSecret)

	pair, err := GenerateTokenPair("id-2", "bob", RoleUser)
	require.NoError(t, err)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Equal(t, int64(7*24*3600), pair.RefreshExpiresIn)

	_, err = ValidateJWT(pair.RefreshToken)
	assert.Error(t, err, "refresh token 不能当作 access token")

	_, err = ValidateRefreshToken(pair.AccessToken)
	assert.Error(t, err, "access token 不能用于刷新")

	next, err := RefreshAccessToken(pair.RefreshToken)
	require.NoError(t, err)
	claims, err := ValidateJWT(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Username)

	_, err = RefreshAccessToken(pair.RefreshToken)
	assert.Error(t, err, "旧 Refresh Token 已轮换作废")
}

func TestBlacklist(t *testing.T) {
	BlacklistToken("live-token", time.Now().Add(time.Hour))
	assert.True(t, IsTokenBlacklisted("live-token"))
	assert.False(t, IsTokenBlacklisted("other-token"))

	BlacklistToken("expired-token", time.Now().Add(-time.Second))
	assert.False(t, IsTokenBlacklisted("expired-token"), "过期条目自动清理")

	tokenBlacklist.Lock()
	_, still := tokenBlacklist.items["expired-token"]
	tokenBlacklist.Unlock()
	assert.False(t, still)
}

func TestConcurrentBlacklist(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := "concurrent-" + strings.Repeat("x", i)
			BlacklistToken(token, time.Now().Add(time.Hour))
			assert.True(t, IsTokenBlacklisted(token))
		}(i)
	}
	wg.Wait()
}

func BenchmarkValidateJWT(b *testing.B) {
	SetJWTSecret(testSecret)
	token, _ := GenerateJWT("id-1", "alice", RoleUser)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ValidateJWT(token)
	}
}
