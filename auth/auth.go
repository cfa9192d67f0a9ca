package auth

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// 令牌角色
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Cookie 名称：前台用户与后台员工分开
const (
	UserCookie  = "token"
	AdminCookie = "admin_token"
)

const (
	issuer             = "starcapital"
	accessTokenExpiry  = 15 * time.Minute
	refreshTokenExpiry = 7 * 24 * time.Hour
	sessionExpiry      = 24 * time.Hour
)

// OTPIssuer OTP发行者名称
const OTPIssuer = "StarCapital"

// JWTSecret JWT密钥，将从配置中动态设置
var JWTSecret []byte

// maxBlacklistEntries 黑名单最大容量阈值
const maxBlacklistEntries = 100_000

// blacklist 仅内存的令牌黑名单，按过期时间清理
type blacklist struct {
	sync.Mutex
	items map[string]time.Time
}

func newBlacklist() *blacklist {
	return &blacklist{items: make(map[string]time.Time)}
}

func (b *blacklist) add(token string, exp time.Time) {
	b.Lock()
	defer b.Unlock()
	b.items[token] = exp

	if len(b.items) > maxBlacklistEntries {
		now := time.Now()
		for t, e := range b.items {
			if now.After(e) {
				delete(b.items, t)
			}
		}
		if len(b.items) > maxBlacklistEntries {
			log.Printf("auth: token blacklist size (%d) exceeds limit (%d) after sweep", len(b.items), maxBlacklistEntries)
		}
	}
}

func (b *blacklist) contains(token string) bool {
	b.Lock()
	defer b.Unlock()
	exp, ok := b.items[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(b.items, token)
		return false
	}
	return true
}

var (
	tokenBlacklist        = newBlacklist()
	refreshTokenBlacklist = newBlacklist()
)

// SetJWTSecret 设置JWT密钥
func SetJWTSecret(secret string) {
	JWTSecret = []byte(secret)
}

// BlacklistToken 将token加入黑名单直到过期
func BlacklistToken(token string, exp time.Time) {
	tokenBlacklist.add(token, exp)
}

// IsTokenBlacklisted 检查token是否在黑名单中（过期自动清理）
func IsTokenBlacklisted(token string) bool {
	return tokenBlacklist.contains(token)
}

// BlacklistRefreshToken 将 Refresh Token 加入黑名单
func BlacklistRefreshToken(token string, exp time.Time) {
	refreshTokenBlacklist.add(token, exp)
}

// IsRefreshTokenBlacklisted 检查 Refresh Token 是否在黑名单中
func IsRefreshTokenBlacklisted(token string) bool {
	return refreshTokenBlacklist.contains(token)
}

// Claims JWT声明（Access Token）
// 前台用户 Role 为 user，后台员工为 admin 或 staff
type Claims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// IsBackOffice 是否后台令牌
func (c *Claims) IsBackOffice() bool {
	return c.Role == RoleAdmin || c.Role == RoleStaff
}

// RefreshClaims Refresh Token 声明
type RefreshClaims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"` // 固定为 "refresh"
	jwt.RegisteredClaims
}

// TokenPair Access Token 和 Refresh Token 对
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// HashPassword 哈希密码
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword 验证密码
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateOTPSecret 生成员工OTP密钥
func GenerateOTPSecret(account string) (string, error) {
	if account == "" {
		account = uuid.New().String()
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      OTPIssuer,
		AccountName: account,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// VerifyOTP 验证OTP码
func VerifyOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GetOTPQRCodeURL 获取OTP二维码URL
func GetOTPQRCodeURL(secret, account string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s", OTPIssuer, account, secret, OTPIssuer)
}

func sign(claims jwt.Claims) (string, error) {
	if len(JWTSecret) == 0 {
		return "", fmt.Errorf("JWT密钥未设置，无法生成token")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret)
}

func registered(now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
		ID:        uuid.New().String(),
	}
}

// GenerateJWT 生成 24 小时有效的会话 token（写入 Cookie）
func GenerateJWT(userID, username, role string) (string, error) {
	return sign(Claims{
		UserID:           userID,
		Username:         username,
		Role:             role,
		RegisteredClaims: registered(time.Now(), sessionExpiry),
	})
}

// SessionTTL 会话 token 有效期
func SessionTTL() time.Duration {
	return sessionExpiry
}

// GenerateTokenPair 生成 Access Token 和 Refresh Token 对
// Access Token 15 分钟，Refresh Token 7 天
func GenerateTokenPair(userID, username, role string) (*TokenPair, error) {
	now := time.Now()

	access, err := sign(Claims{
		UserID:           userID,
		Username:         username,
		Role:             role,
		RegisteredClaims: registered(now, accessTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("生成 Access Token 失败: %w", err)
	}

	refresh, err := sign(RefreshClaims{
		UserID:           userID,
		Username:         username,
		Role:             role,
		TokenType:        "refresh",
		RegisteredClaims: registered(now, refreshTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("生成 Refresh Token 失败: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(accessTokenExpiry.Seconds()),
		RefreshExpiresIn: int64(refreshTokenExpiry.Seconds()),
	}, nil
}

func keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("意外的签名方法: %v", token.Header["alg"])
	}
	return JWTSecret, nil
}

// ValidateRefreshToken 验证 Refresh Token
func ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	if IsRefreshTokenBlacklisted(tokenString) {
		return nil, fmt.Errorf("Refresh Token 已被撤销")
	}

	token, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("解析 Refresh Token 失败: %w", err)
	}
	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("无效的 Refresh Token")
	}
	if claims.TokenType != "refresh" {
		return nil, fmt.Errorf("无效的 Token 类型")
	}
	return claims, nil
}

// RefreshAccessToken 使用 Refresh Token 换取新的 Token 对，旧 Refresh Token 作废
func RefreshAccessToken(refreshTokenString string) (*TokenPair, error) {
	claims, err := ValidateRefreshToken(refreshTokenString)
	if err != nil {
		return nil, err
	}

	pair, err := GenerateTokenPair(claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt != nil {
		BlacklistRefreshToken(refreshTokenString, claims.ExpiresAt.Time)
		log.Printf("✅ [AUTH] 旧 Refresh Token 已撤销，用户: %s", claims.Username)
	}
	return pair, nil
}

// ValidateJWT 验证JWT token
// refresh token 不能当作 access token 使用
func ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keyFunc)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("无效的token")
	}
	if claims.Role == "" || claims.UserID == "" || claims.TokenType == "refresh" {
		return nil, fmt.Errorf("无效的token")
	}
	return claims, nil
}
