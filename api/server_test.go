package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starcapital/auth"
	"starcapital/config"
	"starcapital/invest"
	"starcapital/logger"
	"starcapital/news"
)

const testWalletAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

// 登录注册接口按 IP 限流，每个请求使用不同的来源地址
var ipSeq uint32

func nextRemoteAddr() string {
	n := atomic.AddUint32(&ipSeq, 1)
	return fmt.Sprintf("10.%d.%d.%d:40000", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
}

type testEnv struct {
	server *Server
	db     *config.Database
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.SetOutput(io.Discard)
	auth.SetJWTSecret("test-secret-for-api")

	db, err := config.NewDatabase(config.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scheduler := news.NewScheduler(db, news.NewCrawler(nil))
	s := NewServer(db, invest.NewService(db), scheduler, 0)
	t.Cleanup(func() { close(s.stopCleanup) })
	return &testEnv{server: s, db: db}
}

// request 发送请求，token 非空时以 Bearer 头携带
func (e *testEnv) request(t *testing.T, method, path string, body interface{}, token string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = nextRemoteAddr()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// register 注册用户并返回 token 与用户资料
func (e *testEnv) register(t *testing.T, username, referralCode string) (string, map[string]interface{}) {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/auth/register", gin.H{
		"username":      username,
		"password":      "secret123",
		"referral_code": referralCode,
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	return body["token"].(string), body["user"].(map[string]interface{})
}

// adminToken 创建初始管理员并登录
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	_, err := EnsureAdmin(e.db, "root", "rootpass")
	require.NoError(t, err)
	return e.employeeLogin(t, "root", "rootpass")
}

func (e *testEnv) employeeLogin(t *testing.T, username, password string) string {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/admin/login", gin.H{"username": username, "password": password}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decodeBody(t, w)["token"].(string)
}

func (e *testEnv) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := e.db.AdjustBalance(context.Background(), userID, decimal.RequireFromString(amount), "test", "测试资金")
	require.NoError(t, err)
}

func (e *testEnv) user(t *testing.T, id string) *config.User {
	t.Helper()
	u, err := e.db.GetUserByID(id)
	require.NoError(t, err)
	return u
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	w := env.request(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndLoginSetsCookie(t *testing.T) {
	env := setupTestServer(t)

	w := env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "alice", "password": "secret123"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "alice", user["username"])
	assert.NotEmpty(t, user["invite_code"])
	assert.NotContains(t, w.Body.String(), "password_hash")

	// 重复注册
	w = env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "alice", "password": "secret123"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// 密码错误
	w = env.request(t, http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": "wrong-pass"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": "secret123"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody(t, w)["first_login"])

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.UserCookie {
			session = c
		}
	}
	require.NotNil(t, session, "登录应写入会话 Cookie")
	assert.True(t, session.HttpOnly)

	// 仅凭 Cookie 即可访问
	w = env.request(t, http.MethodGet, "/api/user/profile", nil, "", session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decodeBody(t, w)["username"])

	// 第二次登录不再是首次登录
	w = env.request(t, http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": "secret123"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["first_login"])
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestServer(t)

	w := env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "ab", "password": "secret123"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "bobby", "password": "123"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "bobby", "password": "secret123", "referral_code": "NOPE00"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.db.SetSystemConfig(config.SettingRequireReferralCode, "true"))
	w = env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "bobby", "password": "secret123"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.db.SetSystemConfig(config.SettingRegistrationEnabled, "false"))
	w = env.request(t, http.MethodPost, "/api/auth/register", gin.H{"username": "bobby", "password": "secret123"}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterWithReferralUpdatesTeam(t *testing.T) {
	env := setupTestServer(t)

	leaderToken, leader := env.register(t, "leader", "")
	env.register(t, "member", leader["invite_code"].(string))

	w := env.request(t, http.MethodGet, "/api/user/team", nil, leaderToken)
	require.Equal(t, http.StatusOK, w.Code)
	team := decodeBody(t, w)
	assert.EqualValues(t, 1, team["direct_count"])
	assert.EqualValues(t, 1, team["team_count"])
	referees := team["referees"].([]interface{})
	require.Len(t, referees, 1)
	assert.Equal(t, "member", referees[0].(map[string]interface{})["username"])
}

func TestProtectedRoutesRequireLogin(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/api/user/profile", "/api/user/assets", "/api/admin/dashboard"} {
		w := env.request(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.EqualValues(t, 1, decodeBody(t, w)["code"], path)
	}

	// 前台 token 不能访问后台
	userToken, _ := env.register(t, "carol", "")
	w := env.request(t, http.MethodGet, "/api/admin/dashboard", nil, userToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 后台 token 不能当作前台会话
	adminToken := env.adminToken(t)
	w = env.request(t, http.MethodGet, "/api/user/profile", nil, adminToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	env := setupTestServer(t)
	token, _ := env.register(t, "dave", "")

	w := env.request(t, http.MethodPost, "/api/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/user/profile", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDisabledUserForbidden(t *testing.T) {
	env := setupTestServer(t)
	userToken, user := env.register(t, "erin", "")
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPut, "/api/admin/users", gin.H{"user_id": user["id"], "status": config.UserStatusDisabled}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/api/user/profile", nil, userToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodPost, "/api/auth/login", gin.H{"username": "erin", "password": "secret123"}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodPut, "/api/admin/users", gin.H{"user_id": user["id"], "status": "frozen"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminLoginRequiresOTP(t *testing.T) {
	env := setupTestServer(t)

	secret, err := auth.GenerateOTPSecret("ops")
	require.NoError(t, err)
	hash, err := auth.HashPassword("opspass")
	require.NoError(t, err)
	require.NoError(t, env.db.CreateEmployee(&config.Employee{
		Username:     "ops",
		PasswordHash: hash,
		Role:         config.RoleStaff,
		OTPSecret:    secret,
		OTPEnabled:   true,
		IsActive:     true,
	}))

	w := env.request(t, http.MethodPost, "/api/admin/login", gin.H{"username": "ops", "password": "opspass"}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["requires_otp"])

	w = env.request(t, http.MethodPost, "/api/admin/login", gin.H{"username": "ops", "password": "opspass", "otp_code": "000000x"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	w = env.request(t, http.MethodPost, "/api/admin/login", gin.H{"username": "ops", "password": "opspass", "otp_code": code}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decodeBody(t, w)["token"])
}

func TestDepositApprovalCreditsAtSubmissionRate(t *testing.T) {
	env := setupTestServer(t)
	userToken, user := env.register(t, "frank", "")
	userID := user["id"].(string)
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPost, "/api/transactions/deposit", gin.H{"amount_usdt": "100", "proof_url": ""}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "缺少凭证")

	w = env.request(t, http.MethodPost, "/api/transactions/deposit", gin.H{"amount_usdt": "100", "proof_url": "https://img.example.com/p.png", "tx_hash": "0x1234"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "交易哈希格式错误")

	w = env.request(t, http.MethodPost, "/api/transactions/deposit", gin.H{"amount_usdt": "100", "proof_url": "https://img.example.com/p.png"}, userToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txID := decodeBody(t, w)["id"].(string)

	// 审核前汇率变动不影响已提交的记录
	require.NoError(t, env.db.SetSystemConfig(config.SettingUSDTRate, "8"))
	assertMoney(t, "0", env.user(t, userID).Balance)

	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": txID, "status": config.TxStatusApproved}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertMoney(t, "723", env.user(t, userID).Balance)

	// 每条记录只能审核一次
	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": txID, "status": config.TxStatusApproved}, adminToken)
	assert.Equal(t, http.StatusConflict, w.Code)
	assertMoney(t, "723", env.user(t, userID).Balance)

	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": txID, "status": "completed"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodGet, "/api/transactions?type=deposit", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["total"])
}

func TestWithdrawHoldAndRejectRefund(t *testing.T) {
	env := setupTestServer(t)
	userToken, user := env.register(t, "grace", "")
	userID := user["id"].(string)
	adminToken := env.adminToken(t)
	env.fund(t, userID, "500")

	w := env.request(t, http.MethodPost, "/api/transactions/withdraw", gin.H{"amount": "200", "address": "not-an-address"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/transactions/withdraw", gin.H{"amount": "900", "address": testWalletAddress}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "余额不足")

	w = env.request(t, http.MethodPost, "/api/transactions/withdraw", gin.H{"amount": "5", "address": testWalletAddress}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "低于最低提现金额")

	w = env.request(t, http.MethodPost, "/api/transactions/withdraw", gin.H{"amount": "200", "address": testWalletAddress}, userToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txID := decodeBody(t, w)["id"].(string)
	assertMoney(t, "300", env.user(t, userID).Balance)

	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": txID, "status": config.TxStatusRejected, "remark": "地址有误"}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertMoney(t, "500", env.user(t, userID).Balance)

	// 通过的提现不再退回
	w = env.request(t, http.MethodPost, "/api/transactions/withdraw", gin.H{"amount": "100", "address": testWalletAddress}, userToken)
	require.Equal(t, http.StatusCreated, w.Code)
	txID = decodeBody(t, w)["id"].(string)
	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": txID, "status": config.TxStatusApproved}, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assertMoney(t, "400", env.user(t, userID).Balance)
}

func TestAdjustBalanceRequiresRemark(t *testing.T) {
	env := setupTestServer(t)
	_, user := env.register(t, "heidi", "")
	userID := user["id"].(string)
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPost, "/api/admin/users/adjust", gin.H{"user_id": userID, "amount": "50"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/admin/users/adjust", gin.H{"user_id": userID, "amount": "-10", "remark": "扣回"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "余额不能为负")

	w = env.request(t, http.MethodPost, "/api/admin/users/adjust", gin.H{"user_id": userID, "amount": "50", "remark": "线下补单"}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, config.TxTypeAdjustment, body["type"])
	assert.Equal(t, "root", body["reviewed_by"])

	u := env.user(t, userID)
	assertMoney(t, "50", u.Balance)
	assertMoney(t, "0", u.TotalProfit())

	w = env.request(t, http.MethodPost, "/api/admin/users/adjust", gin.H{"user_id": "missing", "amount": "50", "remark": "x"}, adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStaffPermissions(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPost, "/api/admin/staff", gin.H{
		"username":    "auditor",
		"password":    "auditpass",
		"permissions": []string{config.PermTransactions},
	}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodPost, "/api/admin/staff", gin.H{
		"username":    "bad",
		"password":    "badpass1",
		"permissions": []string{"root"},
	}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	staffToken := env.employeeLogin(t, "auditor", "auditpass")

	w = env.request(t, http.MethodGet, "/api/admin/transactions", nil, staffToken)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.request(t, http.MethodGet, "/api/admin/users", nil, staffToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.request(t, http.MethodGet, "/api/admin/staff", nil, staffToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodGet, "/api/admin/me", nil, staffToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{config.PermTransactions}, decodeBody(t, w)["permissions"])
}

func TestDeactivatedStaffLosesSession(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPost, "/api/admin/staff", gin.H{"username": "temp", "password": "temppass"}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code)
	staffID := decodeBody(t, w)["id"].(string)
	staffToken := env.employeeLogin(t, "temp", "temppass")

	w = env.request(t, http.MethodPut, "/api/admin/staff/"+staffID, gin.H{"is_active": false}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/api/admin/me", nil, staffToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSettingsValidation(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)

	w := env.request(t, http.MethodPut, "/api/admin/settings", gin.H{"usdt_rate": -1}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPut, "/api/admin/settings", gin.H{"unknown_key": "1"}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 任一项不合法则全部不生效
	w = env.request(t, http.MethodPut, "/api/admin/settings", gin.H{"usdt_rate": 7.5, "star_wallet_lock_days": 0}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	rate, err := env.db.GetSystemConfig(config.SettingUSDTRate)
	require.NoError(t, err)
	assert.Equal(t, "7.23", rate)

	w = env.request(t, http.MethodPut, "/api/admin/settings", gin.H{"usdt_rate": 7.5, "registration_enabled": false}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "7.5", body["usdt_rate"])
	assert.Equal(t, "false", body["registration_enabled"])
	assert.NotContains(t, body, config.SettingJWTSecret)
}

func TestTradeCreateMovesBuckets(t *testing.T) {
	env := setupTestServer(t)
	userToken, user := env.register(t, "ivan", "")
	userID := user["id"].(string)
	env.fund(t, userID, "2000")

	w := env.request(t, http.MethodPost, "/api/trade/create", gin.H{"product": config.ProductStarInvest, "amount": "50"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "低于起投金额")

	w = env.request(t, http.MethodPost, "/api/trade/create", gin.H{"product": "moon_fund", "amount": "500"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/trade/create", gin.H{"product": config.ProductStarInvest, "amount": "500", "mentor_id": "missing"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "导师不存在")

	w = env.request(t, http.MethodPost, "/api/trade/create", gin.H{"product": config.ProductStarWallet, "amount": "1000"}, userToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	position := decodeBody(t, w)
	assert.Equal(t, config.PositionPending, position["status"])

	w = env.request(t, http.MethodPost, "/api/trade/create", gin.H{"product": config.ProductStarWallet, "amount": "1500"}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code, "余额不足")

	u := env.user(t, userID)
	assertMoney(t, "1000", u.Balance)
	assertMoney(t, "1000", u.StarWalletBalance)
	assertMoney(t, "2000", u.TotalAssets())

	w = env.request(t, http.MethodGet, "/api/user/assets", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	assets := decodeBody(t, w)
	assert.Equal(t, "2000", assets["total_assets"])
	assert.Equal(t, "0", assets["yesterday_profit"])

	w = env.request(t, http.MethodGet, "/api/positions?status=pending", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	var positions []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	assert.Len(t, positions, 1)

	w = env.request(t, http.MethodGet, "/api/positions?status=open", nil, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMentorsAndMessages(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)
	userToken, user := env.register(t, "judy", "")

	w := env.request(t, http.MethodPost, "/api/admin/mentors", gin.H{"name": "", "status": config.MentorActive}, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/admin/mentors", gin.H{"name": "王老师", "title": "首席分析师", "status": config.MentorActive}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/api/mentors", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var mentors []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mentors))
	require.Len(t, mentors, 1)
	assert.Equal(t, "王老师", mentors[0]["name"])

	// 广播 + 定向消息
	w = env.request(t, http.MethodPost, "/api/admin/messages", gin.H{"title": "公告", "content": "系统维护"}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.request(t, http.MethodPost, "/api/admin/messages", gin.H{"title": "提醒", "content": "请完善资料", "target_user_id": user["id"]}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.request(t, http.MethodPost, "/api/admin/messages", gin.H{"title": "提醒", "content": "x", "target_user_id": "missing"}, adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodGet, "/api/messages", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	list := body["list"].([]interface{})
	require.Len(t, list, 2)
	assert.EqualValues(t, 2, body["unread"])

	msgID := list[0].(map[string]interface{})["id"].(string)
	w = env.request(t, http.MethodPost, "/api/messages/"+msgID+"/read", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(t, http.MethodGet, "/api/messages", nil, userToken)
	assert.EqualValues(t, 1, decodeBody(t, w)["unread"])
}

func TestFeedbackReply(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)
	userToken, _ := env.register(t, "kate", "")

	w := env.request(t, http.MethodPost, "/api/feedback", gin.H{"title": "", "content": ""}, userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/feedback", gin.H{"title": "提现", "content": "多久到账？"}, userToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	feedbackID := decodeBody(t, w)["id"].(string)

	w = env.request(t, http.MethodPost, "/api/admin/feedbacks/reply", gin.H{"feedback_id": feedbackID, "content": "一般 24 小时内"}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/api/feedback", nil, userToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "一般 24 小时内")
}

func TestDashboardCountsApprovedFunding(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.adminToken(t)
	userToken, _ := env.register(t, "leo", "")
	env.register(t, "mia", "")

	w := env.request(t, http.MethodPost, "/api/transactions/deposit", gin.H{"amount_usdt": "10", "proof_url": "https://img.example.com/a.png"}, userToken)
	require.Equal(t, http.StatusCreated, w.Code)
	approvedID := decodeBody(t, w)["id"].(string)
	w = env.request(t, http.MethodPost, "/api/transactions/deposit", gin.H{"amount_usdt": "20", "proof_url": "https://img.example.com/b.png"}, userToken)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodPost, "/api/admin/transactions", gin.H{"id": approvedID, "status": config.TxStatusApproved}, adminToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/admin/dashboard", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := decodeBody(t, w)
	assert.EqualValues(t, 2, d["total_users"])
	assert.EqualValues(t, 2, d["new_users_today"])
	assert.Equal(t, "72.3", d["deposit_total"])
	assert.Equal(t, "72.3", d["deposit_today"])
	assert.EqualValues(t, 1, d["pending_deposits"])
	assert.Len(t, d["trend"], trendMonths)
}

func TestFundingTotals(t *testing.T) {
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	entries := []config.ReviewedEntry{
		{Type: config.TxTypeDeposit, Amount: decimal.NewFromInt(10), CreditAmount: decimal.RequireFromString("72.3"), ReviewedAt: today.Add(time.Hour).UnixMilli()},
		{Type: config.TxTypeDeposit, Amount: decimal.NewFromInt(100), CreditAmount: decimal.NewFromInt(723), ReviewedAt: today.Add(-time.Hour).UnixMilli()},
		{Type: config.TxTypeWithdraw, Amount: decimal.NewFromInt(50), ReviewedAt: today.Add(2 * time.Hour).UnixMilli()},
		{Type: config.TxTypeWithdraw, Amount: decimal.NewFromInt(30), ReviewedAt: today.AddDate(0, 0, -3).UnixMilli()},
	}

	depTotal, depToday, wdTotal, wdToday := fundingTotals(entries, today)
	assertMoney(t, "795.3", depTotal)
	assertMoney(t, "72.3", depToday)
	assertMoney(t, "80", wdTotal)
	assertMoney(t, "50", wdToday)
}

func TestMonthEnds(t *testing.T) {
	now := time.Date(2026, 2, 15, 13, 0, 0, 0, time.Local)
	ends := monthEnds(now, 3)
	require.Len(t, ends, 3)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.Local), ends[0])
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local), ends[1])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local), ends[2])

	entries := []config.ReviewedEntry{
		{Type: config.TxTypeDeposit, CreditAmount: decimal.NewFromInt(100), ReviewedAt: time.Date(2025, 12, 20, 0, 0, 0, 0, time.Local).UnixMilli()},
		{Type: config.TxTypeDeposit, CreditAmount: decimal.NewFromInt(50), ReviewedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.Local).UnixMilli()},
		{Type: config.TxTypeWithdraw, Amount: decimal.NewFromInt(40), ReviewedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.Local).UnixMilli()},
	}
	trend := depositTrend(entries, ends)
	assertMoney(t, "0", trend[0])
	assertMoney(t, "100", trend[1])
	assertMoney(t, "150", trend[2])
}

func TestIsPrivateNetworkOrigin(t *testing.T) {
	cases := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://127.0.0.1:5173", true},
		{"http://192.168.1.20:3000", true},
		{"http://10.0.0.8", true},
		{"http://star.local", true},
		{"http://[::1]:3000", true},
		{"https://example.com", false},
		{"http://8.8.8.8", false},
		{"localhost", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isPrivateNetworkOrigin(tc.origin), tc.origin)
	}
}

func TestValidTxHash(t *testing.T) {
	assert.True(t, validTxHash("0x"+string(bytes.Repeat([]byte("ab"), 32))))
	assert.False(t, validTxHash("0x1234"))
	assert.False(t, validTxHash("0x"+string(bytes.Repeat([]byte("zz"), 32))))
	assert.False(t, validTxHash(string(bytes.Repeat([]byte("ab"), 33))))
}

func TestMaskSensitiveString(t *testing.T) {
	assert.Equal(t, "0x52****9EE7", MaskSensitiveString(testWalletAddress))
	assert.Equal(t, "****", MaskSensitiveString("short"))
}
