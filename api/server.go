package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"starcapital/auth"
	"starcapital/config"
	"starcapital/invest"
	"starcapital/metrics"
	"starcapital/middleware"
	"starcapital/news"
)

// Server HTTP API服务器
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	database   *config.Database
	invest     *invest.Service
	scheduler  *news.Scheduler
	hub        *Hub
	port       int
	now        func() time.Time

	stopCleanup chan struct{}
}

// NewServer 创建API服务器
func NewServer(database *config.Database, investService *invest.Service, scheduler *news.Scheduler, port int) *Server {
	// 设置为Release模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// 反向代理支持：信任 X-Forwarded-For 和 X-Real-IP 头
	if strings.EqualFold(os.Getenv("TRUST_PROXY"), "true") {
		router.SetTrustedProxies([]string{"127.0.0.1", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"})
		log.Println("🔄 [Proxy] 已启用反向代理支持 (TRUST_PROXY=true)")
	} else {
		router.SetTrustedProxies(nil)
	}

	allowedOrigins := allowedOriginsFromEnv()
	isDevelopment := os.Getenv("ENVIRONMENT") != "production"
	if isDevelopment {
		log.Println("🔧 [CORS] 开发模式：自动允许 localhost、.local 域名和私有 IP")
	} else {
		log.Printf("🔒 [CORS] 生产模式：严格执行白名单 %v", allowedOrigins)
	}
	router.Use(cors.New(corsConfig(allowedOrigins, isDevelopment)))

	router.Use(metrics.GinMiddleware())

	// 全局速率限制 (每秒 50 个请求)
	stopCleanup := make(chan struct{})
	globalLimiter := middleware.NewIPRateLimiter(rate.Limit(50), 50)
	globalLimiter.StartCleanup(10*time.Minute, stopCleanup)
	router.Use(middleware.RateLimitMiddleware(globalLimiter))

	// CSRF 保护（Double Submit Cookie 模式）
	if os.Getenv("ENABLE_CSRF") == "true" {
		log.Println("✅ [CSRF] CSRF 保护已启用")
		csrfConfig := middleware.DefaultCSRFConfig()
		if !isDevelopment {
			csrfConfig.CookieSecure = true
		}
		router.Use(middleware.CSRFMiddleware(csrfConfig))
	} else {
		log.Println("⚠️  [CSRF] CSRF 保护已禁用，生产环境请设置 ENABLE_CSRF=true")
	}

	s := &Server{
		router:      router,
		database:    database,
		invest:      investService,
		scheduler:   scheduler,
		hub:         NewHub(),
		port:        port,
		now:         time.Now,
		stopCleanup: stopCleanup,
	}

	s.setupRoutes()

	return s
}

// allowedOriginsFromEnv 白名单：本地前端 + FRONTEND_URL + CORS_ALLOWED_ORIGINS
func allowedOriginsFromEnv() []string {
	origins := []string{
		"http://localhost:3000",
		"http://localhost:5173",
	}
	if frontendURL := os.Getenv("FRONTEND_URL"); frontendURL != "" {
		origins = append(origins, frontendURL)
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// corsConfig 白名单模式，开发环境额外允许私有网络来源
func corsConfig(allowedOrigins []string, isDevelopment bool) cors.Config {
	whitelist := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		whitelist[o] = true
	}

	return cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if whitelist[origin] {
				return true
			}
			if isDevelopment && isPrivateNetworkOrigin(origin) {
				return true
			}
			log.Printf("🚫 [CORS] 拒绝来源: %s（可添加到 CORS_ALLOWED_ORIGINS）", origin)
			return false
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// isPrivateNetworkOrigin 检查是否为私有网络来源
// 支持 localhost、.local 域名 (mDNS) 和 RFC 1918 私有 IP
func isPrivateNetworkOrigin(origin string) bool {
	parts := strings.Split(origin, "://")
	if len(parts) != 2 {
		return false
	}

	host := parts[1]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" || host == "0.0.0.0" || strings.HasSuffix(host, ".local") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api")
	{
		// 公开接口
		api.GET("/health", s.handleHealth)
		api.GET("/csrf-token", s.handleGetCSRFToken)
		api.GET("/products", s.handleProducts)
		api.GET("/mentors", s.handlePublicMentors)
		api.GET("/news", s.handleNewsList)
		api.GET("/news/:id", s.handleNewsDetail)

		// 认证相关路由（严格速率限制，防止暴力破解）
		authGroup := api.Group("/auth", middleware.AuthRateLimitMiddleware())
		{
			authGroup.POST("/register", s.handleRegister)
			authGroup.POST("/login", s.handleLogin)
			authGroup.POST("/refresh", s.handleRefreshToken)
		}
		api.POST("/admin/login", middleware.AuthRateLimitMiddleware(), s.handleAdminLogin)

		// 前台用户接口
		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/auth/logout", s.handleLogout)

			protected.GET("/user/profile", s.handleGetProfile)
			protected.PUT("/user/profile", s.handleUpdateProfile)
			protected.POST("/user/password", s.handleChangePassword)
			protected.GET("/user/team", s.handleTeam)
			protected.GET("/user/assets", s.handleAssets)
			protected.GET("/user/profit-curve", s.handleProfitCurve)

			protected.POST("/transactions/deposit", s.handleDeposit)
			protected.POST("/transactions/withdraw", s.handleWithdraw)
			protected.GET("/transactions", s.handleTransactions)

			protected.POST("/trade/create", s.handleTradeCreate)
			protected.GET("/positions", s.handlePositions)

			protected.GET("/messages", s.handleMessages)
			protected.POST("/messages/:id/read", s.handleMarkMessageRead)
			protected.GET("/ws", s.handleWebSocket)

			protected.POST("/feedback", s.handleCreateFeedback)
			protected.GET("/feedback", s.handleMyFeedback)
		}

		// 后台接口
		admin := api.Group("/admin", s.adminMiddleware())
		{
			admin.POST("/logout", s.handleAdminLogout)
			admin.GET("/me", s.handleAdminMe)
			admin.GET("/dashboard", s.handleDashboard)

			users := admin.Group("/users", requirePermission(config.PermUsers))
			{
				users.GET("", s.handleAdminUsers)
				users.PUT("", s.handleAdminUpdateUser)
				users.POST("/adjust", s.handleAdminAdjustBalance)
				users.DELETE("/:id", s.handleAdminDeleteUser)
			}

			txs := admin.Group("/transactions", requirePermission(config.PermTransactions))
			{
				txs.GET("", s.handleAdminTransactions)
				txs.POST("", s.handleAdminReviewTransaction)
			}

			staff := admin.Group("/staff", requireRole(auth.RoleAdmin))
			{
				staff.GET("", s.handleListStaff)
				staff.POST("", s.handleCreateStaff)
				staff.PUT("/:id", s.handleUpdateStaff)
				staff.DELETE("/:id", s.handleDeleteStaff)
				staff.POST("/:id/otp", s.handleEnableStaffOTP)
			}

			mentors := admin.Group("/mentors", requirePermission(config.PermMentors))
			{
				mentors.GET("", s.handleAdminMentors)
				mentors.POST("", s.handleCreateMentor)
				mentors.PUT("/:id", s.handleUpdateMentor)
				mentors.DELETE("/:id", s.handleDeleteMentor)
			}

			messages := admin.Group("/messages", requirePermission(config.PermMessages))
			{
				messages.GET("", s.handleAdminMessages)
				messages.POST("", s.handleCreateMessage)
				messages.DELETE("/:id", s.handleDeleteMessage)
			}

			feedbacks := admin.Group("/feedbacks", requirePermission(config.PermFeedback))
			{
				feedbacks.GET("", s.handleAdminFeedbacks)
				feedbacks.POST("/reply", s.handleReplyFeedback)
			}

			settings := admin.Group("/settings", requirePermission(config.PermSettings))
			{
				settings.GET("", s.handleGetSettings)
				settings.PUT("", s.handleUpdateSettings)
			}

			crawler := admin.Group("/crawler/tasks", requirePermission(config.PermNews))
			{
				crawler.GET("", s.handleListCrawlTasks)
				crawler.POST("", s.handleCreateCrawlTask)
				crawler.PUT("/:id", s.handleUpdateCrawlTask)
				crawler.DELETE("/:id", s.handleDeleteCrawlTask)
				crawler.POST("/:id/run", s.handleRunCrawlTask)
			}
		}
	}
}

// handleHealth 健康检查
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.database.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "数据库不可用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   s.now().UnixMilli(),
	})
}

// handleGetCSRFToken 获取 CSRF Token
func (s *Server) handleGetCSRFToken(c *gin.Context) {
	csrfConfig := middleware.DefaultCSRFConfig()
	token := middleware.GetCSRFToken(c, csrfConfig)

	c.JSON(http.StatusOK, gin.H{
		"csrf_token":  token,
		"header_name": csrfConfig.HeaderName,
	})
}

// Hub 实时推送中心
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start 启动服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API服务器启动在 http://localhost%s", addr)
	log.Printf("  • GET  /api/health            - 健康检查")
	log.Printf("  • POST /api/auth/register     - 用户注册")
	log.Printf("  • POST /api/trade/create      - 申购星投/星钱包")
	log.Printf("  • POST /api/admin/login       - 后台登录")
	log.Printf("  • GET  /metrics               - Prometheus 指标")

	// 创建 http.Server 以支持 graceful shutdown
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown 优雅关闭 API 服务器
func (s *Server) Shutdown() error {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
	s.hub.CloseAll()

	if s.httpServer == nil {
		return nil
	}

	// 设置 5 秒超时
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
