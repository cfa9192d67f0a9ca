package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"starcapital/api"
	"starcapital/auth"
	"starcapital/config"
	"starcapital/invest"
	"starcapital/logger"
	"starcapital/news"
)

// syncConfigToDatabase 将 config.json 中的非空配置同步到 system_config
func syncConfigToDatabase(database *config.Database, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}

	log.Printf("🔄 开始同步config.json到数据库...")
	for key, value := range cfg.SystemSettings() {
		if key != config.SettingJWTSecret {
			if err := config.ValidateSetting(key, value); err != nil {
				log.Printf("⚠️  跳过无效配置 %s: %v", key, err)
				continue
			}
		}
		if err := database.SetSystemConfig(key, value); err != nil {
			log.Printf("⚠️  更新配置 %s 失败: %v", key, err)
			continue
		}
		if key != config.SettingJWTSecret {
			log.Printf("✓ 同步配置: %s = %s", key, value)
		}
	}
	log.Printf("✅ config.json同步完成")
	return nil
}

// databaseTarget 数据库连接（优先级：环境变量 > config.json > 默认 SQLite）
func databaseTarget(cfg *config.Config) (driver, dsn string) {
	driver, dsn = config.DriverSQLite, "star.db"
	if cfg != nil && cfg.Database.Driver != "" {
		driver, dsn = cfg.Database.Driver, cfg.Database.DSN
	}
	if v := strings.TrimSpace(os.Getenv("DB_DRIVER")); v != "" {
		driver = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_DSN")); v != "" {
		dsn = v
	}
	return driver, dsn
}

// setupJWTSecret 优先级：环境变量 > 数据库 > 首次启动自动生成
func setupJWTSecret(database *config.Database) {
	jwtSecret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if jwtSecret != "" {
		log.Printf("🔑 使用环境变量 JWT 密钥（优先级最高）")
		auth.SetJWTSecret(jwtSecret)
		return
	}

	jwtSecret, _ = database.GetSystemConfig(config.SettingJWTSecret)
	if jwtSecret != "" {
		log.Printf("🔑 使用数据库中的 JWT 密钥")
		auth.SetJWTSecret(jwtSecret)
		return
	}

	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal("❌ 生成随机 JWT 密钥失败:", err)
	}
	jwtSecret = base64.StdEncoding.EncodeToString(randomBytes)
	if err := database.SetSystemConfig(config.SettingJWTSecret, jwtSecret); err != nil {
		log.Fatal("❌ 保存 JWT 密钥到数据库失败:", err)
	}
	log.Println("🔐 首次启动：已自动生成 JWT 密钥并保存到数据库")
	log.Println("   生产环境建议使用自定义密钥：export JWT_SECRET='your-secret'")
	auth.SetJWTSecret(jwtSecret)
}

// bootstrapAdmin 没有管理员时按 ADMIN_USERNAME / ADMIN_PASSWORD 创建
func bootstrapAdmin(database *config.Database) {
	username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	password := os.Getenv("ADMIN_PASSWORD")
	usingDefault := username == "" || password == ""
	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = "admin123"
	}

	created, err := api.EnsureAdmin(database, username, password)
	if err != nil {
		log.Fatalf("❌ 创建初始管理员失败: %v", err)
	}
	if !created {
		return
	}
	log.Printf("👤 已创建初始管理员: %s", username)
	if usingDefault {
		log.Println("⚠️  正在使用默认管理员账号密码，请登录后台立即修改或设置 ADMIN_USERNAME / ADMIN_PASSWORD")
	}
}

// apiPort 端口（优先级：环境变量 > config.json > 默认值）
func apiPort(cfg *config.Config) int {
	port := 8080
	if cfg != nil && cfg.APIServerPort > 0 {
		port = cfg.APIServerPort
	}
	if envPort := strings.TrimSpace(os.Getenv("STAR_BACKEND_PORT")); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil && p > 0 && p < 65536 {
			port = p
			log.Printf("🔌 使用环境变量端口: %d (STAR_BACKEND_PORT)", port)
		} else {
			log.Printf("⚠️  环境变量 STAR_BACKEND_PORT 无效: %s", envPort)
		}
	}
	return port
}

func main() {
	fmt.Println("╔════════════════════════════════════════════╗")
	fmt.Println("║    ⭐ 星辰资本 - 理财后台服务               ║")
	fmt.Println("╚════════════════════════════════════════════╝")
	fmt.Println()

	// 本地运行时从 .env 加载环境变量，容器中由运行时注入
	_ = godotenv.Load()

	cfg, err := config.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("❌ 读取config.json失败: %v", err)
	}
	if cfg == nil {
		log.Printf("📄 config.json不存在，使用默认配置")
	}

	var logCfg *config.LogConfig
	if cfg != nil {
		logCfg = cfg.Log
	}
	if err := logger.InitFromLogConfig(logCfg); err != nil {
		log.Printf("⚠️  初始化日志失败: %v", err)
	}
	defer logger.Shutdown()

	driver, dsn := databaseTarget(cfg)
	log.Printf("📋 初始化数据库: %s", driver)
	database, err := config.NewDatabase(driver, dsn)
	if err != nil {
		log.Fatalf("❌ 初始化数据库失败: %v", err)
	}

	if err := syncConfigToDatabase(database, cfg); err != nil {
		log.Printf("⚠️  同步config.json到数据库失败: %v", err)
	}
	setupJWTSecret(database)
	bootstrapAdmin(database)
	log.Printf("✓ 数据库初始化成功")

	// 收益结算任务
	processor := invest.NewReturnsProcessor(database, cfg.ReturnsInterval())
	processor.Start()
	log.Printf("⏱️  收益结算任务已启动，间隔 %s", cfg.ReturnsInterval())

	// 资讯抓取调度
	scheduler := news.NewScheduler(database, news.NewCrawler(&http.Client{Timeout: 30 * time.Second}))
	if err := scheduler.Start(); err != nil {
		log.Printf("⚠️  启动资讯抓取调度失败: %v", err)
	}

	apiServer := api.NewServer(database, invest.NewService(database), scheduler, apiPort(cfg))
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ API服务器错误: %v", err)
		}
	}()

	// 设置优雅退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println()
	log.Println("📛 收到退出信号，正在优雅关闭...")

	// 步骤 1: 停止 API 服务器，不再接受新请求
	log.Println("🛑 停止 API 服务器...")
	if err := apiServer.Shutdown(); err != nil {
		log.Printf("⚠️  关闭 API 服务器时出错: %v", err)
	} else {
		log.Println("✅ API 服务器已安全关闭")
	}

	// 步骤 2: 停止后台任务
	log.Println("⏸️  停止收益结算与资讯抓取...")
	processor.Stop()
	scheduler.Stop()
	log.Println("✅ 后台任务已停止")

	// 步骤 3: 关闭数据库连接 (确保所有写入完成)
	log.Println("💾 关闭数据库连接...")
	if err := database.Close(); err != nil {
		log.Printf("❌ 关闭数据库失败: %v", err)
	} else {
		log.Println("✅ 数据库已安全关闭，所有数据已持久化")
	}

	fmt.Println()
	fmt.Println("👋 星辰资本服务已退出")
}
