// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/internal/docindex"
	"krishi-mitra-go/internal/handler"
	"krishi-mitra-go/internal/intent"
	"krishi-mitra-go/internal/middleware"
	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/internal/pipeline"
	"krishi-mitra-go/internal/repository"
	"krishi-mitra-go/internal/service"
	"krishi-mitra-go/pkg/database"
	"krishi-mitra-go/pkg/embedding"
	"krishi-mitra-go/pkg/kafka"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
	"krishi-mitra-go/pkg/market"
	"krishi-mitra-go/pkg/tika"
	"krishi-mitra-go/pkg/token"
	"krishi-mitra-go/pkg/translate"
	"krishi-mitra-go/pkg/weather"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := database.DB.AutoMigrate(&model.User{}, &model.Chat{}, &model.ChatTurnMessage{}); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	chatRepository := repository.NewChatRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.RDB)

	// 5. 初始化外部服务客户端
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	translateClient := translate.NewClient(cfg.Translate)
	weatherClient := weather.NewClient(cfg.Weather)
	marketClient := market.NewClient(cfg.Market)

	// 6. 初始化文档索引与意图分发器
	index := docindex.NewIndex(cfg.Corpus, tikaClient, embeddingClient)
	router := intent.NewRouter(weatherClient, marketClient, userRepository, index, llmClient)

	// 7. 初始化 Service (依赖注入)
	userService := service.NewUserService(userRepository, jwtManager)
	chatService := service.NewChatService(router, translateClient, chatRepository, conversationRepo)

	// 8. 启动后台任务：模型发现、索引预热、Kafka 消费者
	warmupCtx, cancelWarmup := context.WithCancel(context.Background())
	defer cancelWarmup()
	go llmClient.DiscoverModels(warmupCtx)
	go func() {
		// 启动时预热索引，首个请求无需等待构建
		if err := index.Build(warmupCtx); err != nil {
			log.Warnf("索引预热失败: %v", err)
		}
	}()
	go kafka.StartConsumer(cfg.Kafka, pipeline.NewProcessor(index))

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 10. 注册路由
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)
	userHandler := handler.NewUserHandler(userService)
	adminHandler := handler.NewAdminHandler(index)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.PUT("/profile", userHandler.UpdateProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Chat 路由组，需要认证
		chat := apiV1.Group("/chat")
		chat.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			chat.POST("/message", chatHandler.Respond)
			chat.POST("/stream", chatHandler.Stream)
			chat.POST("/new", chatHandler.NewChat)
			chat.GET("/list", chatHandler.ListChats)
			chat.GET("/:chatId/history", chatHandler.History)
			chat.POST("/delete", chatHandler.DeleteChat)
			chat.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}
		// WebSocket 连接走 URL token 认证，不经过 AuthMiddleware
		r.GET("/chat/ws/:token", chatHandler.HandleWebsocket)

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(middleware.AuthMiddleware(jwtManager, userService), middleware.AdminAuthMiddleware())
		{
			admin.POST("/reindex", adminHandler.Reindex)
			admin.GET("/index/stats", adminHandler.IndexStats)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费者是一个循环，会在程序退出时自然结束。
	log.Info("服务已优雅关闭")
}
