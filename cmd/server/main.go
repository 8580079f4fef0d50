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

	"kieran-ai-go/internal/config"
	"kieran-ai-go/internal/handler"
	"kieran-ai-go/internal/middleware"
	"kieran-ai-go/internal/repository"
	"kieran-ai-go/internal/service"
	"kieran-ai-go/pkg/database"
	"kieran-ai-go/pkg/kafka"
	"kieran-ai-go/pkg/llm"
	"kieran-ai-go/pkg/log"
	"kieran-ai-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	kafka.InitProducer(cfg.Kafka)
	defer kafka.Close()

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	profileRepo := repository.NewProfileRepository(database.DB)
	memoryRepo := repository.NewMemoryRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	llmClient := llm.NewClient(cfg.LLM)
	memoryService := service.NewMemoryService(memoryRepo, llmClient, cfg.Memory.Workers, cfg.Memory.QueueSize)
	chatService := service.NewChatService(userRepo, profileRepo, memoryRepo, messageRepo, llmClient, memoryService, cfg.Memory.FetchLimit)

	// 6. 启动后台记忆提取 worker
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	memoryService.Start(workerCtx)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	chatHandler := handler.NewChatHandler(chatService, jwtManager)
	api := r.Group("/api")
	{
		// Chat 路由组：身份可选，匿名访客同样可以聊天
		chat := api.Group("/chat")
		chat.Use(middleware.OptionalAuth(jwtManager))
		{
			chat.POST("/messages", chatHandler.PostMessage)
			chat.GET("/messages", chatHandler.ListMessages)
			chat.DELETE("/messages", chatHandler.ClearMessages)
		}
		// WebSocket 流式聊天（身份通过查询参数解析）
		api.GET("/chat/ws", chatHandler.HandleWS)
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

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台提取 worker 并等待退出；已入队的任务不保证处理完成（best-effort 语义）
	cancelWorkers()
	memoryService.Wait()

	log.Info("服务已优雅关闭")
}
