package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dracia-alerts/internal/config"
	"dracia-alerts/internal/hub"
	"dracia-alerts/internal/logger"
	"dracia-alerts/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "dracia-alerts")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	alertService, err := service.NewAlertService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create alert service",
			zap.Error(err),
		)
	}
	defer alertService.Stop()

	// 4. 订阅事件并打印（无 UI 的进程里日志即消费方）
	alertService.Subscribe(func(ev hub.Event) {
		switch ev.Type {
		case hub.EventConnection:
			log.Info("Connection state changed",
				zap.String("state", ev.State),
			)
		case hub.EventMessage:
			if ev.Alert != nil {
				log.Info("Alert received",
					zap.String("id", ev.Alert.ID),
					zap.String("kind", ev.Alert.Kind),
					zap.Float64("confidence", ev.Alert.Confidence),
					zap.String("priority", string(ev.Alert.Priority)),
				)
			}
		case hub.EventError:
			log.Warn("Transport error",
				zap.Error(ev.Err),
			)
		}
	})

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动服务
	if err := alertService.Start(ctx); err != nil {
		log.Fatal("Failed to start alert service",
			zap.Error(err),
		)
	}

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal, shutting down",
		zap.String("signal", sig.String()),
	)
	cancel()

	log.Info("Alert service stopped")
}
