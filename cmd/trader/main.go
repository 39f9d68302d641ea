package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"algo-trader-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	// 组件 ctx 不随信号取消，收尾交给 Stop
	if err := c.Start(context.Background()); err != nil {
		lg.LogError(err, map[string]interface{}{"action": "start"})
		_ = c.Stop()
		os.Exit(1)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}

	stopWatchdog := startWatchdog(c)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		lg.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err, ok := <-c.ServerErr():
		if ok && err != nil {
			lg.LogError(err, map[string]interface{}{"action": "http_listen"})
			exitCode = 1
		}
	}

	stopWatchdog()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		log.Printf("停止失败: %v", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

// startWatchdog 在 systemd 开启 WatchdogSec 时按一半周期上报存活，健康检查失败时停止上报。
func startWatchdog(c *container.Container) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/4)
				err := c.HealthCheck(ctx)
				cancel()
				if err != nil {
					c.Logger().Warn("health check failed, skipping watchdog ping", zap.Error(err))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return func() { close(done) }
}
