package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"proximity-gateway/internal/gateway"
	"proximity-gateway/internal/platform/config"
	"proximity-gateway/internal/platform/driver"
	"proximity-gateway/internal/platform/logger"
	"proximity-gateway/internal/platform/server"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/transport"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// resolveDeviceID 決定本機裝置 ID.
// 優先順序：環境變量 DEVICE_ID > 配置文件 > 啟動時隨機生成.
func resolveDeviceID(ctx context.Context, cfg *config.Config) string {
	if env := os.Getenv("DEVICE_ID"); env != "" {
		return env
	}
	if cfg.App.DeviceID != "" {
		return cfg.App.DeviceID
	}

	deviceID := uuid.New().String()
	logger.Info(ctx, "[WARNING] 未配置裝置 ID，使用臨時隨機 ID（重啟後身份將改變）",
		logger.WithDeviceID(deviceID))
	logger.Info(ctx, "提示：生產環境請設置 DEVICE_ID 環境變量或 app.device_id 配置")
	return deviceID
}

// buildTransport 按配置創建近距離傳輸.
func buildTransport(cfg *config.Config, deviceID string) (transport.Transport, error) {
	switch cfg.Protocol.Transport {
	case "loopback":
		// 單機模擬：集線器上只有自己
		return transport.NewHub().Endpoint(deviceID), nil
	case "udp":
		return transport.NewUDPTransport(transport.UDPOptions{
			PeerID:        deviceID,
			Port:          cfg.Protocol.UDPPort,
			BroadcastAddr: cfg.Protocol.UDPBroadcast,
			Interval:      time.Duration(cfg.Protocol.AdvertiseMs) * time.Millisecond,
			BufferLen:     cfg.Protocol.ScanBufferLen,
		})
	default:
		return nil, fmt.Errorf("未知的傳輸類型: %s", cfg.Protocol.Transport)
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()
	cfg.App.DeviceID = resolveDeviceID(ctx, cfg)

	// 連接資料庫（可選的耐久層）.
	var store *certificate.Store
	if cfg.Database.Mongo.Enabled {
		if err := driver.ConnectMongo(); err != nil {
			return err
		}
		defer func() {
			if err := driver.CloseMongo(); err != nil {
				logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
			}
		}()
		store = certificate.NewStore(driver.GetMongoDatabase())
	}

	// 創建近距離傳輸.
	tr, err := buildTransport(cfg, cfg.App.DeviceID)
	if err != nil {
		return err
	}

	// 創建並啟動編排器.
	gw, err := gateway.New(gateway.Options{
		Config:    cfg,
		Transport: tr,
		Store:     store,
	})
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Shutdown()

	// 啟動管理 API 伺服器.
	go func() {
		if err := server.Start(gw); err != nil {
			logger.Errorf(ctx, "管理 API 伺服器啟動失敗: %v", err)
		}
	}()

	logger.Info(ctx, "[System] 服務器啟動完成",
		logger.WithDeviceID(cfg.App.DeviceID),
		logger.WithAction("startup"))

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "正在關閉服務器...", logger.WithAction("shutdown"))
	return nil
}
