package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	Debug    bool   `mapstructure:"debug"`
	DeviceID string `mapstructure:"device_id"` // 本機裝置 ID，空值時啟動自動生成
}

// ServerConfig 管理 API 伺服器配置.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	Timeout int    `mapstructure:"timeout"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	Enabled                bool   `mapstructure:"enabled"` // 未啟用時憑證只保留在記憶體
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全子系統配置.
type SecurityConfig struct {
	Certificate  CertificateConfig  `mapstructure:"certificate"`
	Session      SessionConfig      `mapstructure:"session"`
	AntiTracking AntiTrackingConfig `mapstructure:"anti_tracking"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// CertificateConfig 憑證生命週期配置.
type CertificateConfig struct {
	ValidityDays         int `mapstructure:"validity_days"`          // 憑證有效期（天）
	RenewalThresholdDays int `mapstructure:"renewal_threshold_days"` // 到期前多少天觸發續期
	RenewalMaxAttempts   int `mapstructure:"renewal_max_attempts"`   // 續期最大重試次數
	RenewalRetrySeconds  int `mapstructure:"renewal_retry_seconds"`  // 續期重試間隔（秒）
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // 到期掃描間隔（秒）
}

// SessionConfig 會話密鑰配置.
type SessionConfig struct {
	HardExpiryHours      int `mapstructure:"hard_expiry_hours"`      // 會話硬過期（小時）
	RotationMinutes      int `mapstructure:"rotation_minutes"`       // 軟輪換門檻（分鐘）
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // 過期會話掃描間隔（秒）
}

// AntiTrackingConfig 反追蹤配置.
type AntiTrackingConfig struct {
	Level                  string `mapstructure:"level"`                    // none / basic / enhanced / maximum
	BeaconRotationSeconds  int    `mapstructure:"beacon_rotation_seconds"`  // Beacon 輪換間隔（秒）
	RequestTTLSeconds      int    `mapstructure:"request_ttl_seconds"`      // 身份揭露請求存活時間（秒）
	SecretRetentionMinutes int    `mapstructure:"secret_retention_minutes"` // Beacon 秘密保留時間（分鐘）
	DecoyCount             int    `mapstructure:"decoy_count"`              // 誘餌 Beacon 數量
}

// AuditConfig 審計日誌配置.
type AuditConfig struct {
	MinSeverity     string `mapstructure:"min_severity"`     // info / warning / error / critical
	MaxEntries      int    `mapstructure:"max_entries"`      // 環形緩衝區容量
	RetentionHours  int    `mapstructure:"retention_hours"`  // 條目保留時間（小時）
	RotationMinutes int    `mapstructure:"rotation_minutes"` // 定期清理間隔（分鐘）
}

// ProtocolConfig 近距離傳輸配置.
type ProtocolConfig struct {
	Transport     string `mapstructure:"transport"`       // loopback / udp
	UDPPort       int    `mapstructure:"udp_port"`        // UDP 廣播端口
	UDPBroadcast  string `mapstructure:"udp_broadcast"`   // 廣播地址
	AdvertiseMs   int    `mapstructure:"advertise_ms"`    // 廣播間隔（毫秒）
	ScanBufferLen int    `mapstructure:"scan_buffer_len"` // 掃描通道緩衝大小
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// setDefaults 設定所有配置預設值（所有欄位皆有預設，無必填項）.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "proximity-gateway")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.device_id", "")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.timeout", 30)

	v.SetDefault("database.mongo.enabled", false)
	v.SetDefault("database.mongo.url", "mongodb://localhost:27017")
	v.SetDefault("database.mongo.database", "proximity_gateway")
	v.SetDefault("database.mongo.max_pool_size", 20)
	v.SetDefault("database.mongo.min_pool_size", 1)
	v.SetDefault("database.mongo.max_conn_idle_time", 300)
	v.SetDefault("database.mongo.connect_timeout", 10)
	v.SetDefault("database.mongo.server_selection_timeout", 10)

	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_size_mb", 100)

	v.SetDefault("security.certificate.validity_days", 365)
	v.SetDefault("security.certificate.renewal_threshold_days", 7)
	v.SetDefault("security.certificate.renewal_max_attempts", 3)
	v.SetDefault("security.certificate.renewal_retry_seconds", 30)
	v.SetDefault("security.certificate.sweep_interval_seconds", 3600)

	v.SetDefault("security.session.hard_expiry_hours", 24)
	v.SetDefault("security.session.rotation_minutes", 60)
	v.SetDefault("security.session.sweep_interval_seconds", 300)

	v.SetDefault("security.anti_tracking.level", "basic")
	v.SetDefault("security.anti_tracking.beacon_rotation_seconds", 300)
	v.SetDefault("security.anti_tracking.request_ttl_seconds", 300)
	v.SetDefault("security.anti_tracking.secret_retention_minutes", 60)
	v.SetDefault("security.anti_tracking.decoy_count", 3)

	v.SetDefault("security.audit.min_severity", "info")
	v.SetDefault("security.audit.max_entries", 10000)
	v.SetDefault("security.audit.retention_hours", 168)
	v.SetDefault("security.audit.rotation_minutes", 60)

	v.SetDefault("protocol.transport", "udp")
	v.SetDefault("protocol.udp_port", 47200)
	v.SetDefault("protocol.udp_broadcast", "255.255.255.255")
	v.SetDefault("protocol.advertise_ms", 1000)
	v.SetDefault("protocol.scan_buffer_len", 64)
}

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		config = testCfg[0]
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		return nil
	}

	// 初始化 Viper
	v := viper.New()
	setDefaults(v)

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		// 使用 CONFIG_PATH 指定的檔案
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("讀取配置檔案失敗: %w", err)
		}
	} else {
		// 使用預設的環境配置檔案；找不到檔案時全部採用預設值
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")

		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return fmt.Errorf("讀取配置檔案失敗: %w", err)
			}
		}
	}

	// 將配置綁定到結構體
	config = &Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	// 驗證配置
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	return nil
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}

	if cfg.Security.Certificate.ValidityDays <= 0 {
		return fmt.Errorf("憑證有效期必須大於 0")
	}
	if cfg.Security.Certificate.RenewalThresholdDays <= 0 {
		return fmt.Errorf("憑證續期門檻必須大於 0")
	}
	if cfg.Security.Certificate.RenewalThresholdDays >= cfg.Security.Certificate.ValidityDays {
		return fmt.Errorf("憑證續期門檻必須小於有效期")
	}

	if cfg.Security.Session.HardExpiryHours <= 0 {
		return fmt.Errorf("會話硬過期時間必須大於 0")
	}
	if cfg.Security.Session.RotationMinutes <= 0 {
		return fmt.Errorf("會話輪換門檻必須大於 0")
	}
	// 軟輪換門檻必須早於硬過期
	if time.Duration(cfg.Security.Session.RotationMinutes)*time.Minute >=
		time.Duration(cfg.Security.Session.HardExpiryHours)*time.Hour {
		return fmt.Errorf("會話輪換門檻必須小於硬過期時間")
	}

	switch strings.ToLower(cfg.Security.AntiTracking.Level) {
	case "none", "basic", "enhanced", "maximum":
	default:
		return fmt.Errorf("無效的反追蹤等級: %s", cfg.Security.AntiTracking.Level)
	}

	if cfg.Security.AntiTracking.BeaconRotationSeconds <= 0 {
		return fmt.Errorf("beacon 輪換間隔必須大於 0")
	}
	if cfg.Security.AntiTracking.RequestTTLSeconds <= 0 {
		return fmt.Errorf("身份揭露請求存活時間必須大於 0")
	}

	switch strings.ToLower(cfg.Security.Audit.MinSeverity) {
	case "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("無效的審計最低級別: %s", cfg.Security.Audit.MinSeverity)
	}
	if cfg.Security.Audit.MaxEntries <= 0 {
		return fmt.Errorf("審計環形緩衝區容量必須大於 0")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得管理 API 伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// GetMongoURL 取得 MongoDB 連接字串
func GetMongoURL() string {
	if config != nil {
		return config.Database.Mongo.URL
	}
	return ""
}

// BeaconRotationInterval Beacon 輪換間隔.
func (c *Config) BeaconRotationInterval() time.Duration {
	return time.Duration(c.Security.AntiTracking.BeaconRotationSeconds) * time.Second
}

// RequestTTL 身份揭露請求存活時間.
func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.Security.AntiTracking.RequestTTLSeconds) * time.Second
}

// SecretRetention Beacon 秘密保留時間.
func (c *Config) SecretRetention() time.Duration {
	return time.Duration(c.Security.AntiTracking.SecretRetentionMinutes) * time.Minute
}

// SessionHardExpiry 會話硬過期時間.
func (c *Config) SessionHardExpiry() time.Duration {
	return time.Duration(c.Security.Session.HardExpiryHours) * time.Hour
}

// SessionRotationThreshold 會話軟輪換門檻.
func (c *Config) SessionRotationThreshold() time.Duration {
	return time.Duration(c.Security.Session.RotationMinutes) * time.Minute
}

// CertificateValidity 憑證有效期.
func (c *Config) CertificateValidity() time.Duration {
	return time.Duration(c.Security.Certificate.ValidityDays) * 24 * time.Hour
}

// RenewalThreshold 憑證續期門檻.
func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.Security.Certificate.RenewalThresholdDays) * 24 * time.Hour
}
