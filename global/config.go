package global

import (
	"os"

	"FitProject/tools/ids"
)

// AppConfig 客户端核心与本地网关共用的配置。
// 字段用 mapstructure tag，便于从 JSON/YAML map 解码。
type AppConfig struct {
	GatewayWSURL string `mapstructure:"gateway_ws_url"` // 实时通道地址
	APIBaseURL   string `mapstructure:"api_base_url"`   // REST 服务地址
	ListenAddr   string `mapstructure:"listen_addr"`    // mock 网关监听地址
	JWTSecret    string `mapstructure:"jwt_secret"`     // 开发网关签发密钥
}

func Default() AppConfig {
	return AppConfig{
		GatewayWSURL: "ws://127.0.0.1:8090/ws",
		APIBaseURL:   "http://127.0.0.1:8090",
		ListenAddr:   ":8090",
		JWTSecret:    "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
	}
}

// Load 返回默认配置并套用环境变量覆盖。
func Load() AppConfig {
	cfg := Default()
	if v := os.Getenv("FITCHAT_GATEWAY_WS_URL"); v != "" {
		cfg.GatewayWSURL = v
	}
	if v := os.Getenv("FITCHAT_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("FITCHAT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FITCHAT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	return cfg
}

func (c AppConfig) GetJwtSecret() []byte {
	return []byte(c.JWTSecret)
}

func ConfigIds() {
	ids.SetNodeID(100)
}
