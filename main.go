package main

import (
	"time"

	"FitProject/global"
	"FitProject/logger"
	"FitProject/service/gateway"
)

// 本地开发入口：起 mock 网关并给两侧各签一个 24h 的调试凭证。
// 客户端核心（service/chat + service/rest）对着它联调。
func main() {
	cfg := global.Load()
	global.ConfigIds()

	srv := gateway.NewServer(cfg.GetJwtSecret())
	srv.Store().EnsureConversation("C123", "u_1001", "t_2001")

	userTok, err := srv.IssueToken("u_1001", "user", 24*time.Hour)
	if err != nil {
		logger.Errorf("issue user token: %v", err)
		return
	}
	trainerTok, err := srv.IssueToken("t_2001", "trainer", 24*time.Hour)
	if err != nil {
		logger.Errorf("issue trainer token: %v", err)
		return
	}
	logger.Infof("dev user token:    %s", userTok)
	logger.Infof("dev trainer token: %s", trainerTok)

	if err := srv.Run(cfg.ListenAddr); err != nil {
		logger.Errorf("gateway exited: %v", err)
	}
}
