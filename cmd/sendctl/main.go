package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/config"
)

// globalOptions 所有子命令共享的连接参数
type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "sendctl",
		Short:         "Operate a running sendcore server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "", "server base URL (default from SENDCORE_SERVER_HOST/PORT)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SENDCORE_TOKEN"), "bearer token; minted locally from auth.jwt_secret when empty")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newStatusCmd(opts),
		newResetCmd(opts),
		newCleanupCmd(opts),
		newDailyResetCmd(opts),
		newTokenCmd(),
	)
	return root
}

// newClient 按参数与配置构造 API 客户端
//
// 未指定 --token 且配置了签名密钥时，本地签发一个短期管理员令牌。
func newClient(opts *globalOptions) (*client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	base := opts.server
	if base == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	token := opts.token
	if token == "" && cfg.Auth.JWTSecret != "" {
		issued, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).
			Issue("sendctl", []string{jwt.ScopeAdmin}, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		token = issued.Token
	}

	return newHTTPClient(base, token, opts.timeout), nil
}
