package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/config"
)

// statusPaths 各组件的状态接口
var statusPaths = map[string]string{
	"selector": "/v1/selector/health",
	"warmup":   "/v1/warmup/status",
	"governor": "/v1/governor/status",
	"dedup":    "/v1/dedup/stats",
}

var statusOrder = []string{"selector", "warmup", "governor", "dedup"}

// call 执行一次请求并打印结果
func call(cmd *cobra.Command, opts *globalOptions, method, path string, body any) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status [selector|warmup|governor|dedup]",
		Short:     "Show component state; all components when none is given",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: statusOrder,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, opts, http.MethodGet, statusPaths[args[0]], nil)
			}

			c, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			all := make(map[string]json.RawMessage, len(statusPaths))
			for _, name := range statusOrder {
				data, err := c.do(ctx, http.MethodGet, statusPaths[name], nil)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				all[name] = data
			}
			merged, err := json.Marshal(all)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), merged)
		},
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "reset [inbox-id]",
		Short: "Reset an inbox circuit breaker, or provider usage with --provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if cmd.Flags().Changed("provider") {
					return fmt.Errorf("inbox id and --provider are mutually exclusive")
				}
				return call(cmd, opts, http.MethodPost, "/v1/selector/reset-circuit", map[string]string{"id": args[0]})
			}
			return call(cmd, opts, http.MethodPost, "/v1/governor/reset", map[string]string{"provider": provider})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider to reset; all providers when empty")
	return cmd
}

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired prospect fingerprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/dedup/cleanup", nil)
		},
	}
}

func newDailyResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daily-reset",
		Short: "Run the warmup daily rollover immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/warmup/daily-reset", nil)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		scopes string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <service>",
		Short: "Mint a service token signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}

			var list []string
			if scopes != "" {
				list = strings.Split(scopes, ",")
			}
			issued, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(args[0], list, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&scopes, "scopes", "", "comma separated scopes: read,write,admin (default read,write)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
