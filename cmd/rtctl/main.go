// rtctl 是运维命令行：触发清理任务、签发调试用 token、生成 sweep key 哈希。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/config"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rtctl",
		Short:         "Operate a livestate server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(sweepCmd(), tokenCmd(), hashKeyCmd())
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func sweepCmd() *cobra.Command {
	var (
		serverURL string
		key       string
		all       bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep [job...]",
		Short: "Run sweep jobs on a server",
		Long:  "Run sweep jobs on a server. Jobs: " + strings.Join(service.Jobs, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := args
			if all {
				jobs = service.Jobs
			}
			if len(jobs) == 0 {
				return fmt.Errorf("no job given, use --all or one of: %s", strings.Join(service.Jobs, ", "))
			}
			if key == "" {
				return fmt.Errorf("sweep key is required (--key or SWEEP_KEY)")
			}
			client := &http.Client{Timeout: timeout}
			for _, job := range jobs {
				n, err := sweep(cmd.Context(), client, serverURL, key, job)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", job, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", job, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", envOr("RTCTL_SERVER", "http://localhost:8080"), "Server base URL")
	cmd.Flags().StringVar(&key, "key", os.Getenv("SWEEP_KEY"), "Plain sweep key")
	cmd.Flags().BoolVar(&all, "all", false, "Run every job in order")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout per job")
	return cmd
}

func sweep(ctx context.Context, client *http.Client, serverURL, key, job string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	url := strings.TrimRight(serverURL, "/") + "/internal/sweep/" + job
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Sweep-Key", key)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var out struct {
		Affected int    `json:"affected"`
		Error    string `json:"error"`
	}
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Error == "" {
			out.Error = strings.TrimSpace(string(body))
		}
		return 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, out.Error)
	}
	return out.Affected, nil
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Issue an access token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if secret == "" {
				secret = cfg.JWTSecret
			}
			if ttl <= 0 {
				ttl = cfg.AccessTokenTTL()
			}
			token, err := auth.GenerateAccessToken(args[0], secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (defaults to JWT_SECRET from config)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to ACCESS_TOKEN_TTL_MINUTES from config)")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the bcrypt hash to put in SWEEP_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
