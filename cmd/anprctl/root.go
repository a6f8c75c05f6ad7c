package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	token      string
	jsonOutput bool
)

// rootCmd 运维命令入口
var rootCmd = &cobra.Command{
	Use:   "anprctl",
	Short: "Operate an anprgazer server",
	Long: `Inspect and drive a running anprgazer server: health, manual processing,
plate queries, and the RUNT key handshake.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ANPR_SERVER", "http://localhost:8080"), "anprgazer base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ANPR_TOKEN"), "bearer token for protected endpoints")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

// newAPI 指向服务端的 HTTP 客户端
func newAPI() *resty.Client {
	c := resty.New().
		SetBaseURL(serverURL).
		SetTimeout(2*time.Minute).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return c
}

// checkResponse 非 2xx 时把服务端的 error 字段作为错误返回
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), body.Error)
		}
		return fmt.Errorf("%s", resp.Status())
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
