package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/parkgate/pkg/client"
)

// app 命令共享的运行环境
type app struct {
	in     io.Reader
	out    io.Writer
	v      *viper.Viper
	api    *client.Client
	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{in: os.Stdin, out: os.Stdout, v: viper.New()}
	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCommand 创建根命令
func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "parkctl",
		Short:         "Parking gate operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:5000", "Parking API base URL")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	_ = a.v.BindPFlags(rootCmd.PersistentFlags())

	// PARKCTL_SERVER 等环境变量
	a.v.SetEnvPrefix("parkctl")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.init()
	}

	rootCmd.AddCommand(
		listCommand(a),
		getCommand(a),
		updateCommand(a),
		statsCommand(a),
		entryCommand(a),
		exitCommand(a),
		recognizeCommand(a),
		cameraCommand(a),
		healthCommand(a),
	)

	return rootCmd
}

// init 根据配置创建客户端和日志
func (a *app) init() error {
	server := a.v.GetString("server")
	if server == "" {
		return fmt.Errorf("server address is required")
	}

	if a.v.GetBool("debug") {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		a.logger = logger
	} else {
		a.logger = zap.NewNop()
	}

	if a.api == nil {
		a.api = client.NewClient(server, &http.Client{Timeout: a.v.GetDuration("timeout")})
	}
	return nil
}

// printJSON 输出缩进 JSON
func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm 询问操作员确认，只有 y/yes 视为确认
func (a *app) confirm(prompt string) bool {
	fmt.Fprintf(a.out, "%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Fscanln(a.in, &answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
