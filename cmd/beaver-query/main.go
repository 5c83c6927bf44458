package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 設定 log 等級並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/beaver-query/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	// 各套件在 init 時取得 slog.Default()，這裡只調整預設 handler 的等級
	if os.Getenv("BEAVER_DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
