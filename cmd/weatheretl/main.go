package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	"weatheretl/pkg/pipeline/app"
	"weatheretl/pkg/pipeline/util/logger"
)

//go:embed resources/application.yaml
var embeddedConfig []byte // application.yaml の内容をバイトスライスとして埋め込む

//go:embed resources/sources.yaml
var embeddedSources []byte // ソース定義ファイルを埋め込む

func main() {
	// Context の設定 (キャンセル可能にする)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリング (Ctrl+C などで安全に終了するため)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Warnf("シグナル '%v' を受信しました。実行の停止を試みます...", sig)
		cancel() // Context をキャンセルして実行を中断
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env" // デフォルトのパス
	}

	// アプリケーションのメインロジックを app パッケージに委譲
	exitCode := app.RunApplication(ctx, envFilePath, embeddedConfig, embeddedSources)
	os.Exit(exitCode)
}
