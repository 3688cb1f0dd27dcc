package exception

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// パイプライン内でエラーの発生元を示すモジュール名の定数です。
const (
	ModuleConfig    = "config"
	ModuleFetch     = "fetch"
	ModuleNormalize = "normalize"
	ModuleLoad      = "load"
	ModuleDatabase  = "database"
	ModuleMigration = "migration"
)

// PipelineError はパイプライン処理中に発生するカスタムエラー型です。
// エラーの発生元モジュール、メッセージ、ラップされた元のエラー、
// そしてリトライ可能か、スキップ可能かのフラグを保持します。
type PipelineError struct {
	Module      string // エラーが発生したモジュール (例: "config", "fetch", "load")
	Message     string // エラーの簡潔な説明
	OriginalErr error  // ラップされた元のエラー
	Retryable   bool   // このエラーがリトライ可能か
	Skippable   bool   // このエラーがスキップ可能か
	StackTrace  string // スタックトレース (デバッグ用)
}

// NewPipelineError は新しい PipelineError のインスタンスを作成します。
func NewPipelineError(module, message string, originalErr error, retryable, skippable bool) *PipelineError {
	// スタックトレースをキャプチャ (デバッグ用途)
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)

	return &PipelineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		Retryable:   retryable,
		Skippable:   skippable,
		StackTrace:  string(buf[:n]),
	}
}

// NewPipelineErrorf はフォーマット文字列を使用して新しい PipelineError のインスタンスを作成します。
// 最後の引数が error 型であれば OriginalErr として扱います。
func NewPipelineErrorf(module, format string, a ...interface{}) *PipelineError {
	var originalErr error
	if len(a) > 0 {
		if err, ok := a[len(a)-1].(error); ok {
			originalErr = err
			a = a[:len(a)-1]
		}
	}

	return NewPipelineError(module, fmt.Sprintf(format, a...), originalErr, false, false)
}

// NewConfigError は設定不備を表すエラーを作成します。起動時に致命的として扱われます。
func NewConfigError(message string, originalErr error) *PipelineError {
	return NewPipelineError(ModuleConfig, message, originalErr, false, false)
}

// NewFetchError はリモート取得の失敗を表すエラーを作成します。
// retryable はリトライポリシーの判定結果を反映します。
func NewFetchError(sourceID, message string, originalErr error, retryable bool) *PipelineError {
	return NewPipelineError(ModuleFetch, fmt.Sprintf("[source: %s] %s", sourceID, message), originalErr, retryable, false)
}

// NewLoadError はトランザクション失敗を表すエラーを作成します。
// ロードの失敗は通常、非一時的な状態 (スキーマ不一致など) を示すためリトライ不可とします。
func NewLoadError(sourceID, message string, originalErr error) *PipelineError {
	return NewPipelineError(ModuleLoad, fmt.Sprintf("[source: %s] %s", sourceID, message), originalErr, false, false)
}

// Error は error インターフェースの実装です。
func (e *PipelineError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap は errors.Unwrap のために元のエラーを返します。
func (e *PipelineError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable はこのエラーがリトライ可能かどうかを返します。
func (e *PipelineError) IsRetryable() bool {
	return e.Retryable
}

// IsSkippable はこのエラーがスキップ可能かどうかを返します。
func (e *PipelineError) IsSkippable() bool {
	return e.Skippable
}

// FromModule は err が指定されたモジュールで発生した PipelineError かどうかを判定します。
func FromModule(err error, module string) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Module == module
	}
	return false
}

// IsTemporary は一時的なエラーかどうかを判定します。
// 例えば、ネットワークエラーや一時的なDB接続エラーなど。
// これはリトライロジックで利用できます。
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	// PipelineError の Retryable フラグを優先
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	// ここに一般的な一時的エラーの判定ロジックを追加
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF")
}
