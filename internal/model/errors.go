package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle はハンドルの形式が不正な場合のエラー。
	ErrInvalidHandle = errors.New("invalid account handle")
	// ErrSourceUnavailable はコンテンツ提供元に一時的に到達できない場合のエラー。
	ErrSourceUnavailable = errors.New("content source unavailable")
	// ErrChannelUnavailable は配信先チャンネルを解決できない場合のエラー。
	ErrChannelUnavailable = errors.New("channel unavailable")
)

// AppError はユーザー向けに表示するエラーを表す。
// 原因カテゴリと対処方法を含む。
type AppError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, source, storage
	Action   string // ユーザー向け対処方法
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AppError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidHandle     = "INVALID_HANDLE"
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
)

// NewInvalidHandleError は不正なハンドルのエラーを生成する。
func NewInvalidHandleError(raw string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidHandle,
		Message:  fmt.Sprintf("アカウント名の形式が正しくありません: %s", raw),
		Category: "validation",
		Action:   "英数字とアンダースコアのみ、15文字以内で指定してください。",
		Err:      ErrInvalidHandle,
	}
}

// NewSourceUnavailableError は提供元の一時障害エラーを生成する。
func NewSourceUnavailableError(err error) *AppError {
	return &AppError{
		Code:     ErrCodeSourceUnavailable,
		Message:  "アカウントの存在確認ができませんでした。",
		Category: "source",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      errors.Join(ErrSourceUnavailable, err),
	}
}

// NewStoreUnavailableError はストレージ障害エラーを生成する。
func NewStoreUnavailableError(err error) *AppError {
	return &AppError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "購読情報の保存先に接続できませんでした。",
		Category: "storage",
		Action:   "しばらく待ってから再度お試しください。解決しない場合は管理者に連絡してください。",
		Err:      err,
	}
}
