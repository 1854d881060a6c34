// Package model はドメインモデルを定義する。
package model

import (
	"regexp"
	"strings"
	"time"
)

// Subscription は追跡対象アカウントと配信先（サーバー, チャンネル）の組を表す。
// (Handle, ServerID) の組はストア内で一意となる。
type Subscription struct {
	ID        int64
	Handle    string
	ServerID  string
	ChannelID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Destination は配信先（サーバー, チャンネル）の組を表す。
type Destination struct {
	ServerID  string
	ChannelID string
}

// Destination は購読の配信先を返す。
func (s *Subscription) Destination() Destination {
	return Destination{ServerID: s.ServerID, ChannelID: s.ChannelID}
}

// AddOutcome は購読追加の結果を表す。エラーではなく情報としての結果。
type AddOutcome int

const (
	// AddOutcomeAdded は新規に購読を作成したことを示す。
	AddOutcomeAdded AddOutcome = iota
	// AddOutcomeRetargeted は既存購読の配信先チャンネルを変更したことを示す。
	AddOutcomeRetargeted
	// AddOutcomeAlreadyTracked は同じチャンネルで既に追跡済みであることを示す。
	AddOutcomeAlreadyTracked
	// AddOutcomeNotFound はアカウントがコンテンツ提供元に存在しないことを示す。
	AddOutcomeNotFound
)

// String はログ出力用の文字列表現を返す。
func (o AddOutcome) String() string {
	switch o {
	case AddOutcomeAdded:
		return "added"
	case AddOutcomeRetargeted:
		return "retargeted"
	case AddOutcomeAlreadyTracked:
		return "already_tracked"
	case AddOutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// TrackResult は追跡リクエストの結果。
type TrackResult struct {
	Outcome AddOutcome
	Handle  string
	Account *Account
}

// handlePattern は正規化後のハンドルの許容形式。
var handlePattern = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)

// NormalizeHandle はアカウントハンドルを正規化する。
// 前後の空白と先頭の@を除去し、小文字に変換する。
// 許容形式に合わない場合はErrInvalidHandleを返す。
func NormalizeHandle(raw string) (string, error) {
	h := strings.TrimSpace(raw)
	h = strings.TrimPrefix(h, "@")
	h = strings.ToLower(h)
	if !handlePattern.MatchString(h) {
		return "", ErrInvalidHandle
	}
	return h, nil
}
