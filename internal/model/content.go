package model

import "time"

// Account はコンテンツ提供元上のアカウント情報を表す。
type Account struct {
	ID       string
	Handle   string
	Name     string
	ImageURL string
}

// ContentItem は提供元から取得した投稿を表す。永続化はしない。
type ContentItem struct {
	ID           string
	AuthorHandle string
	Text         string
	LikeCount    int
	ShareCount   int
	CreatedAt    *time.Time
}

// CacheEntry は配信済み投稿の記録を表す。
type CacheEntry struct {
	ItemID    string
	Handle    string
	CreatedAt time.Time
}

// ResolveStatus はアカウント解決の結果種別。
type ResolveStatus int

const (
	// ResolveFound はアカウントが存在したことを示す。
	ResolveFound ResolveStatus = iota
	// ResolveNotFound はアカウントが存在しないことを示す。
	ResolveNotFound
	// ResolveTransient は一時的な障害で判定できなかったことを示す。
	ResolveTransient
)

// Resolution はアカウント解決の結果。
// StatusがResolveFoundのときのみAccountが設定され、
// ResolveTransientのときはErrに詳細が入る。
type Resolution struct {
	Status  ResolveStatus
	Account *Account
	Err     error
}

// Found はアカウントが見つかった結果を生成する。
func Found(account *Account) Resolution {
	return Resolution{Status: ResolveFound, Account: account}
}

// NotFound はアカウントが存在しない結果を生成する。
func NotFound() Resolution {
	return Resolution{Status: ResolveNotFound}
}

// Transient は一時的な障害の結果を生成する。
func Transient(err error) Resolution {
	return Resolution{Status: ResolveTransient, Err: err}
}

// DeliveryStatus は配信結果の種別。
type DeliveryStatus int

const (
	// DeliverySent は配信に成功したことを示す。
	DeliverySent DeliveryStatus = iota
	// DeliveryRejected は配信先が拒否したことを示す。
	DeliveryRejected
)

// String はメトリクスラベル用の文字列表現を返す。
func (s DeliveryStatus) String() string {
	if s == DeliverySent {
		return "sent"
	}
	return "rejected"
}

// DeliveryResult は配信の結果。RejectedのときReasonに理由が入る。
type DeliveryResult struct {
	Status DeliveryStatus
	Reason string
}

// Sent は配信成功の結果を生成する。
func Sent() DeliveryResult {
	return DeliveryResult{Status: DeliverySent}
}

// Rejected は配信拒否の結果を生成する。
func Rejected(reason string) DeliveryResult {
	return DeliveryResult{Status: DeliveryRejected, Reason: reason}
}
