package secerr

import "errors"

// 安全子系統錯誤分類.
// 驗證類失敗（簽章無效、未受信任）一律在本地降級為拒絕並寫入審計日誌，
// 不作為程式故障向上拋出；存儲與傳輸失敗則以具型別的錯誤交由呼叫方決定是否重試.
var (
	ErrNotTrusted       = errors.New("device not trusted")
	ErrNotFound         = errors.New("record not found")
	ErrExpired          = errors.New("record expired")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrTransportFailure = errors.New("transport failure")
	ErrCryptoFailure    = errors.New("cryptographic operation failed")
	ErrPolicyBlocked    = errors.New("blocked by anti-tracking policy")
	ErrNoActiveBeacon   = errors.New("no active beacon")
	ErrRefused          = errors.New("request refused by peer")
)

// IsDenial 判斷錯誤是否屬於可本地恢復的拒絕類錯誤（攻擊者可輕易觸發，不應視為故障）.
func IsDenial(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotTrusted) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrPolicyBlocked) ||
		errors.Is(err, ErrRefused) ||
		errors.Is(err, ErrExpired)
}

// IsRetryable 判斷錯誤是否值得重試（存儲或傳輸層失敗）.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransportFailure)
}
