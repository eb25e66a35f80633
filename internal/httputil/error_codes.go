package httputil

// API 錯誤代碼常數.
const (
	// 2000-2999: 參數相關錯誤 (400 Bad Request).
	ErrorCodeInvalidParameter = 2001

	// 3000-3999: 安全策略相關錯誤 (403 Forbidden).
	ErrorCodeNotTrusted    = 3001
	ErrorCodePolicyBlocked = 3002

	// 4000-4999: 資源相關錯誤 (404 Not Found).
	ErrorCodeRecordNotFound = 4001

	// 5000-5999: 處理相關錯誤 (500 Internal Server Error).
	ErrorCodeProcessingFailed = 5001
)
