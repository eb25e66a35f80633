package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Severity 審計事件嚴重級別，由低到高排序.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String 回傳級別名稱.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity 解析級別名稱，無法識別時回傳 SeverityInfo.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// EventType 安全事件類型.
type EventType string

const (
	EventCertificateIssued       EventType = "CERTIFICATE_ISSUED"
	EventCertificateRenewed      EventType = "CERTIFICATE_RENEWED"
	EventCertificateRevoked      EventType = "CERTIFICATE_REVOKED"
	EventCertificateExpiringSoon EventType = "CERTIFICATE_EXPIRING_SOON"
	EventCertificateExpired      EventType = "CERTIFICATE_EXPIRED"
	EventCompromiseDetected      EventType = "COMPROMISE_DETECTED"
	EventCleanupPerformed        EventType = "CLEANUP_PERFORMED"
	EventTrustChanged            EventType = "TRUST_CHANGED"
	EventTrustRevoked            EventType = "TRUST_REVOKED"
	EventBeaconRotated           EventType = "BEACON_ROTATED"
	EventIdentityRequested       EventType = "IDENTITY_REVELATION_REQUESTED"
	EventIdentityRevealed        EventType = "IDENTITY_REVEALED"
	EventIdentityRejected        EventType = "IDENTITY_REVELATION_REJECTED"
	EventPolicyBlocked           EventType = "ANTI_TRACKING_BLOCKED"
	EventKeyExchangeInitiated    EventType = "KEY_EXCHANGE_INITIATED"
	EventKeyExchangeCompleted    EventType = "KEY_EXCHANGE_COMPLETED"
	EventKeyExchangeFailed       EventType = "KEY_EXCHANGE_FAILED"
	EventSessionEstablished      EventType = "SESSION_ESTABLISHED"
	EventSessionRevoked          EventType = "SESSION_REVOKED"
	EventSessionExpired          EventType = "SESSION_EXPIRED"
	EventSignatureInvalid        EventType = "SIGNATURE_INVALID"
	EventPermissionGranted       EventType = "PERMISSION_GRANTED"
	EventPermissionRevoked       EventType = "PERMISSION_REVOKED"
)

// Entry 審計日誌條目，寫入後不可變.
type Entry struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Severity     Severity               `json:"severity"`
	SeverityName string                 `json:"severity_name"`
	Timestamp    time.Time              `json:"timestamp"`
	SourceDevice string                 `json:"source_device,omitempty"`
	TargetDevice string                 `json:"target_device,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Query 查詢條件；零值欄位表示不過濾.
type Query struct {
	From       time.Time
	To         time.Time
	Types      []EventType
	Severities []Severity
	Device     string
	Limit      int
}

// Option 寫入條目時的附加欄位.
type Option func(*Entry)

// WithSource 設定來源裝置.
func WithSource(deviceID string) Option {
	return func(e *Entry) { e.SourceDevice = deviceID }
}

// WithTarget 設定目標裝置.
func WithTarget(deviceID string) Option {
	return func(e *Entry) { e.TargetDevice = deviceID }
}

// WithSession 設定會話 ID.
func WithSession(sessionID string) Option {
	return func(e *Entry) { e.SessionID = sessionID }
}

// WithDetails 設定詳細資訊.
func WithDetails(details map[string]interface{}) Option {
	return func(e *Entry) { e.Details = details }
}

// WithError 設定錯誤訊息.
func WithError(err error) Option {
	return func(e *Entry) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// Log 審計日誌組件.
// 依設計注入到各組件而非全域單例，生命週期與子系統實例綁定，
// 以環形緩衝區限制條目數量，並支援按時間的清理.
type Log struct {
	mu          sync.RWMutex
	entries     []*Entry // 環形緩衝區
	head        int      // 下一個寫入位置
	count       int      // 當前條目數
	maxEntries  int
	minSeverity Severity
	clock       clockwork.Clock
}

// NewLog 創建審計日誌組件.
// maxEntries 為環形緩衝區容量；低於 minSeverity 的事件直接丟棄.
func NewLog(maxEntries int, minSeverity Severity, clock clockwork.Clock) *Log {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{
		entries:     make([]*Entry, maxEntries),
		maxEntries:  maxEntries,
		minSeverity: minSeverity,
		clock:       clock,
	}
}

// Record 寫入一條審計事件；級別低於最低門檻時靜默丟棄.
func (l *Log) Record(eventType EventType, severity Severity, message string, opts ...Option) *Entry {
	if severity < l.minSeverity {
		return nil
	}

	entry := &Entry{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     severity,
		SeverityName: severity.String(),
		Timestamp:    l.clock.Now(),
		Message:      message,
	}
	for _, opt := range opts {
		opt(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 環形緩衝區：寫滿後覆蓋最舊條目
	l.entries[l.head] = entry
	l.head = (l.head + 1) % l.maxEntries
	if l.count < l.maxEntries {
		l.count++
	}

	return entry
}

// snapshotLocked 按時間順序（舊到新）取出當前所有條目；調用者須持有讀鎖.
func (l *Log) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, l.count)
	start := l.head - l.count
	if start < 0 {
		start += l.maxEntries
	}
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(start+i)%l.maxEntries])
	}
	return out
}

// matches 判斷條目是否符合查詢條件.
func (q *Query) matches(e *Entry) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Severities) > 0 {
		found := false
		for _, s := range q.Severities {
			if e.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Device != "" && e.SourceDevice != q.Device && e.TargetDevice != q.Device {
		return false
	}
	return true
}

// Find 查詢符合條件的條目，最新的在前.
func (l *Log) Find(q Query) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.snapshotLocked()
	out := make([]*Entry, 0)
	// 由新到舊掃描，便於套用 Limit
	for i := len(all) - 1; i >= 0; i-- {
		if q.matches(all[i]) {
			out = append(out, all[i])
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
	}
	return out
}

// Count 統計符合條件的條目數.
func (l *Log) Count(q Query) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, e := range l.snapshotLocked() {
		if q.matches(e) {
			count++
		}
	}
	return count
}

// Cleanup 移除早於 olderThan 的條目，回傳移除數量.
// 環形緩衝區本身已限制總量，這裡再按時間收緊保留範圍.
func (l *Log) Cleanup(olderThan time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]*Entry, 0, l.count)
	removed := 0
	for _, e := range l.snapshotLocked() {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}

	// 重建緩衝區
	l.entries = make([]*Entry, l.maxEntries)
	copy(l.entries, kept)
	l.count = len(kept)
	l.head = l.count % l.maxEntries

	return removed
}

// Size 當前條目數.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
