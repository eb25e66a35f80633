package revelation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/secerr"
)

// PolicyLevel 反追蹤策略級別.
type PolicyLevel int

const (
	PolicyNone     PolicyLevel = iota // 不限制
	PolicyBasic                       // 60 秒內超過 3 次請求即阻擋
	PolicyEnhanced                    // 300 秒內超過 1 次請求即阻擋
	PolicyMaximum                     // 僅允許白名單裝置
)

// String 回傳級別名稱.
func (p PolicyLevel) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyBasic:
		return "basic"
	case PolicyEnhanced:
		return "enhanced"
	case PolicyMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// ParsePolicyLevel 解析級別名稱，無法識別時回傳 PolicyBasic.
func ParsePolicyLevel(s string) PolicyLevel {
	switch strings.ToLower(s) {
	case "none":
		return PolicyNone
	case "enhanced":
		return PolicyEnhanced
	case "maximum":
		return PolicyMaximum
	default:
		return PolicyBasic
	}
}

// requester 單一請求方的時間窗口計數.
type requester struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// PolicyEnforcer 身份揭露的反追蹤策略.
// 請求方以其當前 beacon 的雜湊識別（請求是匿名的，沒有裝置身份可用），
// 按此鍵維護時間窗口計數，超出配額的揭露請求以 PolicyBlocked 拒絕；
// Maximum 級別下只有白名單上的請求方鍵能觸發揭露.
type PolicyEnforcer struct {
	mu         sync.Mutex
	level      PolicyLevel
	requesters map[string]*requester
	allowList  map[string]bool
	audit      *audit.Log
	clock      clockwork.Clock
}

// NewPolicyEnforcer 創建策略執行器.
func NewPolicyEnforcer(level PolicyLevel, auditLog *audit.Log, clock clockwork.Clock) *PolicyEnforcer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PolicyEnforcer{
		level:      level,
		requesters: make(map[string]*requester),
		allowList:  make(map[string]bool),
		audit:      auditLog,
		clock:      clock,
	}
}

// quota 回傳當前級別的窗口配額；無限制時 ok 為 false.
func (p *PolicyEnforcer) quota() (limit int, window time.Duration, ok bool) {
	switch p.level {
	case PolicyBasic:
		return 3, 60 * time.Second, true
	case PolicyEnhanced:
		return 1, 300 * time.Second, true
	default:
		return 0, 0, false
	}
}

// Allow 檢查請求方（以 beacon 雜湊為鍵）是否允許發起揭露請求；
// 拒絕時回傳 PolicyBlocked.
// 允許的請求會計入窗口，拒絕的不計入（避免阻擋狀態自我延長）.
func (p *PolicyEnforcer) Allow(requesterKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.level == PolicyMaximum {
		if !p.allowList[requesterKey] {
			p.blockedLocked(requesterKey, "requester not on allow list")
			return fmt.Errorf("%w: requester %s not on allow list", secerr.ErrPolicyBlocked, requesterKey)
		}
		return nil
	}

	limit, window, ok := p.quota()
	if !ok {
		return nil
	}

	now := p.clock.Now()
	r, exists := p.requesters[requesterKey]

	if !exists || now.After(r.resetTime) {
		p.requesters[requesterKey] = &requester{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(window),
		}
		return nil
	}

	if r.requests >= limit {
		r.lastSeen = now
		p.blockedLocked(requesterKey, "request quota exceeded")
		return fmt.Errorf("%w: requester %s exceeded revelation quota", secerr.ErrPolicyBlocked, requesterKey)
	}

	r.requests++
	r.lastSeen = now
	return nil
}

// blockedLocked 寫入阻擋審計；調用者須持鎖.
func (p *PolicyEnforcer) blockedLocked(requesterKey, reason string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(audit.EventPolicyBlocked, audit.SeverityWarning,
		"identity revelation blocked by anti-tracking policy",
		audit.WithSource(requesterKey),
		audit.WithDetails(map[string]interface{}{
			"level":  p.level.String(),
			"reason": reason,
		}))
}

// SetLevel 切換策略級別；已有的窗口計數保留.
func (p *PolicyEnforcer) SetLevel(level PolicyLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
}

// Level 當前級別.
func (p *PolicyEnforcer) Level() PolicyLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// AllowRequester 把請求方鍵（beacon 雜湊）加入白名單（Maximum 級別生效）.
// 請求方輪換 beacon 後鍵隨之改變，白名單須重新加入.
func (p *PolicyEnforcer) AllowRequester(requesterKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowList[requesterKey] = true
}

// DisallowRequester 移出白名單.
func (p *PolicyEnforcer) DisallowRequester(requesterKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allowList, requesterKey)
}

// Cleanup 清除閒置逾 idleFor 的請求方記錄，回傳清除數量.
func (p *PolicyEnforcer) Cleanup(idleFor time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	removed := 0
	for key, r := range p.requesters {
		if now.Sub(r.lastSeen) > idleFor {
			delete(p.requesters, key)
			removed++
		}
	}
	return removed
}
