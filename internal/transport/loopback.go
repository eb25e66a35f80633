package transport

import (
	"context"
	"fmt"
	"sync"

	"proximity-gateway/internal/security/secerr"
)

// Hub 行程內迴路集線器，將多個端點連成一個模擬的近距離環境.
// 供測試與單機模擬使用：廣播會被其他所有端點的掃描者看到，
// Send 直達對端的接收通道.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*LoopbackTransport
}

// NewHub 創建迴路集線器.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*LoopbackTransport)}
}

// Endpoint 在集線器上註冊一個端點.
func (h *Hub) Endpoint(peerID string) *LoopbackTransport {
	ep := &LoopbackTransport{
		hub:    h,
		peerID: peerID,
		inbox:  make(chan Inbound, 64),
	}

	h.mu.Lock()
	h.endpoints[peerID] = ep
	h.mu.Unlock()
	return ep
}

// LoopbackTransport 集線器上的單一端點.
type LoopbackTransport struct {
	hub    *Hub
	peerID string

	mu          sync.Mutex
	inbox       chan Inbound
	scanners    []chan Detection
	advertising bool
	payload     []byte
	closed      bool
}

// Send 直接投遞到對端的接收通道；peerID 為空時投遞給所有其他端點.
func (t *LoopbackTransport) Send(ctx context.Context, peerID string, data []byte) error {
	if peerID == "" {
		t.hub.mu.RLock()
		peers := make([]*LoopbackTransport, 0, len(t.hub.endpoints))
		for id, ep := range t.hub.endpoints {
			if id != t.peerID {
				peers = append(peers, ep)
			}
		}
		t.hub.mu.RUnlock()

		msg := Inbound{PeerID: t.peerID, Data: append([]byte(nil), data...)}
		for _, peer := range peers {
			select {
			case peer.inbox <- msg:
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", secerr.ErrTransportFailure, ctx.Err())
			}
		}
		return nil
	}

	t.hub.mu.RLock()
	peer, ok := t.hub.endpoints[peerID]
	t.hub.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: unknown peer %s", secerr.ErrTransportFailure, peerID)
	}

	msg := Inbound{PeerID: t.peerID, Data: append([]byte(nil), data...)}
	select {
	case peer.inbox <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", secerr.ErrTransportFailure, ctx.Err())
	}
}

// Receive 回傳接收通道.
func (t *LoopbackTransport) Receive(ctx context.Context) (<-chan Inbound, error) {
	out := make(chan Inbound)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-t.inbox:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Advertise 開始（或替換）廣播負載，並立即推送給當前所有掃描者.
func (t *LoopbackTransport) Advertise(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	t.advertising = true
	t.payload = append([]byte(nil), payload...)
	t.mu.Unlock()

	t.hub.broadcast(t.peerID, payload)
	return nil
}

// StopAdvertising 停止廣播；冪等.
func (t *LoopbackTransport) StopAdvertising() {
	t.mu.Lock()
	t.advertising = false
	t.payload = nil
	t.mu.Unlock()
}

// broadcast 將負載推給除來源外所有端點的掃描者.
func (h *Hub) broadcast(fromPeer string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ep := range h.endpoints {
		if id == fromPeer {
			continue
		}
		ep.deliverDetection(Detection{
			Payload:        append([]byte(nil), payload...),
			SignalStrength: -40, // 迴路環境固定視為近距離
		})
	}
}

// deliverDetection 投遞偵測到該端點的所有掃描通道（非阻塞，滿了就丟）.
func (t *LoopbackTransport) deliverDetection(d Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.scanners {
		select {
		case ch <- d:
		default:
		}
	}
}

// Scan 回傳偵測通道；先重播當前所有其他端點的廣播，之後接收新廣播.
func (t *LoopbackTransport) Scan(ctx context.Context) (<-chan Detection, error) {
	ch := make(chan Detection, 64)

	t.mu.Lock()
	t.scanners = append(t.scanners, ch)
	t.mu.Unlock()

	// 重播既有廣播，模擬掃描器一開就能看到周圍的持續廣播
	t.hub.mu.RLock()
	for id, ep := range t.hub.endpoints {
		if id == t.peerID {
			continue
		}
		ep.mu.Lock()
		if ep.advertising && ep.payload != nil {
			select {
			case ch <- Detection{Payload: append([]byte(nil), ep.payload...), SignalStrength: -40}:
			default:
			}
		}
		ep.mu.Unlock()
	}
	t.hub.mu.RUnlock()

	out := make(chan Detection)
	go func() {
		defer close(out)
		defer t.removeScanner(ch)
		for {
			select {
			case d := <-ch:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// removeScanner 移除掃描通道.
func (t *LoopbackTransport) removeScanner(ch chan Detection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.scanners {
		if c == ch {
			t.scanners = append(t.scanners[:i], t.scanners[i+1:]...)
			return
		}
	}
}

// Close 註銷端點.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.mu.Lock()
	delete(t.hub.endpoints, t.peerID)
	t.hub.mu.Unlock()
	return nil
}
