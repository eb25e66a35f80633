package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"proximity-gateway/internal/platform/logger"
	"proximity-gateway/internal/security/secerr"
)

// envelope UDP 線上格式.
// kind=adv 為廣播負載、kind=msg 為點對點訊息.
type envelope struct {
	Kind   string `json:"kind"`
	PeerID string `json:"peer_id"`
	Target string `json:"target,omitempty"`
	Data   []byte `json:"data"`
}

// UDPTransport 基於 UDP 廣播的區域網近距離傳輸.
// advertise 以固定間隔重播當前負載來模擬持續廣播；scan 監聽同一端口.
type UDPTransport struct {
	peerID        string
	port          int
	broadcastAddr string
	interval      time.Duration
	bufferLen     int

	conn *net.UDPConn

	mu          sync.Mutex
	advertising bool
	payload     []byte
	advCancel   context.CancelFunc

	scanners  []chan Detection
	inbox     chan Inbound
	closeOnce sync.Once
	done      chan struct{}
}

// UDPOptions UDP 傳輸配置.
type UDPOptions struct {
	PeerID        string
	Port          int
	BroadcastAddr string
	Interval      time.Duration // 廣播重播間隔，預設 1 秒
	BufferLen     int           // 接收與掃描通道緩衝，預設 64
}

// NewUDPTransport 創建 UDP 傳輸並開始監聽.
func NewUDPTransport(opts UDPOptions) (*UDPTransport, error) {
	if opts.Port == 0 {
		opts.Port = 47200
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = "255.255.255.255"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BufferLen <= 0 {
		opts.BufferLen = 64
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: opts.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to bind UDP port %d: %v", secerr.ErrTransportFailure, opts.Port, err)
	}

	t := &UDPTransport{
		peerID:        opts.PeerID,
		port:          opts.Port,
		broadcastAddr: opts.BroadcastAddr,
		interval:      opts.Interval,
		bufferLen:     opts.BufferLen,
		conn:          conn,
		inbox:         make(chan Inbound, opts.BufferLen),
		done:          make(chan struct{}),
	}

	go t.listen()
	return t, nil
}

// listen 讀取迴圈：廣播負載送給掃描者、點對點訊息送入接收通道.
func (t *UDPTransport) listen() {
	buffer := make([]byte, 4096)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		// 設置讀取超時避免永久阻塞
		_ = t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.done:
				return
			default:
				logger.LogWarnf("UDP 讀取失敗: %v", err)
				continue
			}
		}

		var env envelope
		if err := json.Unmarshal(buffer[:n], &env); err != nil {
			continue
		}
		// 忽略自己的廣播
		if env.PeerID == t.peerID {
			continue
		}

		switch env.Kind {
		case "adv":
			t.mu.Lock()
			for _, ch := range t.scanners {
				select {
				case ch <- Detection{Payload: env.Data, SignalStrength: -55}:
				default:
				}
			}
			t.mu.Unlock()
		case "msg":
			if env.Target != "" && env.Target != t.peerID {
				continue
			}
			select {
			case t.inbox <- Inbound{PeerID: env.PeerID, Data: env.Data}:
			default:
			}
		}
	}
}

// write 將信封寫到廣播地址.
func (t *UDPTransport) write(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", secerr.ErrTransportFailure, err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP(t.broadcastAddr), Port: t.port}
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return fmt.Errorf("%w: dial broadcast: %v", secerr.ErrTransportFailure, err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", secerr.ErrTransportFailure, err)
	}
	return nil
}

// Send 點對點發送（區域網內以廣播承載，接收端按 Target 過濾）.
func (t *UDPTransport) Send(ctx context.Context, peerID string, data []byte) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", secerr.ErrTransportFailure, ctx.Err())
	default:
	}
	return t.write(envelope{Kind: "msg", PeerID: t.peerID, Target: peerID, Data: data})
}

// Receive 回傳接收通道.
func (t *UDPTransport) Receive(ctx context.Context) (<-chan Inbound, error) {
	out := make(chan Inbound)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-t.inbox:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}()
	return out, nil
}

// Advertise 開始以固定間隔重播負載；重複呼叫替換負載，冪等.
func (t *UDPTransport) Advertise(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	t.payload = append([]byte(nil), payload...)
	if t.advertising {
		t.mu.Unlock()
		return nil
	}
	t.advertising = true
	advCtx, cancel := context.WithCancel(ctx)
	t.advCancel = cancel
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			t.mu.Lock()
			payload := t.payload
			t.mu.Unlock()

			if err := t.write(envelope{Kind: "adv", PeerID: t.peerID, Data: payload}); err != nil {
				logger.LogWarnf("廣播發送失敗: %v", err)
			}

			select {
			case <-ticker.C:
			case <-advCtx.Done():
				return
			case <-t.done:
				return
			}
		}
	}()
	return nil
}

// StopAdvertising 停止廣播；冪等.
func (t *UDPTransport) StopAdvertising() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.advertising {
		return
	}
	t.advertising = false
	t.payload = nil
	if t.advCancel != nil {
		t.advCancel()
		t.advCancel = nil
	}
}

// Scan 回傳偵測通道；ctx 取消後通道關閉.
func (t *UDPTransport) Scan(ctx context.Context) (<-chan Detection, error) {
	ch := make(chan Detection, t.bufferLen)
	t.mu.Lock()
	t.scanners = append(t.scanners, ch)
	t.mu.Unlock()

	out := make(chan Detection)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			for i, c := range t.scanners {
				if c == ch {
					t.scanners = append(t.scanners[:i], t.scanners[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
		}()
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
			case <-t.done:
				return
			}
		}
	}()
	return out, nil
}

// Close 停止監聽並釋放資源.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.StopAdvertising()
		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}
