package transport

import "context"

// Inbound 一筆從對端收到的位元組訊息.
type Inbound struct {
	PeerID string
	Data   []byte
}

// Detection 掃描到的一筆廣播負載.
type Detection struct {
	Payload        []byte
	SignalStrength float64 // dBm，模擬環境下為估計值
}

// Transport 近距離傳輸的協作者介面.
// 核心不定義鏈路層（BLE、mDNS 等）；只要求抽象的廣播/掃描與點對點收發.
// 所有阻塞操作都接受 context 並須在取消時立即停止.
type Transport interface {
	// Send 向指定對端發送位元組；peerID 為空時廣播給所有對端
	// （用於對匿名 beacon 持有者發話，對方尚無可定址身份）.
	Send(ctx context.Context, peerID string, data []byte) error

	// Receive 回傳長期存在的接收通道；ctx 取消後通道關閉.
	Receive(ctx context.Context) (<-chan Inbound, error)

	// Advertise 開始廣播負載；重複呼叫以替換當前負載，冪等.
	Advertise(ctx context.Context, payload []byte) error

	// StopAdvertising 停止廣播；未在廣播時為空操作.
	StopAdvertising()

	// Scan 回傳長期存在的偵測通道；同一對端在其 beacon 輪換前可能
	// 被重複回報，呼叫方須容忍亂序與重複. ctx 取消後通道關閉.
	Scan(ctx context.Context) (<-chan Detection, error)

	// Close 釋放底層資源.
	Close() error
}
