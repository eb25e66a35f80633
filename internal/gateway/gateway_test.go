package gateway

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/platform/config"
	"proximity-gateway/internal/security/beacon"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/trust"
	"proximity-gateway/internal/transport"
)

func testConfig(deviceID string) *config.Config {
	cfg := &config.Config{}
	cfg.App.Name = "proximity-gateway-test"
	cfg.App.DeviceID = deviceID

	cfg.Security.Certificate.ValidityDays = 365
	cfg.Security.Certificate.RenewalThresholdDays = 7
	cfg.Security.Certificate.SweepIntervalSeconds = 3600

	cfg.Security.Session.HardExpiryHours = 24
	cfg.Security.Session.RotationMinutes = 60
	cfg.Security.Session.SweepIntervalSeconds = 300

	cfg.Security.AntiTracking.Level = "none"
	cfg.Security.AntiTracking.BeaconRotationSeconds = 300
	cfg.Security.AntiTracking.RequestTTLSeconds = 300
	cfg.Security.AntiTracking.SecretRetentionMinutes = 60

	cfg.Security.Audit.MinSeverity = "info"
	cfg.Security.Audit.MaxEntries = 1000
	cfg.Security.Audit.RetentionHours = 168
	cfg.Security.Audit.RotationMinutes = 60
	return cfg
}

func startGateway(t *testing.T, deviceID string, hub *transport.Hub, clock clockwork.Clock) *Gateway {
	t.Helper()

	gw, err := New(Options{
		Config:    testConfig(deviceID),
		Transport: hub.Endpoint(deviceID),
		Clock:     clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Shutdown)
	return gw
}

// waitFor 輪詢條件直到成立或逾時.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// detect 等待掃描到對方的 beacon.
func detect(t *testing.T, gw *Gateway) *beacon.Detection {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detections, err := gw.Beacons().DetectBeacons(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case det := <-detections:
		return det
	case <-time.After(3 * time.Second):
		t.Fatal("no beacon detected")
		return nil
	}
}

func TestEndToEndDiscoveryToSession(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()

	gwA := startGateway(t, "node-a", hub, clock)
	gwB := startGateway(t, "node-b", hub, clock)

	ctx := context.Background()

	// B 偵測到 A 的匿名 beacon 並要求揭露身份
	detA := detect(t, gwB)
	if err := gwB.RequestPeerIdentity(ctx, detA); err != nil {
		t.Fatalf("RequestPeerIdentity failed: %v", err)
	}
	waitFor(t, "B to learn A's identity", func() bool {
		return gwB.Trust().TrustLevel("node-a") == trust.LevelPending
	})

	// 反向：A 也認證 B（密鑰交換的信任閘門要求雙向）
	detB := detect(t, gwA)
	if err := gwA.RequestPeerIdentity(ctx, detB); err != nil {
		t.Fatalf("reverse RequestPeerIdentity failed: %v", err)
	}
	waitFor(t, "A to learn B's identity", func() bool {
		return gwA.Trust().TrustLevel("node-b") == trust.LevelPending
	})

	// 揭露後雙方都持有對方憑證
	if _, err := gwB.Certificates().Certificate("node-a"); err != nil {
		t.Fatalf("B should hold A's certificate: %v", err)
	}
	if _, err := gwA.Certificates().Certificate("node-b"); err != nil {
		t.Fatalf("A should hold B's certificate: %v", err)
	}

	// 建立前向保密會話
	if err := gwB.EstablishSession(ctx, "node-a"); err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}
	waitFor(t, "both sides to hold a session", func() bool {
		_, errA := gwA.Sessions().GetSessionKey("node-b")
		_, errB := gwB.Sessions().GetSessionKey("node-a")
		return errA == nil && errB == nil
	})

	sessA, _ := gwA.Sessions().GetSessionKey("node-b")
	sessB, _ := gwB.Sessions().GetSessionKey("node-a")
	if !bytes.Equal(sessA.EncryptionKey, sessB.EncryptionKey) {
		t.Error("the two sides derived different session keys")
	}
}

func TestUnknownPeerCannotEstablishSession(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()

	gwA := startGateway(t, "node-a", hub, clock)

	// 未經身份揭露的對端被信任閘門拒絕
	if err := gwA.EstablishSession(context.Background(), "node-b"); err == nil {
		t.Fatal("session with an unknown peer should be refused")
	}
}

func TestRevocationPropagatesToPeers(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()

	gwA := startGateway(t, "node-a", hub, clock)
	gwB := startGateway(t, "node-b", hub, clock)

	ctx := context.Background()

	// 雙向揭露後建立會話
	detA := detect(t, gwB)
	if err := gwB.RequestPeerIdentity(ctx, detA); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B to learn A's identity", func() bool {
		return gwB.Trust().TrustLevel("node-a") == trust.LevelPending
	})
	detB := detect(t, gwA)
	if err := gwA.RequestPeerIdentity(ctx, detB); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "A to learn B's identity", func() bool {
		return gwA.Trust().TrustLevel("node-b") == trust.LevelPending
	})
	if err := gwB.EstablishSession(ctx, "node-a"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B to hold a session with A", func() bool {
		return gwB.Sessions().HasActiveSession("node-a")
	})

	// A 撤銷自己的憑證；撤銷記錄經傳輸層廣播給在場對端
	if _, err := gwA.Certificates().Revoke(ctx, "node-a", "key compromise", "node-a"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	waitFor(t, "B to adopt the revocation", func() bool {
		return gwB.Trust().TrustLevel("node-a") == trust.LevelRevoked
	})
	waitFor(t, "B to drop the session with A", func() bool {
		return !gwB.Sessions().HasActiveSession("node-a")
	})
	if _, err := gwB.Certificates().Certificate("node-a"); err == nil {
		t.Error("B should no longer hold A's certificate")
	}
}

func TestLocalCertificateRenewalBacksOff(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()

	cfg := testConfig("node-a")
	cfg.Security.Certificate.RenewalMaxAttempts = 3
	cfg.Security.Certificate.RenewalRetrySeconds = 30

	gw, err := New(Options{
		Config:    cfg,
		Transport: hub.Endpoint("node-a"),
		Clock:     clock,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := gw.Certificates().Issue(ctx, "node-a"); err != nil {
		t.Fatal(err)
	}
	attempts := func() []*certificate.RenewalAttempt {
		return gw.Certificates().RenewalHistory("node-a")
	}

	// 本機尚未受信任，每次續期都失敗並按配置退避
	gw.renewLocalCertificate(ctx)
	waitFor(t, "the first renewal attempt", func() bool { return len(attempts()) == 1 })

	// 流程進行中重複觸發是空操作
	gw.renewLocalCertificate(ctx)

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitFor(t, "the second renewal attempt", func() bool { return len(attempts()) == 2 })

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitFor(t, "renewal to give up at the attempt cap", func() bool { return len(attempts()) == 3 })
	for _, a := range attempts() {
		if a.Success {
			t.Fatal("renewal must not succeed while the device is untrusted")
		}
	}
	waitFor(t, "the renewal flow to finish", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return !gw.renewing
	})

	// 放棄後可重新觸發；受信任後續期成功
	if err := gw.Trust().SetTrust("node-a", trust.LevelTrusted); err != nil {
		t.Fatal(err)
	}
	gw.renewLocalCertificate(ctx)
	waitFor(t, "renewal to succeed once trusted", func() bool {
		hist := attempts()
		return len(hist) == 4 && hist[len(hist)-1].Success
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()

	gw := startGateway(t, "node-a", hub, clock)
	gw.Shutdown()
	gw.Shutdown() // 冪等

	// 關閉後丟棄進行中的請求狀態
	if gw.Revelation().PendingCount() != 0 {
		t.Error("pending requests should be dropped on shutdown")
	}
}
