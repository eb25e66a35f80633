package beacon

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/trust"
	"proximity-gateway/internal/transport"
)

type engineEnv struct {
	clock  *clockwork.FakeClock
	certs  *certificate.Manager
	engine *Engine
	hub    *transport.Hub
}

func newEngineEnv(t *testing.T, deviceID string, hub *transport.Hub) *engineEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	auditLog := audit.NewLog(1000, audit.SeverityInfo, clock)
	trustMgr := trust.NewManager(auditLog)
	certMgr := certificate.NewManager(certificate.Options{
		Trust: trustMgr,
		Audit: auditLog,
		Clock: clock,
	})
	if _, err := certMgr.Issue(context.Background(), deviceID); err != nil {
		t.Fatal(err)
	}

	if hub == nil {
		hub = transport.NewHub()
	}
	engine := NewEngine(EngineOptions{
		DeviceID:         deviceID,
		Transport:        hub.Endpoint(deviceID),
		Authority:        certMgr,
		Audit:            auditLog,
		Clock:            clock,
		RotationInterval: 5 * time.Minute,
		SecretRetention:  time.Hour,
	})
	return &engineEnv{clock: clock, certs: certMgr, engine: engine, hub: hub}
}

func TestRotationProducesUnlinkableBeacons(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)

	b1, err := env.engine.RotateBeacon(nil)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := env.engine.RotateBeacon(nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(b1.ID) != IdentifierLength || len(b1.Commitment) != CommitmentLength {
		t.Fatalf("beacon dimensions: id=%d commitment=%d", len(b1.ID), len(b1.Commitment))
	}
	// 不同秘密導出的識別碼不可相同
	if bytes.Equal(b1.ID, b2.ID) {
		t.Error("consecutive beacons must not share identifiers")
	}
	if bytes.Equal(b1.Commitment, b2.Commitment) {
		t.Error("consecutive beacons must not share commitments")
	}

	// 兩個 beacon 的秘密都還在保留期內
	if env.engine.SecretFor(b1.ID) == nil {
		t.Error("previous beacon secret should still be held")
	}
	if env.engine.SecretFor(b2.ID) == nil {
		t.Error("current beacon secret should be held")
	}
}

func TestBeaconExpiry(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)

	b, _ := env.engine.RotateBeacon(nil)
	now := env.clock.Now()

	if b.IsExpired(now) {
		t.Error("fresh beacon should not be expired")
	}
	if b.IsExpired(now.Add(5 * time.Minute)) {
		t.Error("beacon at exactly the rotation interval is still valid")
	}
	if !b.IsExpired(now.Add(5*time.Minute + time.Second)) {
		t.Error("beacon past the rotation interval should be expired")
	}
}

func TestSecretBinding(t *testing.T) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}

	b := NewFromSecret(secret, time.Unix(1700000000, 0), 5*time.Minute)

	if !VerifySecretBinding(secret, b) {
		t.Fatal("secret should bind to its own beacon")
	}

	other := make([]byte, SecretLength)
	rand.Read(other)
	if VerifySecretBinding(other, b) {
		t.Error("unrelated secret must not bind")
	}
	if VerifySecretBinding(secret[:16], b) {
		t.Error("truncated secret must not bind")
	}
}

func TestChallengeResponse(t *testing.T) {
	secret := make([]byte, SecretLength)
	rand.Read(secret)
	challenge := []byte("challenge-nonce")

	resp := ChallengeResponse(secret, challenge)
	if !VerifyChallengeResponse(secret, challenge, resp) {
		t.Fatal("challenge response should verify")
	}
	if VerifyChallengeResponse(secret, []byte("other challenge"), resp) {
		t.Error("response is challenge specific")
	}
}

func TestSecretRetention(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)

	b, _ := env.engine.RotateBeacon(nil)

	// 保留期內可回查
	env.clock.Advance(30 * time.Minute)
	if env.engine.SecretFor(b.ID) == nil {
		t.Fatal("secret should survive within retention")
	}

	// 逾保留期即不可回查，清理移除之
	env.clock.Advance(31 * time.Minute)
	if env.engine.SecretFor(b.ID) != nil {
		t.Error("secret past retention should not be returned")
	}
	if removed := env.engine.CleanupSecrets(); removed != 1 {
		t.Errorf("CleanupSecrets = %d, want 1", removed)
	}
	if env.engine.SecretCount() != 0 {
		t.Error("store should be empty after cleanup")
	}
}

func TestRotationPurgesStaleSecrets(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)

	old, _ := env.engine.RotateBeacon(nil)

	// 逾保留期後輪換：舊秘密就地清除，不需要另跑清理掃描
	env.clock.Advance(61 * time.Minute)
	if _, err := env.engine.RotateBeacon(nil); err != nil {
		t.Fatal(err)
	}

	if env.engine.SecretCount() != 1 {
		t.Errorf("SecretCount = %d, want 1", env.engine.SecretCount())
	}
	if env.engine.SecretFor(old.ID) != nil {
		t.Error("stale secret should be gone after rotation")
	}
}

func TestRevealAndVerifyIdentity(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)

	b, _ := env.engine.RotateBeacon(nil)
	nonce := []byte("verifier-nonce")

	rev, err := env.engine.RevealIdentity(b.ID, nonce)
	if err != nil {
		t.Fatalf("RevealIdentity failed: %v", err)
	}
	if rev.DeviceID != "device-a" {
		t.Errorf("revealed device = %s", rev.DeviceID)
	}

	if err := env.engine.VerifyIdentityRevelation(rev, b.ID); err != nil {
		t.Fatalf("valid revelation rejected: %v", err)
	}

	// 綁定錯誤的 beacon
	other, _ := env.engine.RotateBeacon(nil)
	if err := env.engine.VerifyIdentityRevelation(rev, other.ID); err == nil {
		t.Error("revelation bound to a different beacon should fail")
	}

	// 竄改證明
	tampered := *rev
	tampered.Proof = append([]byte(nil), rev.Proof...)
	tampered.Proof[0] ^= 0x01
	if err := env.engine.VerifyIdentityRevelation(&tampered, b.ID); err == nil {
		t.Error("tampered proof should fail")
	}

	// 未持有的 beacon 不可揭露
	unknown := make([]byte, IdentifierLength)
	rand.Read(unknown)
	if _, err := env.engine.RevealIdentity(unknown, nonce); err == nil {
		t.Error("revealing an unheld beacon should fail")
	}
}

func TestDetectBeaconsAcrossHub(t *testing.T) {
	hub := transport.NewHub()
	sender := newEngineEnv(t, "device-a", hub)
	receiver := newEngineEnv(t, "device-b", hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sender.engine.StartBeaconing(ctx, map[string]string{"role": "lock"}); err != nil {
		t.Fatal(err)
	}
	defer sender.engine.StopBeaconing()

	detections, err := receiver.engine.DetectBeacons(ctx)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case det := <-detections:
		current := sender.engine.CurrentBeacon()
		if !bytes.Equal(det.Beacon.ID, current.ID) {
			t.Error("detected beacon should match the advertised one")
		}
		if det.Beacon.Capabilities["role"] != "lock" {
			t.Error("capabilities should survive the wire")
		}
		if det.EstimatedDistance == nil {
			t.Error("loopback detections should carry a distance estimate")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a detection")
	}
}

func TestAdvertiseCarriesDecoys(t *testing.T) {
	hub := transport.NewHub()
	sender := newEngineEnv(t, "device-a", hub)
	receiver := newEngineEnv(t, "device-b", hub)

	// 每次廣播夾帶兩個誘餌
	sender.engine.SetDecoySource(func() ([]*AnonymousBeacon, error) {
		decoys := make([]*AnonymousBeacon, 0, 2)
		for i := 0; i < 2; i++ {
			secret := make([]byte, SecretLength)
			rand.Read(secret)
			decoys = append(decoys, NewFromSecret(secret, sender.clock.Now(), 0))
		}
		return decoys, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sender.engine.StartBeaconing(ctx, nil); err != nil {
		t.Fatal(err)
	}
	defer sender.engine.StopBeaconing()

	detections, err := receiver.engine.DetectBeacons(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// 真 beacon 與誘餌都被偵測到，且形狀不可區分
	current := sender.engine.CurrentBeacon()
	seen := 0
	matchedReal := false
	for seen < 3 {
		select {
		case det := <-detections:
			seen++
			if len(det.Beacon.ID) != IdentifierLength || len(det.Beacon.Commitment) != CommitmentLength {
				t.Fatal("decoys must be indistinguishable from real beacons")
			}
			if bytes.Equal(det.Beacon.ID, current.ID) {
				matchedReal = true
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d detections, want 3", seen)
		}
	}
	if !matchedReal {
		t.Error("the real beacon should be among the detections")
	}
}

func TestStartStopBeaconingIdempotent(t *testing.T) {
	env := newEngineEnv(t, "device-a", nil)
	ctx := context.Background()

	if err := env.engine.StartBeaconing(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.StartBeaconing(ctx, nil); err != nil {
		t.Fatalf("second StartBeaconing should be a no-op: %v", err)
	}

	env.engine.StopBeaconing()
	env.engine.StopBeaconing() // 冪等
}
