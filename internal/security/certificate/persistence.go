package certificate

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CertificateDocument MongoDB 中存儲的憑證文檔.
// 簽章覆蓋的欄位以規範化位元組另存，保證 verify 重算出簽章時的原始位元組.
type CertificateDocument struct {
	DeviceID      string    `bson:"device_id"`
	SerialNumber  string    `bson:"serial_number"`
	PublicKey     []byte    `bson:"public_key"`
	Issuer        string    `bson:"issuer"`
	Subject       string    `bson:"subject"`
	ValidFrom     time.Time `bson:"valid_from"`
	ValidUntil    time.Time `bson:"valid_until"`
	Signature     []byte    `bson:"signature"`
	KeyUsage      []string  `bson:"key_usage"`
	CanonicalBody []byte    `bson:"canonical_body"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// RevocationDocument MongoDB 中存儲的撤銷文檔.
type RevocationDocument struct {
	RevocationID    string    `bson:"revocation_id"`
	CertificateID   string    `bson:"certificate_id"`
	DeviceID        string    `bson:"device_id"`
	RevokedAt       time.Time `bson:"revoked_at"`
	Reason          string    `bson:"reason"`
	RevokedByDevice string    `bson:"revoked_by_device"`
	Status          string    `bson:"status"`
}

// Store 憑證持久化存儲.
// 記憶體中的管理器狀態是權威來源，MongoDB 只是耐久副本，啟動時載入.
type Store struct {
	certs       *mongo.Collection
	revocations *mongo.Collection
}

// NewStore 創建憑證存儲.
func NewStore(db *mongo.Database) *Store {
	certs := db.Collection("device_certificates")
	revocations := db.Collection("certificate_revocations")

	ctx := context.Background()

	// device_id 唯一索引（每裝置恰好一張當前憑證）
	_, _ = certs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}) // #nosec G104 -- index creation errors are not critical, DB will still work

	// valid_until 索引（用於清理過期憑證）
	_, _ = certs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "valid_until", Value: 1}},
	}) // #nosec G104 -- index creation errors are not critical

	// certificate_id 唯一索引
	_, _ = revocations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "certificate_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}) // #nosec G104 -- index creation errors are not critical

	return &Store{
		certs:       certs,
		revocations: revocations,
	}
}

// toDocument 轉換憑證為存儲文檔.
func toDocument(cert *DeviceCertificate) *CertificateDocument {
	usage := make([]string, len(cert.KeyUsage))
	for i, u := range cert.KeyUsage {
		usage[i] = string(u)
	}
	return &CertificateDocument{
		DeviceID:      cert.DeviceID,
		SerialNumber:  cert.SerialNumber,
		PublicKey:     cert.PublicKey,
		Issuer:        cert.Issuer,
		Subject:       cert.Subject,
		ValidFrom:     cert.ValidFrom,
		ValidUntil:    cert.ValidUntil,
		Signature:     cert.Signature,
		KeyUsage:      usage,
		CanonicalBody: cert.CanonicalBody(),
		UpdatedAt:     time.Now(),
	}
}

// fromDocument 還原存儲文檔為憑證.
func fromDocument(doc *CertificateDocument) *DeviceCertificate {
	usage := make([]KeyUsage, len(doc.KeyUsage))
	for i, u := range doc.KeyUsage {
		usage[i] = KeyUsage(u)
	}
	return &DeviceCertificate{
		DeviceID:     doc.DeviceID,
		PublicKey:    doc.PublicKey,
		Issuer:       doc.Issuer,
		Subject:      doc.Subject,
		ValidFrom:    doc.ValidFrom,
		ValidUntil:   doc.ValidUntil,
		Signature:    doc.Signature,
		SerialNumber: doc.SerialNumber,
		KeyUsage:     usage,
	}
}

// SaveCertificate 保存憑證（ReplaceOne with upsert，重試下冪等）.
func (s *Store) SaveCertificate(ctx context.Context, cert *DeviceCertificate) error {
	filter := bson.M{"device_id": cert.DeviceID}
	opts := options.Replace().SetUpsert(true)

	_, err := s.certs.ReplaceOne(ctx, filter, toDocument(cert), opts)
	if err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}

// GetCertificate 讀取裝置憑證；不存在時回傳 nil.
func (s *Store) GetCertificate(ctx context.Context, deviceID string) (*DeviceCertificate, error) {
	var doc CertificateDocument
	err := s.certs.FindOne(ctx, bson.M{"device_id": deviceID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return fromDocument(&doc), nil
}

// AllCertificates 讀取所有憑證（啟動時載入）.
func (s *Store) AllCertificates(ctx context.Context) ([]*DeviceCertificate, error) {
	cursor, err := s.certs.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*CertificateDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode certificates: %w", err)
	}

	out := make([]*DeviceCertificate, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(doc)
	}
	return out, nil
}

// DeleteCertificate 刪除裝置憑證.
func (s *Store) DeleteCertificate(ctx context.Context, deviceID string) error {
	_, err := s.certs.DeleteOne(ctx, bson.M{"device_id": deviceID})
	if err != nil {
		return fmt.Errorf("failed to delete certificate: %w", err)
	}
	return nil
}

// DeleteExpiredCertificates 刪除 valid_until 已過的憑證，回傳刪除數.
func (s *Store) DeleteExpiredCertificates(ctx context.Context) (int64, error) {
	filter := bson.M{"valid_until": bson.M{"$lt": time.Now()}}
	result, err := s.certs.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired certificates: %w", err)
	}
	return result.DeletedCount, nil
}

// SaveRevocation 保存撤銷記錄.
func (s *Store) SaveRevocation(ctx context.Context, rev *Revocation) error {
	doc := &RevocationDocument{
		RevocationID:    rev.ID,
		CertificateID:   rev.CertificateID,
		DeviceID:        rev.DeviceID,
		RevokedAt:       rev.RevokedAt,
		Reason:          rev.Reason,
		RevokedByDevice: rev.RevokedByDevice,
		Status:          string(rev.Status),
	}

	filter := bson.M{"certificate_id": rev.CertificateID}
	opts := options.Replace().SetUpsert(true)

	_, err := s.revocations.ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to save revocation: %w", err)
	}
	return nil
}

// AllRevocations 讀取所有撤銷記錄（啟動時載入）.
func (s *Store) AllRevocations(ctx context.Context) ([]*Revocation, error) {
	cursor, err := s.revocations.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list revocations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*RevocationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode revocations: %w", err)
	}

	out := make([]*Revocation, len(docs))
	for i, doc := range docs {
		out[i] = &Revocation{
			ID:              doc.RevocationID,
			CertificateID:   doc.CertificateID,
			DeviceID:        doc.DeviceID,
			RevokedAt:       doc.RevokedAt,
			Reason:          doc.Reason,
			RevokedByDevice: doc.RevokedByDevice,
			Status:          DistributionStatus(doc.Status),
		}
	}
	return out, nil
}
