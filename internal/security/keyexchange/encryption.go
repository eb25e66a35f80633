package keyexchange

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"proximity-gateway/internal/security/secerr"
)

// Seal 以會話加密密鑰做 AES-256-GCM 加密.
// 輸出格式：nonce(12) ∥ ciphertext；會話 ID 作為附加認證資料綁定，
// 密文無法搬移到另一個會話下解密.
func Seal(session *SessionKey, plaintext []byte) ([]byte, error) {
	if session == nil || len(session.EncryptionKey) != 32 {
		return nil, fmt.Errorf("%w: invalid session key", secerr.ErrCryptoFailure)
	}

	block, err := aes.NewCipher(session.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", secerr.ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM init: %v", secerr.ErrCryptoFailure, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", secerr.ErrCryptoFailure, err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(session.SessionID))
	return append(nonce, ciphertext...), nil
}

// Open 解密 Seal 的輸出；認證失敗或格式錯誤回傳 CryptoFailure.
func Open(session *SessionKey, sealed []byte) ([]byte, error) {
	if session == nil || len(session.EncryptionKey) != 32 {
		return nil, fmt.Errorf("%w: invalid session key", secerr.ErrCryptoFailure)
	}

	block, err := aes.NewCipher(session.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", secerr.ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM init: %v", secerr.ErrCryptoFailure, err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed message too short", secerr.ErrCryptoFailure)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(session.SessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %v", secerr.ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// ConfirmationTag 密鑰確認標籤：HMAC-SHA256 以會話 MAC 密鑰計算.
// 交換完成後兩端互換標籤，確認雙方導出了相同的密鑰材料.
func ConfirmationTag(session *SessionKey, role string) []byte {
	mac := hmac.New(sha256.New, session.MACKey)
	mac.Write([]byte("key-confirmation"))
	mac.Write([]byte(role))
	mac.Write([]byte(session.LocalDevice))
	mac.Write([]byte(session.PeerDevice))
	return mac.Sum(nil)
}

// VerifyConfirmationTag 驗證對端的確認標籤.
// 對端計算標籤時 local 與 peer 對調，這裡以對端視角重算後常數時間比較.
func VerifyConfirmationTag(session *SessionKey, role string, tag []byte) bool {
	mac := hmac.New(sha256.New, session.MACKey)
	mac.Write([]byte("key-confirmation"))
	mac.Write([]byte(role))
	mac.Write([]byte(session.PeerDevice))
	mac.Write([]byte(session.LocalDevice))
	return hmac.Equal(mac.Sum(nil), tag)
}
