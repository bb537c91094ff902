// =============================================================================
// 文件: internal/cookie/sealer.go
// 描述: 状态 Cookie 的认证加密 (HKDF-SHA256 派生密钥 + ChaCha20-Poly1305)
// =============================================================================
package cookie

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	SecretSize = 32
	NonceSize  = chacha20poly1305.NonceSize
	TagSize    = chacha20poly1305.Overhead

	version    byte = 1
	headerSize      = 1 + NonceSize

	keyInfo = "cmtsctp-state-cookie-v1"

	DefaultLifetime = 60 * time.Second
)

var (
	ErrInvalid  = errors.New("cookie 无效")
	ErrStale    = errors.New("cookie 已过期")
	ErrReplayed = errors.New("cookie 重放")
)

// StaleError 过期错误, 携带超出的时长 (用于 Stale Cookie 错误原因)
type StaleError struct {
	Staleness time.Duration
}

func (e *StaleError) Error() string { return ErrStale.Error() }

// Is 允许 errors.Is(err, ErrStale)
func (e *StaleError) Is(target error) bool { return target == ErrStale }

// Sealer 生成并校验状态 Cookie
type Sealer struct {
	aead     cipher.AEAD
	lifetime time.Duration
	rand     io.Reader
	guard    *ReplayGuard
}

// Option Sealer 选项
type Option func(*Sealer)

// WithRand 指定随机源
func WithRand(r io.Reader) Option {
	return func(s *Sealer) { s.rand = r }
}

// WithReplayGuard 启用重放保护
func WithReplayGuard(g *ReplayGuard) Option {
	return func(s *Sealer) { s.guard = g }
}

// NewSealer 从共享密钥派生 AEAD 密钥
func NewSealer(secret []byte, lifetime time.Duration, opts ...Option) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("cookie 密钥为空")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, errors.Wrap(err, "派生 cookie 密钥失败")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "创建 AEAD 失败")
	}
	s := &Sealer{aead: aead, lifetime: lifetime, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSealerFromBase64 从 base64 密钥创建
func NewSealerFromBase64(secret string, lifetime time.Duration, opts ...Option) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, errors.Wrap(err, "cookie 密钥解码失败")
	}
	if len(raw) != SecretSize {
		return nil, errors.Errorf("cookie 密钥长度必须是 %d 字节", SecretSize)
	}
	return NewSealer(raw, lifetime, opts...)
}

// Lifetime cookie 有效期
func (s *Sealer) Lifetime() time.Duration { return s.lifetime }

// Seal 填充有效期后加密; 输出: Version(1) + Nonce(12) + Ciphertext + Tag(16)
func (s *Sealer) Seal(st *State) ([]byte, error) {
	if st.Lifetime == 0 {
		st.Lifetime = s.lifetime
	}
	plain, err := encodeState(st)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plain)+TagSize)
	out[0] = version
	if _, err := io.ReadFull(s.rand, out[1:headerSize]); err != nil {
		return nil, errors.Wrap(err, "生成 nonce 失败")
	}
	return s.aead.Seal(out, out[1:headerSize], plain, out[:1]), nil
}

// Open 解密并校验有效期与重放
//
// 过期时同时返回解出的状态, 调用方据此向对端回送 stale-cookie 错误。
func (s *Sealer) Open(data []byte, now time.Time) (*State, error) {
	if len(data) < headerSize+TagSize || data[0] != version {
		return nil, ErrInvalid
	}
	nonce := data[1:headerSize]
	plain, err := s.aead.Open(nil, nonce, data[headerSize:], data[:1])
	if err != nil {
		return nil, ErrInvalid
	}
	st, err := decodeState(plain)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	if expired, by := st.Expired(now); expired {
		return st, &StaleError{Staleness: by}
	}
	if s.guard != nil && !s.guard.CheckAndAdd(nonce, now) {
		return nil, ErrReplayed
	}
	return st, nil
}

// GenerateSecret 生成新的 base64 密钥
func GenerateSecret() (string, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(secret), nil
}
