package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "DocFlow-Chain/internal/errors"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

// encodedJWTHeader 是编码后的 JWT 头部。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// DefaultTTL 是访问令牌的默认有效期。
const DefaultTTL = 15 * time.Minute

const (
	CodeTokenInvalid  xerrors.Code = "TOKEN_INVALID"
	CodeTokenNotReady xerrors.Code = "TOKEN_NOT_READY"
)

var (
	// ErrInvalidToken 表示签名校验失败或令牌已过期。
	ErrInvalidToken = xerrors.New(CodeTokenInvalid, "invalid or expired token")
	// ErrNotReady 表示会话尚未到达可发放令牌的终态。这是一个
	// 调用方可感知的信号，不是硬错误。
	ErrNotReady = xerrors.New(CodeTokenNotReady, "session not ready for token issuance", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeTokenInvalid, xerrors.Attributes{
		Message:   "invalid or expired token",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTokenNotReady, xerrors.Attributes{
		Message:   "session not ready for token issuance",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// Claims 是访问令牌携带的声明。令牌自包含，验证无需回查会话，
// 但解析底层资源时 storage_path 缺失的旧令牌仍可回退会话存储。
type Claims struct {
	DocumentHash string `json:"document_hash"`
	StoragePath  string `json:"storage_path,omitempty"`
	RecordID     string `json:"record_id,omitempty"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	AccessType   string `json:"access_type"`
	AccessHash   string `json:"access_hash"`
	DocumentID   string `json:"document_id"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// Issuer 负责访问令牌的签发与验证，签名使用对称共享密钥。
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer 创建 Issuer。密钥为空时返回配置错误。
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置令牌签名密钥")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// TTL 返回配置的令牌有效期。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Mint 签发一个新的访问令牌，exp = iat + TTL。
func (i *Issuer) Mint(claims Claims) (string, int64, error) {
	now := time.Now().Unix()
	claims.IssuedAt = now
	claims.ExpiresAt = now + int64(i.ttl.Seconds())

	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", 0, fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := i.signature(encodedJWTHeader, payload)
	token := strings.Join([]string{encodedJWTHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, ".")
	return token, claims.ExpiresAt, nil
}

// Verify 校验令牌签名与有效期并返回声明。
func (i *Issuer) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := i.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// signature 计算令牌的 HMAC-SHA256 签名部分。
func (i *Issuer) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
