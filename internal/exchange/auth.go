package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Credentials 私有端点的 API 凭证。
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Empty 凭证是否为空（空凭证只能访问公共端点）。
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == ""
}

// CanonicalQuery 对查询/请求参数做确定性规范化：按 key 升序，
// k=v 用 & 连接。规范化结果本身会被签名，因此顺序必须稳定。
func CanonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// tokenPayload bearer token 的声明部分。
type tokenPayload struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	Timestamp    int64  `json:"timestamp"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
}

// BuildBearerToken 构建私有端点的 bearer token（手工拼装的 HS256 JWT）：
// header.payload.signature 三段 base64url，签名为 HMAC-SHA256。
// canonical 非空时附带其 SHA512 摘要（query_hash）。
func BuildBearerToken(creds Credentials, canonical string) (string, error) {
	if creds.Empty() {
		return "", errors.New("exchange: credentials not configured")
	}

	payload := tokenPayload{
		AccessKey: creds.AccessKey,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
	if canonical != "" {
		sum := sha512.Sum512([]byte(canonical))
		payload.QueryHash = hex.EncodeToString(sum[:])
		payload.QueryHashAlg = "SHA512"
	}

	headerJSON := []byte(`{"alg":"HS256","typ":"JWT"}`)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal token payload")
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(signingInput))
	signature := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + signature, nil
}
