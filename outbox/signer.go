package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Webhook signature headers. Receivers verify the HMAC over
// "{timestamp}.{body}" and should reject stale timestamps.
const (
	HeaderSignature          = "X-Loyalty-Signature"
	HeaderMerchantID         = "X-Merchant-Id"
	HeaderSignatureTimestamp = "X-Signature-Timestamp"
	HeaderEventID            = "X-Event-Id"
	HeaderSignatureKeyID     = "X-Signature-Key-Id"
)

const signatureVersion = "v1"

// Sign computes the base64 HMAC-SHA256 signature over "{unixTs}.{body}".
func Sign(secret string, unixTs int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))

	fmt.Fprintf(mac, "%d.", unixTs)
	mac.Write(body)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the versioned signature header value,
// "v1,ts=<unixTs>,sig=<base64 hmac>".
func SignatureHeader(unixTs int64, signature string) string {
	return fmt.Sprintf("%s,ts=%d,sig=%s", signatureVersion, unixTs, signature)
}
