//go:build unit

package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_MatchesManualHMAC(t *testing.T) {
	t.Parallel()

	secret := "whsec_test"
	body := []byte(`{"event":"receipt.created"}`)
	ts := int64(1700000000)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, Sign(secret, ts, body))
}

func TestSign_Deterministic(t *testing.T) {
	t.Parallel()

	body := []byte(`{"a":1}`)

	assert.Equal(t, Sign("secret", 42, body), Sign("secret", 42, body))
}

func TestSign_SensitiveToInputs(t *testing.T) {
	t.Parallel()

	body := []byte(`{"a":1}`)
	base := Sign("secret", 42, body)

	assert.NotEqual(t, base, Sign("other", 42, body))
	assert.NotEqual(t, base, Sign("secret", 43, body))
	assert.NotEqual(t, base, Sign("secret", 42, []byte(`{"a":2}`)))
}

func TestSignatureHeader_Format(t *testing.T) {
	t.Parallel()

	header := SignatureHeader(1700000000, "c2lnbmF0dXJl")

	assert.Equal(t, "v1,ts=1700000000,sig=c2lnbmF0dXJl", header)
}
