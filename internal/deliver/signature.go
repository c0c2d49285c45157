package deliver

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"

	"github.com/relayhub/relay/internal/model"
)

// signatureHeader computes the X-Hub-Signature value for a delivery:
// "<algo>=<lowercase hex HMAC(secret, body)>".
func signatureHeader(algo string, secret, body []byte) (string, error) {
	ctor, err := model.NewHashFunc(algo)
	if err != nil {
		return "", err
	}
	mac := hmac.New(ctor, secret)
	mac.Write(body)
	return fmt.Sprintf("%s=%s", algo, hex.EncodeToString(mac.Sum(nil))), nil
}
