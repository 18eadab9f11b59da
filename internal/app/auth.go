package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dkeye/presence/internal/domain"
)

// TokenVerifier checks the credentials presented on join. An empty secret
// accepts any token; an empty app id accepts any app id.
type TokenVerifier struct {
	AppID  string
	Secret []byte
}

// Sign returns the token granting access to channel for the configured app.
func (v TokenVerifier) Sign(channel domain.ChannelID) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(v.AppID + ":" + string(channel)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v TokenVerifier) Verify(channel domain.ChannelID, creds domain.Credentials) error {
	if v.AppID != "" && creds.AppID != v.AppID {
		return fmt.Errorf("%w: unknown app id", domain.ErrAuth)
	}
	if len(v.Secret) == 0 {
		return nil
	}
	got, err := hex.DecodeString(creds.Token)
	if err != nil {
		return fmt.Errorf("%w: malformed token", domain.ErrAuth)
	}
	want, _ := hex.DecodeString(v.Sign(channel))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("%w: token rejected for channel %s", domain.ErrAuth, channel)
	}
	return nil
}
