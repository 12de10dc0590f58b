package rtms

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature signs the gateway handshake: hex(HMAC-SHA256(secret, "clientID,meetingUUID,streamID")).
func Signature(clientID, meetingUUID, streamID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + "," + meetingUUID + "," + streamID))
	return hex.EncodeToString(mac.Sum(nil))
}
