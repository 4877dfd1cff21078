package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"mediagate/internal/core/domain"
)

// HMACForMediaDeviceID scopes a raw hardware device id to a security
// origin. The salt comes from the resource context so that ids differ
// per profile; requesters never see the raw id.
func HMACForMediaDeviceID(rc *domain.ResourceContext, securityOrigin, rawDeviceID string) string {
	var salt string
	if rc != nil {
		salt = rc.DeviceIDSalt
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(securityOrigin))
	mac.Write([]byte(rawDeviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// MediaDeviceIDMatchesHMAC reports whether sourceID is the origin-scoped
// form of rawDeviceID under the given resource context and origin.
func MediaDeviceIDMatchesHMAC(rc *domain.ResourceContext, securityOrigin, sourceID, rawDeviceID string) bool {
	expected := HMACForMediaDeviceID(rc, securityOrigin, rawDeviceID)
	return hmac.Equal([]byte(expected), []byte(sourceID))
}
