package services

import "mediagate/internal/core/domain"

// enumerationCache holds the last successful device enumeration for one
// media kind. valid is true only while the cached list reflects a
// non-empty enumeration result; it is cleared when monitoring stops so
// stale snapshots are never used for id translation.
type enumerationCache struct {
	valid   bool
	devices []domain.StreamDeviceInfo
}

func (c *enumerationCache) clear() {
	c.valid = false
}

// sameDevices compares a fresh enumeration against the cache by
// underlying hardware identity.
func (c *enumerationCache) sameDevices(devices []domain.StreamDeviceInfo) bool {
	if !c.valid || len(devices) != len(c.devices) {
		return false
	}
	for i := range devices {
		if !devices[i].IsEqual(c.devices[i]) {
			return false
		}
	}
	return true
}

func (c *enumerationCache) update(devices []domain.StreamDeviceInfo) {
	c.devices = append([]domain.StreamDeviceInfo(nil), devices...)
	// An empty result is deliberately not cached as valid so that a
	// transient enumeration failure heals itself on the next request.
	c.valid = len(devices) > 0
}
