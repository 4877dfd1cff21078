package services

import (
	"fmt"
	"strconv"
	"strings"
)

// tabCaptureScheme prefixes composite device ids that encode a tab
// capture target. The scheme is internal to the coordinator and is
// stripped before ids are handed to observers.
const tabCaptureScheme = "tab-media-stream://"

// AppendTabCaptureScheme turns a "<process>:<view>" target spec into a
// composite tab capture device id.
func AppendTabCaptureScheme(deviceID string) string {
	if strings.HasPrefix(deviceID, tabCaptureScheme) {
		return deviceID
	}
	return tabCaptureScheme + deviceID
}

// StripTabCaptureScheme removes the tab capture scheme, if present.
func StripTabCaptureScheme(deviceID string) string {
	return strings.TrimPrefix(deviceID, tabCaptureScheme)
}

// ExtractTabCaptureTarget parses the render process and view ids out of
// a composite tab capture device id.
func ExtractTabCaptureTarget(deviceID string) (renderProcessID, renderViewID int, ok bool) {
	spec := StripTabCaptureScheme(deviceID)
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil || pid < 0 {
		return 0, 0, false
	}
	vid, err := strconv.Atoi(parts[1])
	if err != nil || vid < 0 {
		return 0, 0, false
	}
	return pid, vid, true
}

// TabCaptureTargetID builds the "<process>:<view>" spec for a capture
// target.
func TabCaptureTargetID(renderProcessID, renderViewID int) string {
	return fmt.Sprintf("%d:%d", renderProcessID, renderViewID)
}
