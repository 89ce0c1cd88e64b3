package fleetagent

import "strings"

// parseBatteryLevel extracts the battery percentage from `dumpsys battery`
// output, returning "" when it cannot be found.
func parseBatteryLevel(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "level:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "level:"))
	}
	return ""
}
