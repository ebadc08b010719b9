// services/tracking/internal/utils/imei.go
package utils

// ValidIMEI reports whether s is a well-formed 15-digit IMEI with a
// correct Luhn check digit.
func ValidIMEI(s string) bool {
	if len(s) != 15 {
		return false
	}

	sum := 0
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		// Double every second digit from the left (14-digit body + check).
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// UsableJoinKey reports whether a roster entry carries an IMEI usable
// for telemetry correlation: non-empty is required, a valid checksum is
// not, since some fleet units report vendor-assigned pseudo IMEIs.
func UsableJoinKey(imei string) bool {
	return imei != ""
}
