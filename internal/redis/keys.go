package redis

import "fmt"

const ns = "fieldbook:v1"

func KeyAvailability(fieldID int64, date string) string {
	return fmt.Sprintf("%s:avail:%d:%s", ns, fieldID, date)
}

func KeyFacilitySlots(facilityID int64, date string) string {
	return fmt.Sprintf("%s:facility:%d:slots:%s", ns, facilityID, date)
}

func KeyField(fieldID int64) string {
	return fmt.Sprintf("%s:field:%d", ns, fieldID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeyIdemReservation(idemKey string) string {
	return fmt.Sprintf("%s:idem:reservations:%s", ns, idemKey)
}

func ChannelAvailabilityChanged() string {
	return ns + ":availability:changed"
}
