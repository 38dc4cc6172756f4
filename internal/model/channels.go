package model

// DispatcherChannel is the shared channel used for registration and
// leader-election announcements (spec §6).
func DispatcherChannel(prefix string) string {
	return prefix + "dispatcher"
}

// IncomerChannel is an incomer's private channel for approvement, ping,
// and fan-out payloads (spec §6).
func IncomerChannel(prefix, providedUUID string) string {
	return prefix + providedUUID
}
