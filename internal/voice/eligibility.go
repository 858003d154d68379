package voice

// Eligible reports whether a voice state counts toward voice time. A user
// parked in the AFK channel never counts. With countIdle set, self-deafen
// and self-mute no longer stop the clock.
func Eligible(channelID, afkChannelID string, selfDeaf, selfMute, countIdle bool) bool {
	if channelID == "" {
		return false
	}
	if afkChannelID != "" && channelID == afkChannelID {
		return false
	}
	if countIdle {
		return true
	}
	return !selfDeaf && !selfMute
}
