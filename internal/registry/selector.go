package registry

// offRegionPenalty is added to a candidate's score when it sits outside the
// player's preferred region. Latency still wins when the gap is large enough.
const offRegionPenalty = 100

// SelectBestServer picks the lowest-scoring candidate for the player, where
// score is the advertised ping plus a flat penalty for off-region servers.
// Candidates with the wrong game mode, at capacity, or below the population
// floor are excluded. The boolean is false when nothing qualifies, which is a
// normal matchmaking outcome rather than an error.
func SelectBestServer(candidates []ServerRecord, playerRegion, gameMode string, minPlayers int) (ServerRecord, bool) {
	var best ServerRecord
	bestScore := 0
	found := false
	for _, candidate := range candidates {
		//1.- Hard exclusions first: mode mismatch, full, or too empty.
		if gameMode != "" && candidate.GameMode != gameMode {
			continue
		}
		if candidate.CurrentPlayers >= candidate.MaxPlayers {
			continue
		}
		if candidate.CurrentPlayers < minPlayers {
			continue
		}
		//2.- Score the survivor; strict less-than keeps the first-seen winner on ties.
		score := candidate.Ping
		if playerRegion != "" && candidate.Region != playerRegion {
			score += offRegionPenalty
		}
		if !found || score < bestScore {
			best = candidate
			bestScore = score
			found = true
		}
	}
	return best, found
}
