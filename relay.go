package main

import (
	"encoding/base64"

	"github.com/finnbear/moderation"
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"

	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/security"
)

// compressThreshold is the payload size in bytes above which a relayed game
// message is snappy-compressed before fan-out.
const compressThreshold = 1024

// handleGameMessage forwards an opaque application message to every other
// member of the sender's session.
func (c *Coordinator) handleGameMessage(client *Client, data jsoniter.RawMessage) {
	var payload GameMessagePayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventGameMessage, err)
		return
	}
	player, ok := c.sessions.Player(client.id)
	if !ok || player.SessionID == "" {
		return
	}

	relayed := RelayedGameMessagePayload{
		FromClient:  client.id,
		MessageType: payload.Type,
		Data:        payload.Data,
	}
	//1.- Large payloads travel snappy-compressed as a base64 JSON string.
	if len(payload.Data) > compressThreshold {
		packed := snappy.Encode(nil, payload.Data)
		encoded, err := wireJSON.Marshal(base64.StdEncoding.EncodeToString(packed))
		if err == nil {
			relayed.Data = encoded
			relayed.Compressed = true
		}
	}
	raw, err := EncodeEvent(EventGameMessage, relayed)
	if err != nil {
		c.logger.Error("encode relayed game message failed", logging.Error(err))
		return
	}
	c.fanOut(client.id, player.SessionID, raw)
}

// handlePlayerUpdate relays periodic state sync to session peers and feeds the
// anti-cheat monitor with the derived telemetry.
func (c *Coordinator) handlePlayerUpdate(client *Client, data jsoniter.RawMessage) {
	var payload PlayerUpdatePayload
	if err := wireJSON.Unmarshal(data, &payload); err != nil {
		c.logPayloadError(client, EventPlayerUpdate, err)
		return
	}
	if payload.Username != "" {
		payload.Username = censorUsername(payload.Username)
		c.sessions.SetUsername(client.id, payload.Username)
	}

	if banned := c.evaluateTelemetry(client, payload.Position); banned {
		return
	}

	player, ok := c.sessions.Player(client.id)
	if !ok || player.SessionID == "" {
		return
	}
	raw, err := EncodeEvent(EventPlayerUpdate, RelayedPlayerUpdatePayload{
		PlayerID:            client.playerID,
		PlayerUpdatePayload: payload,
	})
	if err != nil {
		c.logger.Error("encode relayed player update failed", logging.Error(err))
		return
	}
	c.fanOut(client.id, player.SessionID, raw)
}

// evaluateTelemetry derives speed and cadence from successive positions and
// reports whether the sender is now banned.
func (c *Coordinator) evaluateTelemetry(client *Client, position []float32) bool {
	if len(position) < 3 {
		return c.monitor.IsBanned(client.playerID)
	}
	now := c.clock()
	current := security.Vec3{X: position[0], Y: position[1], Z: position[2]}
	sample := security.Telemetry{Position: current}
	if client.hasPosition {
		sample.PreviousPosition = client.lastPosition
		sample.HasPrevious = true
		interval := now.Sub(client.lastUpdateAt).Seconds()
		sample.UpdateInterval = interval
		sample.HasInterval = true
		if interval > 0 {
			sample.Speed = current.Distance(client.lastPosition) / float32(interval)
		}
	}
	client.lastPosition = current
	client.hasPosition = true
	client.lastUpdateAt = now

	c.monitor.Evaluate(client.playerID, sample)
	return c.monitor.IsBanned(client.playerID)
}

// fanOut delivers a frame to every session member except the sender. Members
// without a live connection are stale and skipped.
func (c *Coordinator) fanOut(senderID, sessionID string, raw []byte) {
	members := c.sessions.Members(sessionID)
	c.mu.Lock()
	peers := make([]*Client, 0, len(members))
	for _, member := range members {
		if member == senderID {
			continue
		}
		if peer, ok := c.clients[member]; ok {
			peers = append(peers, peer)
		}
	}
	c.mu.Unlock()
	for _, peer := range peers {
		c.deliver(peer, raw)
	}
}

// censorUsername scans a display name and masks inappropriate content.
func censorUsername(name string) string {
	if moderation.Scan(name).Is(moderation.Inappropriate) {
		censored, _ := moderation.Censor(name, moderation.Inappropriate)
		return censored
	}
	return name
}

// DecodeRelayedData reverses the relay compression applied by fan-out. Kept
// alongside the encoder; server-side tooling and tests use it.
func DecodeRelayedData(relayed RelayedGameMessagePayload) ([]byte, error) {
	if !relayed.Compressed {
		return relayed.Data, nil
	}
	var encoded string
	if err := wireJSON.Unmarshal(relayed.Data, &encoded); err != nil {
		return nil, err
	}
	packed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, packed)
}
