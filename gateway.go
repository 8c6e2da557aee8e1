package vireo

import (
	"encoding/json"

	"github.com/bwmarrin/discordgo"
)

// GatewayPacket is the opaque inbound packet shape from the chat gateway
// driver (§6). The driver itself — sharding, reconnects, REST calls — is an
// external collaborator; only this wire shape, and the two payload types it
// carries, are part of the core's contract. We reuse discordgo's own
// VoiceState/VoiceServerUpdate wire types for those payloads rather than
// re-declaring the field list, since they already match the documented JSON
// shape byte for byte.
type GatewayPacket struct {
	Type    string          `json:"t"`
	GuildID string          `json:"guild_id"`
	Data    json.RawMessage `json:"d"`
}

const (
	PacketVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	PacketVoiceServerUpdate = "VOICE_SERVER_UPDATE"
)

// VoiceStateUpdate is the state half of the voice handshake (§3, §6):
// session id, channel id, self-deaf/mute. Decoded directly into discordgo's
// own wire type.
type VoiceStateUpdate = discordgo.VoiceState

// VoiceServerUpdate is the server half of the voice handshake (§3, §6):
// endpoint and token. Decoded directly into discordgo's own wire type.
type VoiceServerUpdate = discordgo.VoiceServerUpdate

// VoiceJoinPayload is the outbound op-4 payload sent to the gateway to join,
// move, or leave a voice channel (§6). ChannelID nil means leave.
type VoiceJoinPayload struct {
	Op int           `json:"op"`
	D  VoiceJoinData `json:"d"`
}

type VoiceJoinData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// NewVoiceJoin builds the op-4 payload for joining or moving to channelID.
func NewVoiceJoin(guildID, channelID string, selfMute, selfDeaf bool) VoiceJoinPayload {
	ch := channelID
	return VoiceJoinPayload{Op: 4, D: VoiceJoinData{GuildID: guildID, ChannelID: &ch, SelfMute: selfMute, SelfDeaf: selfDeaf}}
}

// NewVoiceLeave builds the op-4 payload for leaving voice entirely.
func NewVoiceLeave(guildID string) VoiceJoinPayload {
	return VoiceJoinPayload{Op: 4, D: VoiceJoinData{GuildID: guildID, ChannelID: nil}}
}

// GatewaySender is the host-supplied outbound send callback (§6). The
// orchestrator never imports a live gateway session — dependency inversion
// keeps the chat driver external per the Non-goals.
type GatewaySender func(payload VoiceJoinPayload) error
