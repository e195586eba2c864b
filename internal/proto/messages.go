// Package proto defines the wire messages exchanged between cloudnode peers
// and clients, and the length-prefixed framing used to carry one already-
// reassembled logical message.
//
// The wire format is a single flat JSON object per message, tagged by a
// "type" field naming the variant (spec.md §6: "tag name, field names,
// field order irrelevant, numbers decimal, byte strings base64" — which is
// exactly what encoding/json already does for []byte fields).
package proto

import "encoding/json"

// NodeID is a small integer, unique per peer, fixed at startup.
type NodeID uint32

// Type names one Message variant. Kept as a distinct type instead of bare
// string so router dispatch reads as a closed switch.
type Type string

const (
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"

	TypeEncryptionRequest  Type = "encryption_request"
	TypeEncryptionResponse Type = "encryption_response"

	// Decryption never touches load or the coordinator: any node that
	// receives one runs it locally.
	TypeDecryptionRequest  Type = "decryption_request"
	TypeDecryptionResponse Type = "decryption_response"

	TypeElection     Type = "election"
	TypeElectionOk   Type = "election_ok"
	TypeCoordinator  Type = "coordinator"

	// Surrounding, non-core (internal/directory) variants.
	TypeSessionRegister         Type = "session_register"
	TypeSessionRegisterAck      Type = "session_register_ack"
	TypeCheckUsername           Type = "check_username"
	TypeCheckUsernameAck        Type = "check_username_ack"
	TypeSendImage               Type = "send_image"
	TypeSendImageAck            Type = "send_image_ack"
	TypeListImages              Type = "list_images"
	TypeListImagesAck           Type = "list_images_ack"
	TypeViewImageRequest        Type = "view_image_request"
	TypeViewImageResponse       Type = "view_image_response"
)

// ReceivedImageInfo describes one stored image in a ListImagesAck reply.
type ReceivedImageInfo struct {
	ImageID         string `json:"image_id"`
	FromUsername    string `json:"from_username"`
	RemainingViews  int    `json:"remaining_views"`
	TimestampUnixMS int64  `json:"timestamp_unix_ms"`
}

// Message is every field any wire variant can carry, flattened into one
// struct and tagged by Type. Only the fields relevant to Type are
// populated; the rest take their zero value and are omitted on the wire.
type Message struct {
	Type Type `json:"type"`

	// Heartbeat / HeartbeatAck / Election / ElectionOk / Coordinator
	From           NodeID  `json:"from,omitempty"`
	Load           float64 `json:"load,omitempty"`
	ProcessedCount uint64  `json:"processed_count,omitempty"`

	// EncryptionRequest / EncryptionResponse / DecryptionRequest /
	// DecryptionResponse. ImageBytes carries the plaintext image on the way
	// in for encryption and on the way back out for decryption; Quota
	// carries the requested quota in and the quota remaining after a
	// successful decryption out.
	RequestID              string   `json:"request_id,omitempty"`
	ClientUsername         string   `json:"client_username,omitempty"`
	ImageBytes             []byte   `json:"image_bytes,omitempty"`
	AuthorizedUsernames    []string `json:"authorized_usernames,omitempty"`
	Quota                  int      `json:"quota,omitempty"`
	Forwarded              bool     `json:"forwarded,omitempty"`
	OriginalClientEndpoint string   `json:"original_client_endpoint,omitempty"`
	EncryptedBytes         []byte   `json:"encrypted_bytes,omitempty"`
	Success                bool     `json:"success,omitempty"`
	Error                  string   `json:"error,omitempty"`

	// Directory (surrounding, non-core)
	Username       string              `json:"username,omitempty"`
	ToUsernames    []string            `json:"to_usernames,omitempty"`
	ImageID        string              `json:"image_id,omitempty"`
	MaxViews       int                 `json:"max_views,omitempty"`
	IsAvailable    bool                `json:"is_available,omitempty"`
	Images         []ReceivedImageInfo `json:"images,omitempty"`
	RemainingViews int                 `json:"remaining_views,omitempty"`
}

// Encode serializes a Message to its wire JSON form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire JSON form back into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
