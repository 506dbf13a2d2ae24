package wsconn

import (
	"encoding/json"
	"strings"
)

// Message is an application message received from an identified client.
type Message struct {
	Controller string          `json:"controller"`
	Action     string          `json:"action"`
	Plugin     string          `json:"plugin,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Namespace returns the handler namespace of the message: the controller,
// prefixed by the plugin when one is set.
func (m Message) Namespace() string {
	if m.Plugin == "" {
		return m.Controller
	}
	return m.Plugin + "." + m.Controller
}

func (m Message) valid() bool {
	return strings.TrimSpace(m.Controller) != "" && strings.TrimSpace(m.Action) != ""
}

// Envelope is the outbound application message.
type Envelope struct {
	Controller string `json:"controller"`
	Action     string `json:"action"`
	Payload    any    `json:"payload"`
}

// initMessage is the first message of a client: the sealed identity token.
type initMessage struct {
	InitialPayload *string `json:"initialPayload"`
}
