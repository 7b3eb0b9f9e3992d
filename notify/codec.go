/*
Notifq - multi-channel notification delivery queue.
Copyright © 2023-2024 Max Mazurov <fox.cpp@disroot.org>, Notifq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package notify

import (
	"encoding/json"

	"github.com/foxcpp/notifq/framework/exterrors"
)

// payloadEnvelope tags the serialized payload with its channel so the
// concrete type can be picked on decode. Used by persistent storage
// backends.
type payloadEnvelope struct {
	Channel Channel         `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalPayload serializes p together with its channel tag.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, exterrors.Validation("nil payload")
	}
	inner, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Channel: p.Channel(), Payload: inner})
}

// UnmarshalPayload decodes a blob produced by MarshalPayload back into
// the concrete payload type for its channel.
func UnmarshalPayload(blob []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, err
	}

	var p Payload
	switch env.Channel {
	case ChannelEmail:
		p = &Email{}
	case ChannelTelegram:
		p = &Telegram{}
	case ChannelDiscord:
		p = &Discord{}
	case ChannelPush:
		p = &Push{}
	case ChannelSMS:
		p = &SMS{}
	default:
		return nil, exterrors.Validation("unknown payload channel: %s", env.Channel)
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}
