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

// Package notify contains the vocabulary shared by all parts of the
// pipeline: channels, payloads, queue items, lifecycle events, the channel
// handler contract and the storage interface.
//
// Interfaces are placed here to prevent circular dependencies. Concrete
// implementations live in internal/ subpackages, the public entry point is
// the root notifq package.
package notify

// Channel identifies the transport a notification is delivered over. The
// channel determines the payload shape and which handler is invoked.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
)

// Channels lists all known channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelTelegram, ChannelDiscord, ChannelPush, ChannelSMS}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelTelegram, ChannelDiscord, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

func (c Channel) String() string {
	return string(c)
}
