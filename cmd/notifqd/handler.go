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

package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/notify"
)

// consoleHandler writes deliveries to the daemon log instead of an external
// service. Useful for trying the pipeline end to end without channel
// credentials.
type consoleHandler struct {
	log log.Logger
}

func (h *consoleHandler) Send(ctx context.Context, p notify.Payload) notify.SendResult {
	start := time.Now()
	h.log.Msg("delivery",
		"title", p.Head().Title,
		"recipient", p.RecipientKey())
	return notify.SendResult{
		Success:    true,
		ExternalID: uuid.New().String(),
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
	}
}

func (h *consoleHandler) IsAvailable() bool { return true }

func (h *consoleHandler) Status() notify.HandlerStatus { return notify.HandlerAvailable }
