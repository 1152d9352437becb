// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"time"

	"github.com/dtn7/quist/pkg/storage"
)

// Status describes the JSON response for /api/v1/status.
type Status struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
	Uptime      string `json:"uptime"`
	Sessions    int    `json:"sessions"`
	Transfers   int    `json:"transfers"`
}

// SessionInfo describes one live session within the /api/v1/sessions response.
type SessionInfo struct {
	Peer     string `json:"peer"`
	State    string `json:"state"`
	Channels int    `json:"channels"`
}

// TransferInfo describes one journaled transfer within the /api/v1/transfers
// response.
type TransferInfo struct {
	Id          string    `json:"id"`
	Direction   string    `json:"direction"`
	Peer        string    `json:"peer"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Transferred uint64    `json:"transferred"`
	Checksum    string    `json:"checksum"`
	State       string    `json:"state"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Error       string    `json:"error"`
}

// TransfersResponse describes the JSON response for /api/v1/transfers.
type TransfersResponse struct {
	Error     string         `json:"error"`
	Transfers []TransferInfo `json:"transfers"`
}

// ProgressEvent describes a JSON message pushed to /api/v1/ws clients while
// a transfer is running.
type ProgressEvent struct {
	TransferId string `json:"transfer_id"`
	Peer       string `json:"peer"`
	Direction  string `json:"direction"`
	Bytes      uint64 `json:"bytes"`
	Total      int64  `json:"total"`
	State      string `json:"state"`
}

// newTransferInfo maps a journaled Item to its JSON representation.
func newTransferInfo(item storage.Item) TransferInfo {
	return TransferInfo{
		Id:          item.Id,
		Direction:   item.Direction,
		Peer:        item.Peer,
		Filename:    item.Filename,
		Size:        item.Size,
		Transferred: item.Transferred,
		Checksum:    item.Checksum,
		State:       item.State,
		Started:     item.Started,
		Finished:    item.Finished,
		Error:       item.Error,
	}
}
