// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// Announcement of some node's listener.
type Announcement struct {
	// Name of the announcing node, free-form.
	Name string

	// Port the node's QUIC listener is bound to.
	Port uint

	// Fingerprint is the hex SHA-256 of the node's certificate. Multicast is
	// unauthenticated; this field identifies, it does not authenticate.
	Fingerprint string
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement: an array of
// the three fields followed by a CRC-16/CCITT over their encoded bytes.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	var fields bytes.Buffer
	if err := cboring.WriteTextString(announcement.Name, &fields); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), &fields); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Fingerprint, &fields); err != nil {
		return err
	}

	if _, err := w.Write(fields.Bytes()); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(crc16.Checksum(fields.Bytes(), crcTable)), w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation,
// verifying the checksum.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	var fields bytes.Buffer
	tee := io.TeeReader(r, &fields)

	if name, err := cboring.ReadTextString(tee); err != nil {
		return err
	} else {
		announcement.Name = name
	}
	if n, err := cboring.ReadUInt(tee); err != nil {
		return err
	} else {
		announcement.Port = uint(n)
	}
	if fingerprint, err := cboring.ReadTextString(tee); err != nil {
		return err
	} else {
		announcement.Fingerprint = fingerprint
	}

	if checksum, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if expected := uint64(crc16.Checksum(fields.Bytes(), crcTable)); checksum != expected {
		return fmt.Errorf("announcement checksum mismatch: %#04x instead of %#04x", checksum, expected)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%d,%s)", announcement.Name, announcement.Port, announcement.Fingerprint)
}
