// Package pgp extracts the creation timestamp from a detached OpenPGP
// signature, used to derive a deterministic verification clock for
// Arch Linux's pacman keyring checks.
package pgp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// SignatureCreationTime parses a detached signature given as binary OpenPGP
// packets and returns the creation time of the first signature packet
// encountered. ASCII-armored input is not decoded and fails to parse.
func SignatureCreationTime(sig []byte) (time.Time, error) {
	r := packet.NewReader(bytes.NewReader(sig))

	for {
		p, err := r.Next()
		if err == packet.EOF {
			return time.Time{}, fmt.Errorf("no signature packet found")
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse signature packet: %w", err)
		}

		switch sigPkt := p.(type) {
		case *packet.Signature:
			if sigPkt.CreationTime.IsZero() {
				return time.Time{}, fmt.Errorf("signature packet has no creation time")
			}
			return sigPkt.CreationTime, nil
		case *packet.SignatureV3:
			return sigPkt.CreationTime, nil
		}
	}
}

// FindMaxSignatureTime returns one second after the latest creation time
// across sigs, the deterministic clock every signature must be valid
// under. Every signature must parse successfully.
func FindMaxSignatureTime(sigs [][]byte) (time.Time, error) {
	if len(sigs) == 0 {
		return time.Time{}, fmt.Errorf("no signatures provided")
	}

	var max time.Time
	for i, sig := range sigs {
		t, err := SignatureCreationTime(sig)
		if err != nil {
			return time.Time{}, fmt.Errorf("signature %d: %w", i, err)
		}
		if t.After(max) {
			max = t
		}
	}
	return max.Add(time.Second), nil
}
