/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package handshake

import (
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Signer wraps envelopes in a compact HS256 JWS so a port only accepts
// frames from a party holding the shared key.
type Signer struct {
	key    []byte
	signer jose.Signer
}

// NewSigner creates a Signer for a shared key
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is empty")
	}
	s, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &Signer{key: key, signer: s}, nil
}

// Sign returns the compact serialization of payload
func (s *Signer) Sign(payload []byte) (string, error) {
	obj, err := s.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign envelope: %w", err)
	}
	return obj.CompactSerialize()
}

// Verify checks a compact JWS and returns its payload
func (s *Signer) Verify(compact string) ([]byte, error) {
	obj, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	payload, err := obj.Verify(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return payload, nil
}
