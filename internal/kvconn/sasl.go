// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvconn

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// Mechanism is a SASL mechanism name as advertised by SASL_LIST_MECHS.
type Mechanism string

const (
	MechanismPlain      Mechanism = "PLAIN"
	MechanismScramSHA1  Mechanism = "SCRAM-SHA1"
)

// Authenticate runs SASL authentication using mechanism: PLAIN over TLS,
// SCRAM-SHA-1 otherwise.
func (c *Connection) Authenticate(ctx context.Context, mech Mechanism, username, password string) error {
	switch mech {
	case MechanismPlain:
		return c.authPlain(ctx, username, password)
	case MechanismScramSHA1:
		return c.authScramSHA1(ctx, username, password)
	default:
		return fmt.Errorf("kvconn: unsupported SASL mechanism %q", mech)
	}
}

func (c *Connection) authPlain(ctx context.Context, username, password string) error {
	msg := fmt.Sprintf("\x00%s\x00%s", username, password)
	pkt, err := c.Send(ctx, Op{Opcode: wireproto.OpSaslAuth, Key: []byte(MechanismPlain), Value: []byte(msg)})
	if err != nil {
		return fmt.Errorf("kvconn: SASL PLAIN: %w", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		return fmt.Errorf("kvconn: SASL PLAIN rejected: status %v", pkt.Header.Status())
	}
	return nil
}

// authScramSHA1 implements the RFC 5802 SCRAM-SHA-1 client exchange over
// the SASL_AUTH/SASL_STEP opcodes. The PBKDF2 key derivation uses
// golang.org/x/crypto/pbkdf2, not a hand-rolled stdlib loop.
func (c *Connection) authScramSHA1(ctx context.Context, username, password string) error {
	clientNonce, err := randomNonce()
	if err != nil {
		return fmt.Errorf("kvconn: SCRAM nonce: %w", err)
	}
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", scramEscape(username), clientNonce)
	clientFirst := "n,," + clientFirstBare

	pkt, err := c.Send(ctx, Op{Opcode: wireproto.OpSaslAuth, Key: []byte(MechanismScramSHA1), Value: []byte(clientFirst)})
	if err != nil {
		return fmt.Errorf("kvconn: SCRAM-SHA1 first message: %w", err)
	}
	status := pkt.Header.Status()
	serverFirst := string(pkt.Value)
	pkt.Release()
	if status != wireproto.StatusAuthContinue {
		return fmt.Errorf("kvconn: SCRAM-SHA1 expected auth-continue, got status %v", status)
	}

	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return fmt.Errorf("kvconn: SCRAM-SHA1 server-first: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("kvconn: SCRAM-SHA1 server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha1.Size, sha1.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha1.Sum(clientKey)

	clientFinalWithoutProof := fmt.Sprintf("c=biws,r=%s", serverNonce)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSum(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := fmt.Sprintf("%s,p=%s", clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof))

	pkt, err = c.Send(ctx, Op{Opcode: wireproto.OpSaslStep, Key: []byte(MechanismScramSHA1), Value: []byte(clientFinal)})
	if err != nil {
		return fmt.Errorf("kvconn: SCRAM-SHA1 final message: %w", err)
	}
	defer pkt.Release()
	if pkt.Header.Status() != wireproto.StatusSuccess {
		return fmt.Errorf("kvconn: SCRAM-SHA1 rejected: status %v", pkt.Header.Status())
	}

	serverKey := hmacSum(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSum(serverKey, []byte(authMessage))
	wantV := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	if strings.TrimSpace(string(pkt.Value)) != wantV {
		return fmt.Errorf("kvconn: SCRAM-SHA1 server signature mismatch")
	}
	return nil
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func scramEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// parseServerFirst parses "r=<nonce>,s=<base64 salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		switch part[0] {
		case 'r':
			nonce = part[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("bad salt: %w", err)
			}
		case 'i':
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("bad iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations <= 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first message %q", msg)
	}
	return nonce, salt, iterations, nil
}
