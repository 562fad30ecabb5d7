// Package token issues encrypted game-server connect tokens. The wire layout
// is fixed by the game client's decoder: little-endian fields, length-prefixed
// strings, and an XChaCha20-Poly1305 sealed private payload whose additional
// data covers the token version, expiry and per-session keys.
package token

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Version is the connect token format version.
const Version uint32 = 1

// ServerAddress points the client at the game server.
type ServerAddress struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// EncryptionKeys are the per-session keys shared with the client.
// encoding/json renders []byte as standard base64.
type EncryptionKeys struct {
	ClientToServer []byte `json:"client_to_server"`
	ServerToClient []byte `json:"server_to_client"`
}

// PlayerData identifies the connecting player inside the private payload.
type PlayerData struct {
	UUID     uuid.UUID
	Nickname string
}

// PrivateToken is the sealed payload only the game server can read.
type PrivateToken struct {
	APIToken string
	APIURL   string
	Player   PlayerData
}

// Token is the client-visible envelope.
type Token struct {
	TokenVersion      uint32         `json:"token_version"`
	TokenNonce        []byte         `json:"token_nonce"`
	CreationTimestamp uint64         `json:"creation_timestamp"`
	ExpireTimestamp   uint64         `json:"expire_timestamp"`
	EncryptionKeys    EncryptionKeys `json:"encryption_keys"`
	GameServer        ServerAddress  `json:"game_server"`
	PrivateTokenData  []byte         `json:"private_token_data"`
}

// Generate seals a connect token under the shared token key.
func Generate(key []byte, duration time.Duration, server ServerAddress, private PrivateToken) (*Token, error) {
	now := uint64(time.Now().Unix())
	expire := now + uint64(duration/time.Second)

	clientToServer := make([]byte, chacha20poly1305.KeySize)
	serverToClient := make([]byte, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	for _, buf := range [][]byte{clientToServer, serverToClient, nonce} {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate token material: %w", err)
		}
	}

	additional := additionalData(expire, clientToServer, serverToClient)
	plaintext := private.encode()
	// The game server's decoder expects 16 zero bytes of padding between the
	// payload and the authentication tag.
	plaintext = append(plaintext, make([]byte, chacha20poly1305.Overhead)...)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, additional)

	return &Token{
		TokenVersion:      Version,
		TokenNonce:        nonce,
		CreationTimestamp: now,
		ExpireTimestamp:   expire,
		EncryptionKeys: EncryptionKeys{
			ClientToServer: clientToServer,
			ServerToClient: serverToClient,
		},
		GameServer:       server,
		PrivateTokenData: sealed,
	}, nil
}

// Open decrypts and decodes a token's private payload. The service only
// generates tokens; opening exists for the game-server side of the protocol
// and for verifying generated tokens end to end.
func Open(key []byte, t *Token) (*PrivateToken, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	additional := additionalData(t.ExpireTimestamp, t.EncryptionKeys.ClientToServer, t.EncryptionKeys.ServerToClient)
	plaintext, err := aead.Open(nil, t.TokenNonce, t.PrivateTokenData, additional)
	if err != nil {
		return nil, fmt.Errorf("open private payload: %w", err)
	}
	return decodePrivate(plaintext)
}

func decodePrivate(b []byte) (*PrivateToken, error) {
	r := bytes.NewReader(b)
	apiToken, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode api token: %w", err)
	}
	apiURL, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode api url: %w", err)
	}
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("decode player uuid: %w", err)
	}
	nickname, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode nickname: %w", err)
	}
	if r.Len() != chacha20poly1305.Overhead {
		return nil, fmt.Errorf("private payload has %d trailing bytes, want %d", r.Len(), chacha20poly1305.Overhead)
	}
	return &PrivateToken{
		APIToken: apiToken,
		APIURL:   apiURL,
		Player: PlayerData{
			// The group swap is its own inverse.
			UUID:     uuid.UUID(uuidLittleEndian(uuid.UUID(raw))),
			Nickname: nickname,
		},
	}, nil
}

func readString(r *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if int(length) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", length, r.Len())
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func additionalData(expire uint64, clientToServer, serverToClient []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, Version)
	binary.Write(buf, binary.LittleEndian, expire)
	buf.Write(clientToServer)
	buf.Write(serverToClient)
	return buf.Bytes()
}

func (p PrivateToken) encode() []byte {
	buf := new(bytes.Buffer)
	writeString(buf, p.APIToken)
	writeString(buf, p.APIURL)
	buf.Write(uuidLittleEndian(p.Player.UUID))
	writeString(buf, p.Player.Nickname)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

// uuidLittleEndian renders the uuid with its first three groups byte-swapped,
// matching the mixed-endian layout the game server decodes.
func uuidLittleEndian(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	return b
}
