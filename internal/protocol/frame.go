package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Outer frame types. Every UDP datagram is exactly one JSON frame.
const (
	FrameSessionInit = "SESSION_INIT"
	FrameSecureMsg   = "SECURE_MSG"
	FrameServerError = "SERVER_ERROR"
)

const (
	// MaxFrameSize is the hard cap for one outbound datagram.
	MaxFrameSize = 60 * 1024
	// NonceHexLen is the wire length of a hex-encoded 12-byte nonce.
	NonceHexLen = 24
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds datagram cap")
	ErrMalformed     = errors.New("malformed frame")
)

// HandshakeRequest is the client's half of the SESSION_INIT exchange.
type HandshakeRequest struct {
	Type      string `json:"type"`
	ClientKey string `json:"client_key"`
}

// HandshakeReply is the server's half, carrying the wrapped session key and
// the signature the client verifies against the advertised public key.
type HandshakeReply struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	EncryptedKey string `json:"encrypted_key"`
	Signature    string `json:"signature"`
	ServerPubkey string `json:"server_pubkey"`
	Fingerprint  string `json:"fingerprint"`
}

// Envelope is an encrypted application frame in either direction.
type Envelope struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ServerError is a cleartext error frame, used only where no secure channel
// exists yet (handshake failures, unknown outer types).
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FrameType sniffs the outer type of a raw datagram without decoding the
// whole frame.
func FrameType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return probe.Type, nil
}

// DecodeHandshake parses a client SESSION_INIT frame.
func DecodeHandshake(data []byte) (HandshakeRequest, error) {
	var req HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return HandshakeRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.ClientKey == "" {
		return HandshakeRequest{}, fmt.Errorf("%w: missing client_key", ErrMalformed)
	}
	return req, nil
}

// DecodeEnvelope parses and validates a SECURE_MSG frame. The nonce and
// ciphertext stay hex-encoded; DecodedNonce/DecodedCiphertext convert them.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.SessionID == "" || env.Nonce == "" || env.Ciphertext == "" {
		return Envelope{}, fmt.Errorf("%w: incomplete envelope", ErrMalformed)
	}
	if len(env.Nonce) != NonceHexLen {
		return Envelope{}, fmt.Errorf("%w: nonce must be %d hex chars", ErrMalformed, NonceHexLen)
	}
	return env, nil
}

// DecodedNonce returns the envelope nonce as raw bytes.
func (e Envelope) DecodedNonce() ([]byte, error) {
	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce hex", ErrMalformed)
	}
	return nonce, nil
}

// DecodedCiphertext returns the envelope ciphertext (plaintext‖tag) as raw bytes.
func (e Envelope) DecodedCiphertext() ([]byte, error) {
	ct, err := hex.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext hex", ErrMalformed)
	}
	return ct, nil
}

// EncodeEnvelope serializes an outbound secure frame, enforcing the datagram cap.
func EncodeEnvelope(sessionID string, nonce, ciphertext []byte) ([]byte, error) {
	frame, err := json.Marshal(Envelope{
		Type:       FrameSecureMsg,
		SessionID:  sessionID,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(frame) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

// EncodeHandshakeReply serializes the server's SESSION_INIT response.
func EncodeHandshakeReply(reply HandshakeReply) ([]byte, error) {
	reply.Type = FrameSessionInit
	frame, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode handshake reply: %w", err)
	}
	return frame, nil
}

// EncodeServerError serializes a cleartext error frame.
func EncodeServerError(message string) []byte {
	frame, _ := json.Marshal(ServerError{Type: FrameServerError, Message: message})
	return frame
}
