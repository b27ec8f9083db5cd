// chatcli is a diagnostic client: it performs the handshake, verifies the
// server's signature and fingerprint, logs in and exchanges a few frames.
// Useful for integration checks against a running server.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/protocol"
)

type cliConfig struct {
	serverAddr string
	email      string
	room       string
	message    string
	timeout    time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.serverAddr, "server", "127.0.0.1:9999", "UDP address of the chat server")
	flag.StringVar(&cfg.email, "email", "", "Email to log in with (optional)")
	flag.StringVar(&cfg.room, "room", "", "Room name to create (optional)")
	flag.StringVar(&cfg.message, "message", "", "Message to post after joining (optional)")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "How long to listen for server frames")
	flag.Parse()
	return cfg
}

type client struct {
	conn      *net.UDPConn
	priv      *rsa.PrivateKey
	sessionID string
	key       []byte
	seq       int
}

func run(cfg cliConfig) error {
	addr, err := net.ResolveUDPAddr("udp", cfg.serverAddr)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c := &client{conn: conn}
	if err := c.handshake(); err != nil {
		return err
	}
	log.Printf("session %s established", c.sessionID)

	if err := c.send(protocol.KindHello, nil); err != nil {
		return err
	}
	if cfg.email != "" {
		if err := c.send(protocol.KindLogin, protocol.LoginData{Email: cfg.email}); err != nil {
			return err
		}
	}
	if cfg.room != "" {
		if err := c.send(protocol.KindCreateRoom, protocol.CreateRoomData{Name: cfg.room}); err != nil {
			return err
		}
	}

	return c.listen(cfg)
}

// handshake performs the SESSION_INIT exchange and verifies the server's
// signature over the unwrapped session key plus the key fingerprint.
func (c *client) handshake() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate client key: %w", err)
	}
	c.priv = priv
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode client key: %w", err)
	}

	frame, err := json.Marshal(protocol.HandshakeRequest{
		Type:      protocol.FrameSessionInit,
		ClientKey: base64.StdEncoding.EncodeToString(der),
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	buf := make([]byte, 64*1024)
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	var reply protocol.HandshakeReply
	if err := json.Unmarshal(buf[:n], &reply); err != nil {
		return fmt.Errorf("decode handshake reply: %w", err)
	}

	serverDER, err := hex.DecodeString(reply.ServerPubkey)
	if err != nil {
		return fmt.Errorf("decode server pubkey: %w", err)
	}
	if crypto.Fingerprint(serverDER) != reply.Fingerprint {
		return fmt.Errorf("fingerprint mismatch: advertised %s", reply.Fingerprint)
	}

	wrapped, err := hex.DecodeString(reply.EncryptedKey)
	if err != nil {
		return fmt.Errorf("decode wrapped key: %w", err)
	}
	sessionKey, err := crypto.OAEPDecrypt(priv, wrapped)
	if err != nil {
		return fmt.Errorf("unwrap session key: %w", err)
	}

	serverPub, err := crypto.ParseClientKey(serverDER)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(reply.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if err := crypto.PSSVerify(serverPub, sessionKey, sig); err != nil {
		return fmt.Errorf("server signature does not verify: %w", err)
	}

	c.sessionID = reply.SessionID
	c.key = sessionKey
	return nil
}

func (c *client) send(kind string, data any) error {
	payload, err := protocol.NewPayload(kind, data)
	if err != nil {
		return err
	}
	c.seq++
	payload.MsgID = fmt.Sprintf("cli-%d", c.seq)

	plaintext, err := payload.Encode()
	if err != nil {
		return err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	ciphertext, err := crypto.Seal(c.key, nonce, plaintext)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeEnvelope(c.sessionID, nonce, ciphertext)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *client) listen(cfg cliConfig) error {
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(cfg.timeout)
	messageSent := false

	for time.Now().Before(deadline) {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		payload, err := c.open(buf[:n])
		if err != nil {
			log.Printf("skipping frame: %v", err)
			continue
		}
		log.Printf("<- %s %s", payload.Type, string(payload.Data))

		// Reliable frames want an ACK back.
		if payload.MsgID != "" && payload.Type != protocol.KindAck {
			if err := c.send(protocol.KindAck, protocol.AckData{MsgID: payload.MsgID}); err != nil {
				return err
			}
		}
		if payload.Type == protocol.KindRoomCreated && cfg.message != "" && !messageSent {
			var room protocol.RoomInfo
			if err := json.Unmarshal(payload.Data, &room); err == nil {
				messageSent = true
				if err := c.send(protocol.KindMessage, protocol.MessageData{
					RoomID:  room.RoomID,
					Content: cfg.message,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *client) open(frame []byte) (protocol.Payload, error) {
	typ, err := protocol.FrameType(frame)
	if err != nil {
		return protocol.Payload{}, err
	}
	if typ != protocol.FrameSecureMsg {
		return protocol.Payload{}, fmt.Errorf("unexpected frame type %s", typ)
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return protocol.Payload{}, err
	}
	nonce, err := env.DecodedNonce()
	if err != nil {
		return protocol.Payload{}, err
	}
	ciphertext, err := env.DecodedCiphertext()
	if err != nil {
		return protocol.Payload{}, err
	}
	plaintext, err := crypto.Open(c.key, nonce, ciphertext)
	if err != nil {
		return protocol.Payload{}, err
	}
	return protocol.DecodePayload(plaintext)
}
