// Package p2p implements the peer-to-peer chat transport: self-certifying
// Ed25519 identities, Tor hidden-service room hosts, and the node that ties
// them together. Nothing in this package touches the SQLite store; p2p rooms
// are ephemeral by design.
package p2p

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"peerchat/internal/protocol"
)

const didPrefix = "did:peerchat:"

// Identity is the user's long-term p2p identity plus a per-run session key.
// The long-term private key never crosses the network; only the derived id
// and HMAC proofs do.
type Identity struct {
	Username string
	DID      string

	cfgPath    string
	privateKey ed25519.PrivateKey // long-term
	sessionKey ed25519.PrivateKey // regenerated every run
}

type identityFile struct {
	P2PIdentity struct {
		Username  string `json:"username"`
		DID       string `json:"did"`
		DIDKeyHex string `json:"did_key_hex"`
	} `json:"p2p_identity"`
}

// LoadIdentity reads the identity from cfgPath, creating and persisting a
// fresh one on first run. An existing key is never overwritten.
func LoadIdentity(cfgPath string) (*Identity, error) {
	var cfg identityFile
	if raw, err := os.ReadFile(cfgPath); err == nil {
		// a corrupt file falls through to fresh generation
		_ = json.Unmarshal(raw, &cfg)
	}

	id := &Identity{cfgPath: cfgPath}
	if cfg.P2PIdentity.DIDKeyHex != "" && cfg.P2PIdentity.DID != "" {
		seed, err := hex.DecodeString(cfg.P2PIdentity.DIDKeyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity key in %s is corrupt", cfgPath)
		}
		id.privateKey = ed25519.NewKeyFromSeed(seed)
		id.DID = cfg.P2PIdentity.DID
		id.Username = cfg.P2PIdentity.Username
	} else {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		id.privateKey = priv
		id.DID = deriveDID(priv.Public().(ed25519.PublicKey))
		id.Username = cfg.P2PIdentity.Username
	}
	if id.Username == "" {
		id.Username = "anonymous"
	}

	_, session, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	id.sessionKey = session

	if err := id.save(); err != nil {
		return nil, err
	}
	return id, nil
}

// SetUsername updates and persists the display name. The id is unaffected.
func (id *Identity) SetUsername(name string) error {
	name = protocol.Sanitize(name, 32)
	if name == "" {
		name = "anonymous"
	}
	id.Username = name
	return id.save()
}

func (id *Identity) save() error {
	var cfg map[string]json.RawMessage
	if raw, err := os.ReadFile(id.cfgPath); err == nil {
		_ = json.Unmarshal(raw, &cfg)
	}
	if cfg == nil {
		cfg = make(map[string]json.RawMessage)
	}
	section, err := json.Marshal(map[string]string{
		"username":    id.Username,
		"did":         id.DID,
		"did_key_hex": hex.EncodeToString(id.privateKey.Seed()),
	})
	if err != nil {
		return err
	}
	cfg["p2p_identity"] = section
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(id.cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(id.cfgPath, out, 0o600)
}

// SessionPubHex is this run's ephemeral public key.
func (id *Identity) SessionPubHex() string {
	return hex.EncodeToString(id.sessionKey.Public().(ed25519.PublicKey))
}

// Sign signs data with the session key, hex encoded.
func (id *Identity) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(id.sessionKey, data))
}

// AuthToken proves ownership of the long-term key for this session:
// HMAC-SHA256(long-term seed, session public key hex).
func (id *Identity) AuthToken() string {
	mac := hmac.New(sha256.New, id.privateKey.Seed())
	mac.Write([]byte(id.SessionPubHex()))
	return hex.EncodeToString(mac.Sum(nil))
}

// deriveDID maps a public key to its stable identifier:
// did:peerchat:<base58(sha256(pubkey)[:16])>.
func deriveDID(pub ed25519.PublicKey) string {
	digest := sha256.Sum256(pub)
	return didPrefix + base58Encode(digest[:16])
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	radix := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '1')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
