// Package identity supplies the local node id that tags every outbound
// envelope. The key-file provider derives it from a persistent libp2p key so
// the node id and the mesh peer id are the same string.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Provider 返回本地节点标识。
type Provider interface {
	LocalNodeID() string
}

// Static 是固定标识，用于内存网络和测试。
type Static string

// LocalNodeID 实现 Provider 接口。
func (s Static) LocalNodeID() string { return string(s) }

// KeyFile 持有从磁盘加载的节点私钥。
type KeyFile struct {
	priv   crypto.PrivKey
	peerID peer.ID
}

type persistedKey struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreate 从 path 读取节点身份，不存在时生成 ed25519 密钥并保存。
func LoadOrCreate(path string) (*KeyFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity key file path is empty")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	encoded, err := json.Marshal(persistedKey{PrivKey: raw, PeerID: pid.String()})
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return &KeyFile{priv: priv, peerID: pid}, nil
}

func decode(data []byte) (*KeyFile, error) {
	var stored persistedKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(stored.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal identity key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	if stored.PeerID != "" && stored.PeerID != pid.String() {
		return nil, fmt.Errorf("identity file peer id %s does not match key", stored.PeerID)
	}
	return &KeyFile{priv: priv, peerID: pid}, nil
}

// LocalNodeID 实现 Provider 接口。
func (k *KeyFile) LocalNodeID() string { return k.peerID.String() }

// PrivateKey 返回用于 libp2p host 的私钥。
func (k *KeyFile) PrivateKey() crypto.PrivKey { return k.priv }

// PeerID 返回 libp2p peer id。
func (k *KeyFile) PeerID() peer.ID { return k.peerID }
