// Copyright 2025 Kadir Pekel
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

package admin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/mxerr"
)

const keyPrefix = "adminkey/"

// keyRecord is what's persisted for one issued channel key. The secret
// itself is never stored, only its hash, so a store dump can't be turned
// back into a working credential.
type keyRecord struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	AgentID    string    `json:"agentId"`
	SecretHash string    `json:"secretHash"`
	Revoked    bool      `json:"revoked"`
	Used       bool      `json:"used"`
	CreatedAt  time.Time `json:"createdAt"`
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// KeyMeta is the redacted view of a key returned by list operations: never
// the secret, and never the hash.
type KeyMeta struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	AgentID   string    `json:"agentId"`
	Revoked   bool      `json:"revoked"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"createdAt"`
}

// KeyStore issues and verifies the keyId+secretKey credentials an agent
// presents to establish a transport connection. Keys are single-use for
// that establishment handshake but persist (for listing and revocation)
// until an operator explicitly revokes them, per the admin surface's
// stated credential lifecycle.
type KeyStore struct {
	store kv.Store
}

// NewKeyStore wraps store for key bookkeeping.
func NewKeyStore(store kv.Store) *KeyStore {
	return &KeyStore{store: store}
}

// Issue mints a new keyId+secretKey pair scoped to channelID, optionally
// pre-bound to agentID (empty means any agent presenting this key may
// claim it, bound to whichever agentID accompanies the connection
// request).
func (k *KeyStore) Issue(ctx context.Context, channelID, agentID string) (keyID, secret string, err error) {
	keyID = uuid.NewString()
	secret, err = randomSecret()
	if err != nil {
		return "", "", fmt.Errorf("admin: generate key secret: %w", err)
	}
	rec := keyRecord{
		ID:         keyID,
		ChannelID:  channelID,
		AgentID:    agentID,
		SecretHash: hashSecret(secret),
		CreatedAt:  time.Now(),
	}
	if err := k.put(ctx, rec); err != nil {
		return "", "", err
	}
	return keyID, secret, nil
}

// Verify checks a presented channelId+keyId+secretKey triple and, on
// success, consumes the key so it cannot establish a second connection.
// It returns the agentID the key is bound to, which is empty if the key
// was issued unbound.
func (k *KeyStore) Verify(ctx context.Context, channelID, keyID, secret string) (agentID string, err error) {
	rec, err := k.get(ctx, keyID)
	if err != nil {
		return "", mxerr.New(mxerr.NotPermitted, "unknown key")
	}
	if rec.ChannelID != channelID {
		return "", mxerr.New(mxerr.NotPermitted, "key does not belong to channel")
	}
	if rec.Revoked {
		return "", mxerr.New(mxerr.NotPermitted, "key revoked")
	}
	if rec.Used {
		return "", mxerr.New(mxerr.NotPermitted, "key already used")
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(rec.SecretHash)) != 1 {
		return "", mxerr.New(mxerr.NotPermitted, "bad secret")
	}

	rec.Used = true
	if err := k.put(ctx, rec); err != nil {
		return "", err
	}
	return rec.AgentID, nil
}

// Revoke marks a key unusable for future connection attempts. Revoking an
// already-revoked or already-used key is not an error.
func (k *KeyStore) Revoke(ctx context.Context, keyID string) error {
	rec, err := k.get(ctx, keyID)
	if err != nil {
		return mxerr.New(mxerr.InvalidArgs, "unknown key "+keyID)
	}
	rec.Revoked = true
	return k.put(ctx, rec)
}

// List returns the redacted metadata for every key issued under
// channelID.
func (k *KeyStore) List(ctx context.Context, channelID string) ([]KeyMeta, error) {
	raw, err := k.store.ListByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]KeyMeta, 0, len(raw))
	for _, v := range raw {
		var rec keyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.ChannelID != channelID {
			continue
		}
		out = append(out, KeyMeta{
			ID: rec.ID, ChannelID: rec.ChannelID, AgentID: rec.AgentID,
			Revoked: rec.Revoked, Used: rec.Used, CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

func (k *KeyStore) put(ctx context.Context, rec keyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.store.Put(ctx, keyPrefix+rec.ID, raw)
}

func (k *KeyStore) get(ctx context.Context, keyID string) (keyRecord, error) {
	raw, err := k.store.Get(ctx, keyPrefix+keyID)
	if err != nil {
		return keyRecord{}, err
	}
	var rec keyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return keyRecord{}, err
	}
	return rec, nil
}
