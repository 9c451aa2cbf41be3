package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"dataparency-dev/AI-delegation/internal/natsbackend"
)

// NATSRegistry persists identities through natsclient's entity model,
// grounded on delegation.Engine.RegisterAgent/GetAgent/UpdateAgent/
// RemoveAgent. Status transitions are read-modify-write over the same
// entity body; there is no separate "status" aspect.
type NATSRegistry struct {
	backend  *natsbackend.Backend
	domain   string
	onRevoke RevokeCapabilitiesFunc
}

const identityAspect = "identity_record"

// NewNATSRegistry wires a Registry backed by an already-connected backend.
func NewNATSRegistry(backend *natsbackend.Backend, domain string, onRevoke RevokeCapabilitiesFunc) *NATSRegistry {
	return &NATSRegistry{backend: backend, domain: domain, onRevoke: onRevoke}
}

func (r *NATSRegistry) load(agentID string) (Identity, error) {
	raw, err := r.backend.Get(r.domain, agentID, identityAspect)
	if err != nil {
		return Identity{}, ErrNotFound
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("identity: corrupt record for %s: %w", agentID, err)
	}
	return id, nil
}

func (r *NATSRegistry) save(id Identity) error {
	body, err := marshalForEntity(id)
	if err != nil {
		return err
	}
	return r.backend.Put(r.domain, id.AgentID, identityAspect, body)
}

func (r *NATSRegistry) Register(id Identity, encKeyB64 string) error {
	if existing, err := r.load(id.AgentID); err == nil && existing.Status != StatusRevoked {
		return ErrAlreadyExists
	}
	id.Status = StatusActive
	if err := r.backend.RegisterEntity(id.AgentID, "agent", nil); err != nil {
		return fmt.Errorf("identity: register entity: %w", err)
	}
	return r.save(id)
}

func (r *NATSRegistry) Get(agentID string) (Identity, error) {
	return r.load(agentID)
}

func (r *NATSRegistry) Lookup(agentID string) (ed25519.PublicKey, error) {
	id, err := r.load(agentID)
	if err != nil {
		return nil, err
	}
	if err := statusErr(id.Status); err != nil {
		return nil, err
	}
	return id.SigningPub, nil
}

func (r *NATSRegistry) LookupEncryptionKey(agentID string) ([]byte, error) {
	id, err := r.load(agentID)
	if err != nil {
		return nil, err
	}
	if err := statusErr(id.Status); err != nil {
		return nil, err
	}
	return id.EncryptionPub, nil
}

func (r *NATSRegistry) Suspend(agentID, reason string) error {
	id, err := r.load(agentID)
	if err != nil {
		return err
	}
	if id.Status == StatusRevoked {
		return ErrCannotSuspendRevoked
	}
	id.Status = StatusSuspended
	return r.save(id)
}

func (r *NATSRegistry) Resume(agentID string) error {
	id, err := r.load(agentID)
	if err != nil {
		return err
	}
	if id.Status == StatusRevoked {
		return ErrCannotResumeRevoked
	}
	id.Status = StatusActive
	return r.save(id)
}

func (r *NATSRegistry) RevokeIdentity(agentID, reason string) (int, error) {
	id, err := r.load(agentID)
	if err != nil {
		return 0, err
	}
	id.Status = StatusRevoked
	if err := r.save(id); err != nil {
		return 0, err
	}
	if r.onRevoke == nil {
		return 0, nil
	}
	n, err := r.onRevoke(agentID)
	if err != nil {
		return 0, fmt.Errorf("identity: cascade revoke capabilities for %s: %w", agentID, err)
	}
	return n, nil
}

func (r *NATSRegistry) Deregister(agentID string) error {
	if _, err := r.load(agentID); err != nil {
		return err
	}
	return r.backend.RemoveEntity(agentID)
}

func (r *NATSRegistry) GetStatus(agentID string) (Status, error) {
	id, err := r.load(agentID)
	if err != nil {
		return "", err
	}
	return id.Status, nil
}

func (r *NATSRegistry) Active(agentID string) bool {
	s, err := r.GetStatus(agentID)
	return err == nil && s == StatusActive
}
