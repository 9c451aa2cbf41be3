// Package natsbackend wraps the natsclient-based entity/relation/secure
// channel backbone the teacher's delegation.Engine was built around, and
// exposes the narrow slice of it used by internal/identity's NATSRegistry
// and by cmd/arborctl (capability store persistence hooks and the channel
// publisher). It also exposes the raw nats.go connection as Backend.Raw;
// no package in this module uses it.
package natsbackend

import (
	"fmt"
	"net/http"

	nc "github.com/dataparency-dev/natsclient"
	"github.com/nats-io/nats.go"
)

// Backend holds an authenticated natsclient session plus the raw nats.go
// connection used for point-to-point transport that doesn't go through the
// entity/relation model.
type Backend struct {
	Server string
	Token  nc.APIToken
	Raw    *nats.Conn
}

// Connect authenticates against the natsclient-fronted backend and opens a
// raw nats.go connection to the same URL, mirroring
// delegation.Engine.NewEngine's ConnectAPI/LoginAPI sequence.
func Connect(natsURL, serverTopic, user, password string) (*Backend, error) {
	conn := nc.ConnectAPI(natsURL, serverTopic)
	if conn == nil {
		return nil, fmt.Errorf("natsbackend: failed to connect to %s", natsURL)
	}
	token := nc.LoginAPI(serverTopic, user, password)
	if token.Token == "" {
		return nil, fmt.Errorf("natsbackend: authentication failed for user %s", user)
	}
	raw, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("natsbackend: raw nats connect: %w", err)
	}
	return &Backend{Server: serverTopic, Token: token, Raw: raw}, nil
}

// EnsureRelation looks up the RDID for entity, registering one with the
// given default operation if it doesn't exist yet. Grounded on
// delegation.Engine.storeData's auto-register fallback.
func (b *Backend) EnsureRelation(entity, op string) (string, error) {
	rdid, status := nc.RelationRetrieve(b.Server, entity, b.Token)
	if status == http.StatusOK && rdid != "" {
		return rdid, nil
	}
	rdid, status = nc.RelationRegister(b.Server, entity, b.Token, op)
	if status != http.StatusOK {
		return "", fmt.Errorf("natsbackend: cannot establish RDID for %s (status %d)", entity, status)
	}
	return rdid, nil
}

// Put stores data under domain/entity/aspect.
func (b *Backend) Put(domain, entity, aspect string, data []byte) error {
	rdid, err := b.EnsureRelation(entity, "write")
	if err != nil {
		return err
	}
	flags := make(map[string]interface{})
	nc.SetDomain(flags, domain)
	nc.SetEntity(flags, entity)
	nc.SetRDID(flags, rdid)
	nc.SetAspect(flags, aspect)

	rsp := nc.Post(b.Server, data, flags, b.Token)
	if rsp.Header.Status != http.StatusOK {
		return fmt.Errorf("natsbackend: put %s/%s/%s failed: %s (status %d)",
			domain, entity, aspect, rsp.Header.ErrorStr, rsp.Header.Status)
	}
	return nil
}

// Get retrieves data from domain/entity/aspect.
func (b *Backend) Get(domain, entity, aspect string) ([]byte, error) {
	rdid, status := nc.RelationRetrieve(b.Server, entity, b.Token)
	if status != http.StatusOK {
		return nil, fmt.Errorf("natsbackend: no RDID for %s/%s", domain, entity)
	}
	flags := make(map[string]interface{})
	nc.SetDomain(flags, domain)
	nc.SetEntity(flags, entity)
	nc.SetRDID(flags, rdid)
	nc.SetAspect(flags, aspect)
	nc.SetTag(flags, "data")
	nc.SetTimestamp(flags, "latest")

	rsp := nc.Get(b.Server, flags, b.Token)
	if rsp.Header.Status != http.StatusOK {
		return nil, fmt.Errorf("natsbackend: get %s/%s/%s failed: %s (status %d)",
			domain, entity, aspect, rsp.Header.ErrorStr, rsp.Header.Status)
	}
	return rsp.Response, nil
}

// RegisterEntity registers a new entity identity (agent, capability root,
// channel) with natsclient, mirroring delegation.Engine.RegisterAgent.
func (b *Backend) RegisterEntity(entity, roles string, body []byte) error {
	_, status := nc.EntityRegister(b.Server, entity, b.Token, roles, "", b.Server, []byte(""), body)
	if status != http.StatusOK {
		return fmt.Errorf("natsbackend: entity register failed for %s (status %d)", entity, status)
	}
	_, status = nc.RelationRegister(b.Server, entity, b.Token, "write")
	if status != http.StatusOK {
		return fmt.Errorf("natsbackend: relation register failed for %s (status %d)", entity, status)
	}
	return nil
}

// UpdateEntity updates an existing entity's body.
func (b *Backend) UpdateEntity(entity string, body []byte) error {
	_, status := nc.EntityUpdate(b.Server, entity, b.Token, body)
	if status != http.StatusOK {
		return fmt.Errorf("natsbackend: entity update failed for %s (status %d)", entity, status)
	}
	return nil
}

// RemoveEntity deregisters an entity entirely.
func (b *Backend) RemoveEntity(entity string) error {
	_, status := nc.EntityRemove(b.Server, entity, b.Token)
	if status != http.StatusOK {
		return fmt.Errorf("natsbackend: entity remove failed for %s (status %d)", entity, status)
	}
	nc.RelationRemove(b.Server, entity, b.Token)
	return nil
}

// InitSecureChannel creates (or re-opens) a secure natsclient channel,
// returning its RDID.
func (b *Backend) InitSecureChannel(channelName string) (string, error) {
	rdid, err := nc.InitChannel(b.Server, channelName, b.Token, true)
	if err != nil {
		return "", fmt.Errorf("natsbackend: init channel %s: %w", channelName, err)
	}
	return rdid, nil
}

// PublishSecure publishes data to a secure channel with a TTL in seconds.
func (b *Backend) PublishSecure(channelName, rdid string, data []byte, ttlSeconds int) error {
	return nc.SecureChannelPublish(data, b.Server, channelName, b.Token, rdid, ttlSeconds)
}

// SubscribeSecure subscribes a queue-group handler to a secure channel.
func (b *Backend) SubscribeSecure(channelName, queue, rdid string, handler func(interface{})) error {
	_, err := nc.SecureChannelQueueSubscribe(b.Server, channelName, queue, b.Token, rdid, handler)
	return err
}

// Close tears down the raw nats.go connection.
func (b *Backend) Close() {
	if b.Raw != nil {
		b.Raw.Close()
	}
}
