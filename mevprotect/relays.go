package mevprotect

import (
	"context"
	"errors"
	"math/rand"
	"os"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRelay  = errors.New("invalid relay configuration")
	ErrNoTipAccounts = errors.New("no tip accounts configured")
)

// Bundle states reported by relay status endpoints.
const (
	BundleStatusInvalid = "Invalid"
	BundleStatusPending = "Pending"
	BundleStatusLanded  = "Landed"
	BundleStatusFailed  = "Failed"
)

// InflightBundleStatus is one entry of a getInflightBundleStatuses response.
type InflightBundleStatus struct {
	BundleID   string `json:"bundle_id"`
	Status     string `json:"status"`
	LandedSlot uint64 `json:"landed_slot,omitempty"`
}

// BundleStatusDetail is one entry of a getBundleStatuses response, available
// once a bundle landed.
type BundleStatusDetail struct {
	BundleID     string   `json:"bundle_id"`
	Transactions []string `json:"transactions"`
	Slot         uint64   `json:"slot"`
	Confirmation string   `json:"confirmation_status"`
	Err          string   `json:"err,omitempty"`
}

// RelayRPC is one private relay endpoint.
type RelayRPC interface {
	Name() string
	SendBundle(ctx context.Context, txs []string) (string, error)
	InflightStatuses(ctx context.Context, bundleIDs []string) ([]InflightBundleStatus, error)
	BundleStatuses(ctx context.Context, bundleIDs []string) ([]BundleStatusDetail, error)
}

type JSONRPCRelay struct {
	name   string
	client jsonrpc.RPCClient
}

func NewJSONRPCRelay(name, url string) *JSONRPCRelay {
	return &JSONRPCRelay{
		name:   name,
		client: jsonrpc.NewClient(url),
	}
}

func (r *JSONRPCRelay) Name() string {
	return r.name
}

// SendBundle submits base64 transactions and returns the relay bundle id.
func (r *JSONRPCRelay) SendBundle(ctx context.Context, txs []string) (string, error) {
	var bundleID string
	err := r.client.CallFor(ctx, &bundleID, "sendBundle", []interface{}{txs, map[string]string{"encoding": "base64"}}...)
	if err != nil {
		return "", err
	}
	return bundleID, nil
}

func (r *JSONRPCRelay) InflightStatuses(ctx context.Context, bundleIDs []string) ([]InflightBundleStatus, error) {
	var res struct {
		Value []InflightBundleStatus `json:"value"`
	}
	err := r.client.CallFor(ctx, &res, "getInflightBundleStatuses", [][]string{bundleIDs})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (r *JSONRPCRelay) BundleStatuses(ctx context.Context, bundleIDs []string) ([]BundleStatusDetail, error) {
	var res struct {
		Value []BundleStatusDetail `json:"value"`
	}
	err := r.client.CallFor(ctx, &res, "getBundleStatuses", [][]string{bundleIDs})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// RelayPool holds the configured relay endpoints and the shared tip account
// set. Submission rotates through endpoints, tips go to a random account.
type RelayPool struct {
	endpoints   []RelayRPC
	tipAccounts []string
}

func NewRelayPool(endpoints []RelayRPC, tipAccounts []string) *RelayPool {
	return &RelayPool{endpoints: endpoints, tipAccounts: tipAccounts}
}

func (p *RelayPool) Endpoints() []RelayRPC {
	return p.endpoints
}

// TipAccount picks a random account from the pool. Rotating the receiver
// spreads tips across the relay operator's accounts.
func (p *RelayPool) TipAccount() string {
	if len(p.tipAccounts) == 0 {
		return ""
	}
	return p.tipAccounts[rand.Intn(len(p.tipAccounts))]
}

// TipAccounts exposes the tip receiver pool for caller-side selection.
func (p *RelayPool) TipAccounts() []string {
	return p.tipAccounts
}

func (p *RelayPool) Names() []string {
	names := make([]string, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		names = append(names, e.Name())
	}
	return names
}

type RelaysConfig struct {
	TipAccounts []string `yaml:"tip_accounts"`
	Relays      []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled,omitempty"`
	} `yaml:"relays"`
}

// LoadRelayConfig parses the relay config file and connects the enabled
// endpoints.
func LoadRelayConfig(log *zap.Logger, file string) (*RelayPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config RelaysConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	endpoints := make([]RelayRPC, 0, len(config.Relays))
	for _, relay := range config.Relays {
		if relay.Disabled {
			log.Info("relay endpoint disabled, skipping", zap.String("relay", relay.Name))
			continue
		}
		if relay.Name == "" || relay.URL == "" {
			return nil, ErrInvalidRelay
		}
		endpoints = append(endpoints, NewJSONRPCRelay(relay.Name, relay.URL))
	}
	if len(endpoints) == 0 {
		return nil, ErrNoRelayEndpoints
	}
	if len(config.TipAccounts) == 0 {
		return nil, ErrNoTipAccounts
	}
	return NewRelayPool(endpoints, config.TipAccounts), nil
}
