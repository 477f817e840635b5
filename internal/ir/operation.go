package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Params is the closed set of typed operation parameters.
// Every implementation lives in this file; the unexported marker keeps the
// union closed.
type Params interface {
	Kind() OperationKind
	// PrimarySigner is the wallet that pays for and signs every group.
	PrimarySigner() string
	isParams()
}

// Metadata is the descriptive metadata registered for an asset.
type Metadata struct {
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Symbol string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	URI    string `json:"uri,omitempty" yaml:"uri,omitempty"`
}

// Present reports whether any metadata field is set.
func (m Metadata) Present() bool {
	return m.Name != "" || m.Symbol != "" || m.URI != ""
}

// AssetCreationParams creates a new asset (mint account), optionally
// registers metadata and mints an initial balance to the payer.
type AssetCreationParams struct {
	Payer    string   `json:"payer" yaml:"payer"`
	Decimals uint8    `json:"decimals" yaml:"decimals"`
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// InitialSupply is expressed in whole units; the builder scales it by
	// Decimals into base units.
	InitialSupply uint64 `json:"initial_supply" yaml:"initial_supply"`

	// MetadataUploaded marks Metadata.URI as uploaded on behalf of this
	// operation, making it eligible for rollback through the metadata store.
	MetadataUploaded bool `json:"metadata_uploaded,omitempty" yaml:"metadata_uploaded,omitempty"`

	// Participants optionally fund the launch with native contributions
	// paid to the payer.
	Participants []WalletParticipant `json:"participants,omitempty" yaml:"participants,omitempty"`
}

// Recipient is one leg of a distribution.
type Recipient struct {
	Address string `json:"address" yaml:"address"`
	Amount  uint64 `json:"amount" yaml:"amount"`
}

// DistributionParams transfers base units of Mint from Sender to every
// recipient.
type DistributionParams struct {
	Sender     string      `json:"sender" yaml:"sender"`
	Mint       string      `json:"mint" yaml:"mint"`
	Recipients []Recipient `json:"recipients" yaml:"recipients"`
}

// PoolCreationParams creates a liquidity pool for Mint and seeds it with
// the payer's liquidity plus optional participant contributions.
type PoolCreationParams struct {
	Payer string `json:"payer" yaml:"payer"`
	Mint  string `json:"mint" yaml:"mint"`

	// Pool is the pool account address. When empty the orchestrator
	// generates a fresh keypair before building.
	Pool string `json:"pool,omitempty" yaml:"pool,omitempty"`

	TokenAmount  uint64              `json:"token_amount" yaml:"token_amount"`
	NativeAmount uint64              `json:"native_amount" yaml:"native_amount"`
	Participants []WalletParticipant `json:"participants,omitempty" yaml:"participants,omitempty"`
}

// MetadataUpdateParams replaces the metadata registered for Mint.
type MetadataUpdateParams struct {
	Authority string   `json:"authority" yaml:"authority"`
	Mint      string   `json:"mint" yaml:"mint"`
	Metadata  Metadata `json:"metadata" yaml:"metadata"`
}

// AuthorityRevokeParams permanently removes mint and/or freeze authority.
type AuthorityRevokeParams struct {
	Authority    string `json:"authority" yaml:"authority"`
	Mint         string `json:"mint" yaml:"mint"`
	RevokeMint   bool   `json:"revoke_mint" yaml:"revoke_mint"`
	RevokeFreeze bool   `json:"revoke_freeze" yaml:"revoke_freeze"`
}

func (*AssetCreationParams) Kind() OperationKind   { return KindAssetCreation }
func (*DistributionParams) Kind() OperationKind    { return KindDistribution }
func (*PoolCreationParams) Kind() OperationKind    { return KindPoolCreation }
func (*MetadataUpdateParams) Kind() OperationKind  { return KindMetadataUpdate }
func (*AuthorityRevokeParams) Kind() OperationKind { return KindAuthorityRevoke }

func (p *AssetCreationParams) PrimarySigner() string   { return p.Payer }
func (p *DistributionParams) PrimarySigner() string    { return p.Sender }
func (p *PoolCreationParams) PrimarySigner() string    { return p.Payer }
func (p *MetadataUpdateParams) PrimarySigner() string  { return p.Authority }
func (p *AuthorityRevokeParams) PrimarySigner() string { return p.Authority }

func (*AssetCreationParams) isParams()   {}
func (*DistributionParams) isParams()    {}
func (*PoolCreationParams) isParams()    {}
func (*MetadataUpdateParams) isParams()  {}
func (*AuthorityRevokeParams) isParams() {}

// ParticipantsOf returns the wallet participants attached to params, if
// the kind supports them.
func ParticipantsOf(p Params) []WalletParticipant {
	switch v := p.(type) {
	case *AssetCreationParams:
		return v.Participants
	case *PoolCreationParams:
		return v.Participants
	}
	return nil
}

// NewParams returns an empty parameter struct for kind.
func NewParams(kind OperationKind) (Params, error) {
	switch kind {
	case KindAssetCreation:
		return &AssetCreationParams{}, nil
	case KindDistribution:
		return &DistributionParams{}, nil
	case KindPoolCreation:
		return &PoolCreationParams{}, nil
	case KindMetadataUpdate:
		return &MetadataUpdateParams{}, nil
	case KindAuthorityRevoke:
		return &AuthorityRevokeParams{}, nil
	}
	return nil, fmt.Errorf("unknown operation kind %q", kind)
}

// Operation is the unit of client intent. It is owned by the orchestrator
// for its lifetime.
type Operation struct {
	ID        string
	Kind      OperationKind
	Params    Params
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOperation creates a pending operation for params.
func NewOperation(id string, params Params, now time.Time) *Operation {
	return &Operation{
		ID:        id,
		Kind:      params.Kind(),
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the operation to status to, enforcing forward-only
// movement.
func (o *Operation) Transition(to Status, now time.Time) error {
	if err := CheckTransition(o.Status, to); err != nil {
		return fmt.Errorf("operation %s: %w", o.ID, err)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Record returns the persisted header for this operation.
func (o *Operation) Record() (OperationRecord, error) {
	raw, err := json.Marshal(o.Params)
	if err != nil {
		return OperationRecord{}, fmt.Errorf("marshal params: %w", err)
	}
	return OperationRecord{
		ID:        o.ID,
		Kind:      o.Kind,
		Payer:     o.Params.PrimarySigner(),
		Status:    o.Status,
		Params:    raw,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

// OperationRecord is the persisted header of an operation.
type OperationRecord struct {
	ID        string          `json:"id"`
	Kind      OperationKind   `json:"kind"`
	Payer     string          `json:"payer"`
	Status    Status          `json:"status"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WalletParticipant is one contributor to a multi-wallet operation.
type WalletParticipant struct {
	Address      string `json:"address" yaml:"address"`
	NativeAmount uint64 `json:"native_amount" yaml:"native_amount"`
	TokenAmount  uint64 `json:"token_amount" yaml:"token_amount"`
}

// DecodeParams decodes JSON parameters for kind.
func DecodeParams(kind OperationKind, raw []byte) (Params, error) {
	p, err := NewParams(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", kind, err)
	}
	return p, nil
}
