package ledger

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractName is the name of the Truffle artifact the binding loads.
const ContractName = "HealthInsuranceIncentive"

//go:embed abi/HealthInsuranceIncentive.json
var embeddedABI []byte

// ArtifactNetwork is one entry of a Truffle artifact's "networks" map.
type ArtifactNetwork struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Artifact is the subset of a Truffle build artifact used by the binding:
// the contract ABI and the per-network deployment addresses.
type Artifact struct {
	ContractName string                     `json:"contractName"`
	RawABI       json.RawMessage            `json:"abi"`
	Networks     map[string]ArtifactNetwork `json:"networks"`

	parsed abi.ABI
}

// LoadArtifact reads a Truffle artifact from disk.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes a Truffle artifact. An artifact without an "abi"
// field falls back to the embedded contract ABI.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.ContractName == "" {
		a.ContractName = ContractName
	}
	raw := []byte(a.RawABI)
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = embeddedABI
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	a.parsed = parsed
	return &a, nil
}

// NewArtifact builds an artifact from the embedded ABI with a single
// deployment. Useful for wiring a known address without a build directory.
func NewArtifact(networkID string, address common.Address) *Artifact {
	parsed, err := abi.JSON(bytes.NewReader(embeddedABI))
	if err != nil {
		panic(fmt.Sprintf("embedded abi: %v", err))
	}
	return &Artifact{
		ContractName: ContractName,
		RawABI:       embeddedABI,
		Networks:     map[string]ArtifactNetwork{networkID: {Address: address.Hex()}},
		parsed:       parsed,
	}
}

// ABI returns the parsed contract ABI.
func (a *Artifact) ABI() abi.ABI { return a.parsed }

// Address returns the deployment address recorded for networkID.
func (a *Artifact) Address(networkID string) (common.Address, bool) {
	n, ok := a.Networks[networkID]
	if !ok || !common.IsHexAddress(n.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(n.Address), true
}
