package starknet

import (
	"math/big"
)

// TypeField is one member of a SNIP-12 type.
type TypeField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Domain is the SNIP-12 revision 1 domain.
type Domain struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	ChainID  string `json:"chainId"`
	Revision string `json:"revision"`
}

// TypedData is a SNIP-12 message as signer services expect it.
type TypedData struct {
	Types       map[string][]TypeField `json:"types"`
	PrimaryType string                 `json:"primaryType"`
	Domain      Domain                 `json:"domain"`
	Message     map[string]interface{} `json:"message"`
}

// InitiateTypedData builds the message a user signs to let the relay
// initiate on their behalf.
func InitiateTypedData(domain Domain, redeemer *big.Int, amount *big.Int, timelock uint64, secretHash [32]byte) TypedData {
	limbs := U256(amount)
	if domain.Revision == "" {
		domain.Revision = "1"
	}
	return TypedData{
		Types: map[string][]TypeField{
			"StarknetDomain": {
				{Name: "name", Type: "shortstring"},
				{Name: "version", Type: "shortstring"},
				{Name: "chainId", Type: "shortstring"},
				{Name: "revision", Type: "shortstring"},
			},
			"Initiate": {
				{Name: "redeemer", Type: "ContractAddress"},
				{Name: "amount", Type: "u256"},
				{Name: "timelock", Type: "u128"},
				{Name: "secretHash", Type: "u128*"},
			},
		},
		PrimaryType: "Initiate",
		Domain:      domain,
		Message: map[string]interface{}{
			"redeemer": FeltHex(redeemer),
			"amount": map[string]string{
				"low":  FeltHex(limbs[0]),
				"high": FeltHex(limbs[1]),
			},
			"timelock":   new(big.Int).SetUint64(timelock).String(),
			"secretHash": FeltsHex(SecretHashU128(secretHash)),
		},
	}
}
