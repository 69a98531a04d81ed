package chain

const (
	Starknet        Chain = "starknet"
	StarknetSepolia Chain = "starknet_sepolia"
)

func init() {
	Register(&Params{Name: Starknet, Family: FamilyStarknet, Network: Mainnet, NativeAsset: "STRK", Decimals: 18})
	Register(&Params{Name: StarknetSepolia, Family: FamilyStarknet, Network: Testnet, NativeAsset: "STRK", Decimals: 18})
}
