package chain

const (
	SuiMainnet Chain = "sui"
	SuiTestnet Chain = "sui_testnet"
)

func init() {
	Register(&Params{Name: SuiMainnet, Family: FamilySui, Network: Mainnet, NativeAsset: "SUI", Decimals: 9})
	Register(&Params{Name: SuiTestnet, Family: FamilySui, Network: Testnet, NativeAsset: "SUI", Decimals: 9})
}
