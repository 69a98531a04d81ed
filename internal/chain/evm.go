package chain

const (
	Ethereum        Chain = "ethereum"
	EthereumSepolia Chain = "ethereum_sepolia"
	Arbitrum        Chain = "arbitrum"
	ArbitrumSepolia Chain = "arbitrum_sepolia"
	Base            Chain = "base"
	BaseSepolia     Chain = "base_sepolia"
	BSC             Chain = "bnbchain"
	BSCTestnet      Chain = "bnbchain_testnet"
)

func init() {
	Register(&Params{Name: Ethereum, Family: FamilyEVM, Network: Mainnet, ChainID: 1, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: EthereumSepolia, Family: FamilyEVM, Network: Testnet, ChainID: 11155111, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: Arbitrum, Family: FamilyEVM, Network: Mainnet, ChainID: 42161, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: ArbitrumSepolia, Family: FamilyEVM, Network: Testnet, ChainID: 421614, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: Base, Family: FamilyEVM, Network: Mainnet, ChainID: 8453, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: BaseSepolia, Family: FamilyEVM, Network: Testnet, ChainID: 84532, NativeAsset: "ETH", Decimals: 18})
	Register(&Params{Name: BSC, Family: FamilyEVM, Network: Mainnet, ChainID: 56, NativeAsset: "BNB", Decimals: 18})
	Register(&Params{Name: BSCTestnet, Family: FamilyEVM, Network: Testnet, ChainID: 97, NativeAsset: "BNB", Decimals: 18})
}
