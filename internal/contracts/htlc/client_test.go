package htlc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	htlcAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	redeemer  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	chainID   = big.NewInt(421614)
)

// fakeBackend answers view calls from canned ABI outputs and records sent
// transactions. Methods it does not override panic through the nil
// embedded interface.
type fakeBackend struct {
	Backend
	calls   []ethereum.CallMsg
	sent    []*types.Transaction
	outputs map[string][]byte // method selector hex -> return data

	receipts map[common.Hash]*types.Receipt
	polls    int
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return f.outputs[common.Bytes2Hex(msg.Data[:4])], nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 80_000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receipts == nil {
		return nil, ethereum.NotFound
	}
	f.polls++
	if f.polls < 2 {
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func selector(sig string) string {
	return common.Bytes2Hex(crypto.Keccak256([]byte(sig))[:4])
}

func TestPackInitiate(t *testing.T) {
	hash := sha256.Sum256([]byte("secret"))
	data, err := PackInitiate(redeemer, big.NewInt(7200), big.NewInt(5000), hash)
	if err != nil {
		t.Fatalf("PackInitiate failed: %v", err)
	}
	if got := common.Bytes2Hex(data[:4]); got != selector("initiate(address,uint256,uint256,bytes32)") {
		t.Errorf("selector = %s", got)
	}
	if len(data) != 4+4*32 {
		t.Fatalf("calldata length = %d, want %d", len(data), 4+4*32)
	}
	if !bytes.Equal(data[16:36], redeemer.Bytes()) {
		t.Error("redeemer not in first word")
	}
	if new(big.Int).SetBytes(data[36:68]).Int64() != 7200 {
		t.Error("timelock not in second word")
	}
	if !bytes.Equal(data[100:132], hash[:]) {
		t.Error("secret hash not in last word")
	}
}

func TestPackApprove(t *testing.T) {
	data, err := PackApprove(htlcAddr, MaxAllowance)
	if err != nil {
		t.Fatalf("PackApprove failed: %v", err)
	}
	// approve(address,uint256)
	if !bytes.Equal(data[:4], []byte{0x09, 0x5e, 0xa7, 0xb3}) {
		t.Errorf("selector = %x", data[:4])
	}
	if !bytes.Equal(data[36:68], bytes.Repeat([]byte{0xff}, 32)) {
		t.Error("approval amount is not max uint256")
	}
}

func TestOrderID(t *testing.T) {
	hash := sha256.Sum256([]byte("secret"))
	initiator := common.HexToAddress("0x4444444444444444444444444444444444444444")
	timelock := big.NewInt(7200)
	amount := big.NewInt(5000)

	var encoded []byte
	encoded = append(encoded, common.LeftPadBytes(chainID.Bytes(), 32)...)
	encoded = append(encoded, hash[:]...)
	encoded = append(encoded, common.LeftPadBytes(initiator.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(redeemer.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(timelock.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(amount.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(htlcAddr.Bytes(), 32)...)
	want := sha256.Sum256(encoded)

	got, err := OrderID(chainID, hash, initiator, redeemer, timelock, amount, htlcAddr)
	if err != nil {
		t.Fatalf("OrderID failed: %v", err)
	}
	if got != want {
		t.Errorf("OrderID = %x, want %x", got, want)
	}

	c := NewClient(&fakeBackend{}, htlcAddr, chainID)
	fromClient, err := c.OrderID(hash, initiator, redeemer, timelock, amount)
	if err != nil {
		t.Fatalf("Client.OrderID failed: %v", err)
	}
	if fromClient != want {
		t.Error("Client.OrderID differs from OrderID")
	}

	other, _ := OrderID(big.NewInt(1), hash, initiator, redeemer, timelock, amount, htlcAddr)
	if other == want {
		t.Error("order id does not depend on chain id")
	}
}

func TestViewCalls(t *testing.T) {
	owner := common.HexToAddress("0x5555555555555555555555555555555555555555")

	tokenOut, _ := htlcABI.Methods["token"].Outputs.Pack(tokenAddr)
	allowanceOut, _ := erc20ABI.Methods["allowance"].Outputs.Pack(big.NewInt(12345))
	domainOut, err := htlcABI.Methods["eip712Domain"].Outputs.Pack(
		[1]byte{0x0f}, "HTLC", "1", chainID, htlcAddr, [32]byte{}, []*big.Int{},
	)
	if err != nil {
		t.Fatalf("pack domain: %v", err)
	}

	fb := &fakeBackend{outputs: map[string][]byte{
		selector("token()"):                    tokenOut,
		selector("allowance(address,address)"): allowanceOut,
		selector("eip712Domain()"):             domainOut,
	}}
	c := NewClient(fb, htlcAddr, chainID)
	ctx := context.Background()

	token, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != tokenAddr {
		t.Errorf("Token = %s, want %s", token.Hex(), tokenAddr.Hex())
	}

	allowance, err := c.Allowance(ctx, tokenAddr, owner)
	if err != nil {
		t.Fatalf("Allowance failed: %v", err)
	}
	if allowance.Int64() != 12345 {
		t.Errorf("Allowance = %s, want 12345", allowance)
	}
	last := fb.calls[len(fb.calls)-1]
	if *last.To != tokenAddr {
		t.Errorf("allowance sent to %s, want token", last.To.Hex())
	}
	want, _ := PackAllowance(owner, htlcAddr)
	if !bytes.Equal(last.Data, want) {
		t.Error("allowance must query (owner, htlc)")
	}

	domain, err := c.EIP712Domain(ctx)
	if err != nil {
		t.Fatalf("EIP712Domain failed: %v", err)
	}
	if domain.Name != "HTLC" || domain.Version != "1" {
		t.Errorf("domain = %s/%s", domain.Name, domain.Version)
	}
	if domain.ChainID.Cmp(chainID) != 0 || domain.VerifyingContract != htlcAddr {
		t.Errorf("domain chain/contract = %s/%s", domain.ChainID, domain.VerifyingContract.Hex())
	}
}

func TestUnpackAllowance(t *testing.T) {
	out, _ := erc20ABI.Methods["allowance"].Outputs.Pack(big.NewInt(99))
	got, err := UnpackAllowance(out)
	if err != nil {
		t.Fatalf("UnpackAllowance failed: %v", err)
	}
	if got.Int64() != 99 {
		t.Errorf("UnpackAllowance = %s, want 99", got)
	}
	if _, err := UnpackAllowance([]byte{0x01}); err == nil {
		t.Error("expected error for short data")
	}
}

func TestInitiateNative(t *testing.T) {
	key, _ := crypto.GenerateKey()
	fb := &fakeBackend{}
	c := NewClient(fb, htlcAddr, chainID)
	hash := sha256.Sum256([]byte("secret"))
	amount := big.NewInt(1_000_000)

	tx, err := c.InitiateNative(context.Background(), key, redeemer, big.NewInt(7200), amount, hash)
	if err != nil {
		t.Fatalf("InitiateNative failed: %v", err)
	}
	if len(fb.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(fb.sent))
	}
	if tx.Value().Cmp(amount) != 0 {
		t.Errorf("value = %s, want %s", tx.Value(), amount)
	}
	if *tx.To() != htlcAddr {
		t.Errorf("to = %s, want htlc", tx.To().Hex())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want 7", tx.Nonce())
	}
	want, _ := PackInitiate(redeemer, big.NewInt(7200), amount, hash)
	if !bytes.Equal(tx.Data(), want) {
		t.Error("calldata mismatch")
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s", from.Hex())
	}
}

func TestApproveTargetsToken(t *testing.T) {
	key, _ := crypto.GenerateKey()
	fb := &fakeBackend{}
	c := NewClient(fb, htlcAddr, chainID)

	tx, err := c.Approve(context.Background(), key, tokenAddr, MaxAllowance)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if *tx.To() != tokenAddr {
		t.Errorf("approve sent to %s, want token", tx.To().Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Error("approve must not carry value")
	}
	want, _ := PackApprove(htlcAddr, MaxAllowance)
	if !bytes.Equal(tx.Data(), want) {
		t.Error("calldata mismatch")
	}
}

func TestIsNativeAsset(t *testing.T) {
	tests := []struct {
		asset common.Address
		want  bool
	}{
		{common.Address{}, true},
		{NativeAssetSentinel, true},
		{tokenAddr, false},
	}
	for _, tt := range tests {
		if got := IsNativeAsset(tt.asset); got != tt.want {
			t.Errorf("IsNativeAsset(%s) = %v, want %v", tt.asset.Hex(), got, tt.want)
		}
	}
}

func TestWaitMinedHash(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	fb := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful, TxHash: ok},
		reverted: {Status: types.ReceiptStatusFailed, TxHash: reverted},
	}}
	c := NewClient(fb, htlcAddr, chainID)

	receipt, err := c.WaitMinedHash(context.Background(), ok, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitMinedHash failed: %v", err)
	}
	if receipt.TxHash != ok || fb.polls < 2 {
		t.Errorf("receipt %s after %d polls", receipt.TxHash.Hex(), fb.polls)
	}

	if _, err := c.WaitMinedHash(context.Background(), reverted, time.Millisecond); !errors.Is(err, ErrTxReverted) {
		t.Errorf("expected ErrTxReverted, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.WaitMinedHash(ctx, common.HexToHash("0x03"), time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
