package htlc

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Klingon-tech/swapd/internal/chain"
	contracts "github.com/Klingon-tech/swapd/internal/contracts/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/relay"
	"github.com/Klingon-tech/swapd/internal/swaperr"
)

var (
	testHTLC       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testNativeHTLC = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testCounter    = "0x3333333333333333333333333333333333333333"
	testChainID    = big.NewInt(11155111)
)

// fakeContract records every call made through the Contract interface.
type fakeContract struct {
	mu        sync.Mutex
	address   common.Address
	allowance *big.Int
	calls     []string
	waitErr   error
	initErr   error
}

func (f *fakeContract) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeContract) called() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func fakeTx(nonce uint64) *types.Transaction {
	return types.NewTransaction(nonce, testHTLC, big.NewInt(0), 21000, big.NewInt(1), nil)
}

func (f *fakeContract) ContractAddress() common.Address { return f.address }
func (f *fakeContract) ChainID() *big.Int               { return testChainID }

func (f *fakeContract) Token(context.Context) (common.Address, error) {
	f.record("token")
	return testToken, nil
}

func (f *fakeContract) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.record("allowance")
	return f.allowance, nil
}

func (f *fakeContract) EIP712Domain(context.Context) (*contracts.Domain, error) {
	f.record("domain")
	return &contracts.Domain{Name: "HTLC", Version: "1", ChainID: testChainID, VerifyingContract: f.address}, nil
}

func (f *fakeContract) Approve(_ context.Context, _ *ecdsa.PrivateKey, token common.Address, amount *big.Int) (*types.Transaction, error) {
	f.record("approve")
	if token != testToken || amount.Cmp(contracts.MaxAllowance) != 0 {
		return nil, fmt.Errorf("unexpected approve %s %s", token.Hex(), amount)
	}
	return fakeTx(1), nil
}

func (f *fakeContract) Initiate(context.Context, *ecdsa.PrivateKey, common.Address, *big.Int, *big.Int, [32]byte) (*types.Transaction, error) {
	f.record("initiate")
	if f.initErr != nil {
		return nil, f.initErr
	}
	return fakeTx(2), nil
}

func (f *fakeContract) InitiateNative(context.Context, *ecdsa.PrivateKey, common.Address, *big.Int, *big.Int, [32]byte) (*types.Transaction, error) {
	f.record("initiate_native")
	return fakeTx(3), nil
}

func (f *fakeContract) WaitMined(context.Context, *types.Transaction) (*types.Receipt, error) {
	f.record("wait")
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, f.waitErr
}

func (f *fakeContract) WaitMinedHash(context.Context, common.Hash, time.Duration) (*types.Receipt, error) {
	f.record("wait_hash")
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, f.waitErr
}

type fakeRelay struct {
	initiates []relay.InitiateRequest
	redeems   []relay.RedeemRequest
	snInits   []relay.StarknetInitiateRequest
	err       error
}

func (f *fakeRelay) Initiate(_ context.Context, req relay.InitiateRequest) (string, error) {
	f.initiates = append(f.initiates, req)
	return "0xrelayinit", f.err
}

func (f *fakeRelay) StarknetInitiate(_ context.Context, req relay.StarknetInitiateRequest) (string, error) {
	f.snInits = append(f.snInits, req)
	return "0xrelaysn", f.err
}

func (f *fakeRelay) Redeem(_ context.Context, req relay.RedeemRequest) (string, error) {
	f.redeems = append(f.redeems, req)
	return "0xrelayredeem", f.err
}

func evmFixture(t *testing.T, cfg EVMConfig, allowance int64) (*EVMActor, map[common.Address]*fakeContract, *fakeRelay) {
	t.Helper()
	bound := make(map[common.Address]*fakeContract)
	factory := func(addr common.Address) Contract {
		c, ok := bound[addr]
		if !ok {
			c = &fakeContract{address: addr, allowance: big.NewInt(allowance)}
			bound[addr] = c
		}
		return c
	}
	r := &fakeRelay{}
	if cfg.Chain == "" {
		cfg.Chain = chain.EthereumSepolia
	}
	return NewEVMActor(cfg, testKey(7), factory, r), bound, r
}

func evmOrder(me, asset string) *order.MatchedOrder {
	return testOrder(
		testLeg(chain.EthereumSepolia, asset, me, testCounter, 1000),
		testLeg(chain.ArbitrumSepolia, testHTLC.Hex(), testCounter, me, 990),
	)
}

func TestEVMInitiate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       EVMConfig
		asset     string
		allowance int64
		wantCalls string
		wantTx    string
		wantBound common.Address
	}{
		{
			name: "allowance sufficient", asset: testHTLC.Hex(), allowance: 1000,
			wantCalls: "token,allowance,initiate", wantTx: fakeTx(2).Hash().Hex(), wantBound: testHTLC,
		},
		{
			name: "approve first", asset: testHTLC.Hex(), allowance: 10,
			wantCalls: "token,allowance,approve,wait,initiate", wantTx: fakeTx(2).Hash().Hex(), wantBound: testHTLC,
		},
		{
			name: "native sentinel", cfg: EVMConfig{NativeHTLC: testNativeHTLC.Hex()}, asset: contracts.NativeAssetSentinel.Hex(),
			wantCalls: "initiate_native", wantTx: fakeTx(3).Hash().Hex(), wantBound: testNativeHTLC,
		},
		{
			name: "native chain", cfg: EVMConfig{Native: true}, asset: testHTLC.Hex(),
			wantCalls: "initiate_native", wantTx: fakeTx(3).Hash().Hex(), wantBound: testHTLC,
		},
		{
			name: "gasless", cfg: EVMConfig{Gasless: true}, asset: testHTLC.Hex(), allowance: 1000,
			wantCalls: "token,allowance,domain", wantTx: "0xrelayinit", wantBound: testHTLC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, bound, _ := evmFixture(t, tt.cfg, tt.allowance)
			tx, err := a.Initiate(context.Background(), evmOrder(a.Address(), tt.asset))
			if err != nil {
				t.Fatalf("Initiate failed: %v", err)
			}
			if tx != tt.wantTx {
				t.Errorf("tx = %s, want %s", tx, tt.wantTx)
			}
			c, ok := bound[tt.wantBound]
			if !ok {
				t.Fatalf("no contract bound at %s", tt.wantBound.Hex())
			}
			if got := c.called(); got != tt.wantCalls {
				t.Errorf("calls = %s, want %s", got, tt.wantCalls)
			}
		})
	}
}

func TestEVMInitiateGaslessSignature(t *testing.T) {
	a, _, r := evmFixture(t, EVMConfig{Gasless: true}, 1000)
	o := evmOrder(a.Address(), testHTLC.Hex())

	if _, err := a.Initiate(context.Background(), o); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if len(r.initiates) != 1 {
		t.Fatalf("relay initiates = %d, want 1", len(r.initiates))
	}
	req := r.initiates[0]
	if req.OrderID != o.ID() || req.PerformOn != "Source" {
		t.Errorf("request = %+v", req)
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil || len(sig) != 65 {
		t.Fatalf("signature %q: %v", req.Signature, err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("v = %d, want 27 or 28", sig[64])
	}

	hash, _ := o.SourceSwap.SecretHashBytes()
	td := InitiateTypedData(
		&contracts.Domain{Name: "HTLC", Version: "1", ChainID: testChainID, VerifyingContract: testHTLC},
		common.HexToAddress(testCounter), big.NewInt(144), big.NewInt(1000), hash,
	)
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	recoverable := append([]byte(nil), sig...)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverable)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub).Hex(); got != a.Address() {
		t.Errorf("signer = %s, want %s", got, a.Address())
	}
}

func TestEVMInitiateErrors(t *testing.T) {
	t.Run("not initiator", func(t *testing.T) {
		a, bound, _ := evmFixture(t, EVMConfig{}, 1000)
		_, err := a.Initiate(context.Background(), evmOrder(testCounter, testHTLC.Hex()))
		if !errors.Is(err, ErrNotInitiator) {
			t.Errorf("error = %v, want ErrNotInitiator", err)
		}
		if len(bound) != 0 {
			t.Error("contract touched before validation passed")
		}
	})

	t.Run("native without htlc", func(t *testing.T) {
		a, _, _ := evmFixture(t, EVMConfig{}, 1000)
		_, err := a.Initiate(context.Background(), evmOrder(a.Address(), contracts.NativeAssetSentinel.Hex()))
		if swaperr.KindOf(err) != swaperr.KindValidation {
			t.Errorf("kind = %v, want validation", swaperr.KindOf(err))
		}
	})

	t.Run("revert", func(t *testing.T) {
		a, bound, _ := evmFixture(t, EVMConfig{}, 1000)
		bound[testHTLC] = &fakeContract{address: testHTLC, allowance: big.NewInt(1000), initErr: errors.New("execution reverted: order exists")}
		_, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex()))
		if swaperr.KindOf(err) != swaperr.KindChainRejected {
			t.Errorf("kind = %v, want chain_rejected", swaperr.KindOf(err))
		}
	})

	t.Run("approve timeout", func(t *testing.T) {
		a, bound, _ := evmFixture(t, EVMConfig{}, 0)
		bound[testHTLC] = &fakeContract{address: testHTLC, allowance: big.NewInt(0), waitErr: context.DeadlineExceeded}
		_, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex()))
		if !swaperr.IsRetryable(err) {
			t.Errorf("error = %v, want transient", err)
		}
		if strings.Contains(bound[testHTLC].called(), "initiate") {
			t.Error("initiate sent before approval was mined")
		}
	})
}

func TestEVMRedeemAndRefund(t *testing.T) {
	a, _, r := evmFixture(t, EVMConfig{}, 0)
	o := testOrder(
		testLeg(chain.EthereumSepolia, testHTLC.Hex(), testCounter, a.Address(), 1000),
		testLeg(chain.ArbitrumSepolia, testHTLC.Hex(), testCounter, a.Address(), 990),
	)

	tx, err := a.Redeem(context.Background(), o, testSecret)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if tx != "0xrelayredeem" {
		t.Errorf("tx = %s", tx)
	}
	if len(r.redeems) != 1 || r.redeems[0].PerformOn != "Destination" || r.redeems[0].Secret != fmt.Sprintf("%x", testSecret) {
		t.Errorf("redeem request = %+v", r.redeems)
	}

	if _, err := a.Redeem(context.Background(), o, []byte("wrong")); !errors.Is(err, ErrSecretMismatch) {
		t.Errorf("wrong secret error = %v", err)
	}

	mine := evmOrder(a.Address(), testHTLC.Hex())
	if _, err := a.Refund(context.Background(), mine); !errors.Is(err, ErrRefundUnsupported) {
		t.Errorf("refund error = %v, want ErrRefundUnsupported", err)
	}
}

// fakeWallet answers EIP-5792 and eth_sendTransaction calls.
type fakeWallet struct {
	caps     string
	statuses []string
	methods  []string
	params   [][]interface{}
	sent     int
	polls    int
}

func (w *fakeWallet) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	w.methods = append(w.methods, method)
	w.params = append(w.params, args)

	var raw string
	switch method {
	case "wallet_getCapabilities":
		if w.caps == "" {
			return errors.New("the method wallet_getCapabilities does not exist")
		}
		raw = w.caps
	case "wallet_sendCalls":
		raw = `{"id":"batch-1"}`
	case "wallet_getCallsStatus":
		raw = w.statuses[w.polls]
		if w.polls < len(w.statuses)-1 {
			w.polls++
		}
	case "eth_sendTransaction":
		w.sent++
		raw = fmt.Sprintf(`"0x%064x"`, w.sent)
	default:
		return fmt.Errorf("unexpected method %s", method)
	}
	return json.Unmarshal([]byte(raw), result)
}

func batchFixture(t *testing.T, w *fakeWallet, allowance int64) (*BatchActor, *fakeContract) {
	t.Helper()
	c := &fakeContract{address: testHTLC, allowance: big.NewInt(allowance)}
	a, err := NewBatchActor(BatchConfig{
		Chain:        chain.EthereumSepolia,
		Account:      "0x5555555555555555555555555555555555555555",
		PollInterval: time.Millisecond,
	}, w, func(common.Address) Contract { return c }, &fakeRelay{})
	if err != nil {
		t.Fatalf("NewBatchActor: %v", err)
	}
	return a, c
}

func TestBatchInitiateAtomic(t *testing.T) {
	tests := []struct {
		name string
		caps string
	}{
		{"atomic supported", `{"0xaa36a7":{"atomic":{"status":"supported"}}}`},
		{"atomic ready", `{"0xaa36a7":{"atomic":{"status":"ready"}}}`},
		{"legacy atomicBatch", `{"11155111":{"atomicBatch":{"supported":true}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWallet{
				caps: tt.caps,
				statuses: []string{
					`{"status":100}`,
					`{"status":200,"receipts":[{"transactionHash":"0xfeed","status":"0x1"}]}`,
				},
			}
			a, _ := batchFixture(t, w, 0)
			tx, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex()))
			if err != nil {
				t.Fatalf("Initiate failed: %v", err)
			}
			if tx != "0xfeed" {
				t.Errorf("tx = %s, want 0xfeed", tx)
			}

			var send sendCallsParams
			for i, m := range w.methods {
				if m == "wallet_sendCalls" {
					send = w.params[i][0].(sendCallsParams)
				}
			}
			if send.Version != CallsVersion || !send.AtomicRequired || send.ChainID != "0xaa36a7" {
				t.Errorf("sendCalls params = %+v", send)
			}
			if len(send.Calls) != 2 || send.Calls[0].To != testToken.Hex() || send.Calls[1].To != testHTLC.Hex() {
				t.Fatalf("calls = %+v", send.Calls)
			}
			if !strings.HasPrefix(send.Calls[0].Data, "0x095ea7b3") {
				t.Errorf("first call is not approve: %s", send.Calls[0].Data[:10])
			}
		})
	}
}

func TestBatchInitiateSequential(t *testing.T) {
	w := &fakeWallet{}
	a, c := batchFixture(t, w, 0)
	tx, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex()))
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if w.sent != 2 {
		t.Errorf("eth_sendTransaction count = %d, want 2", w.sent)
	}
	if tx != fmt.Sprintf("0x%064x", 2) {
		t.Errorf("tx = %s, want the second transaction", tx)
	}
	if got := c.called(); got != "token,allowance,wait_hash" {
		t.Errorf("contract calls = %s", got)
	}

	// Capabilities are asked once per chain.
	if _, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex())); err != nil {
		t.Fatalf("second Initiate failed: %v", err)
	}
	asked := 0
	for _, m := range w.methods {
		if m == "wallet_getCapabilities" {
			asked++
		}
	}
	if asked != 1 {
		t.Errorf("wallet_getCapabilities asked %d times, want 1", asked)
	}
}

func TestBatchInitiateWithAllowance(t *testing.T) {
	w := &fakeWallet{}
	a, _ := batchFixture(t, w, 5000)
	if _, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex())); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if len(w.methods) != 1 || w.methods[0] != "eth_sendTransaction" {
		t.Errorf("methods = %v, want a single initiate", w.methods)
	}
}

func TestBatchFailedStatus(t *testing.T) {
	w := &fakeWallet{
		caps:     `{"0xaa36a7":{"atomic":{"status":"supported"}}}`,
		statuses: []string{`{"status":"FAILED"}`},
	}
	a, _ := batchFixture(t, w, 0)
	_, err := a.Initiate(context.Background(), evmOrder(a.Address(), testHTLC.Hex()))
	if !errors.Is(err, ErrBatchFailed) || swaperr.KindOf(err) != swaperr.KindChainRejected {
		t.Errorf("error = %v, want rejected ErrBatchFailed", err)
	}
}

func TestClassifyCallsStatus(t *testing.T) {
	tests := []struct {
		raw          string
		done, failed bool
	}{
		{`100`, false, false},
		{`200`, true, false},
		{`400`, false, true},
		{`500`, false, true},
		{`"200"`, true, false},
		{`"PENDING"`, false, false},
		{`"CONFIRMED"`, true, false},
		{`"confirmed"`, true, false},
		{`"FAILED"`, false, true},
	}
	for _, tt := range tests {
		done, failed := classifyCallsStatus(json.RawMessage(tt.raw))
		if done != tt.done || failed != tt.failed {
			t.Errorf("classifyCallsStatus(%s) = %v,%v want %v,%v", tt.raw, done, failed, tt.done, tt.failed)
		}
	}
}

func TestBatchID(t *testing.T) {
	for _, raw := range []string{`"abc"`, `{"id":"abc"}`} {
		id, err := batchID(json.RawMessage(raw))
		if err != nil || id != "abc" {
			t.Errorf("batchID(%s) = %q, %v", raw, id, err)
		}
	}
	if _, err := batchID(json.RawMessage(`{}`)); !errors.Is(err, ErrBatchFailed) {
		t.Errorf("empty batch id error = %v", err)
	}
}
