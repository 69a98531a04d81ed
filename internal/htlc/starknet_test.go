package htlc

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/starknet"
)

const (
	snAccount = "0x0591b3a7e2d6a1d7cf7d7bbe6b4de77ab44e9b2c6d1ef8f5f4b3a8d1e0a7c3b1"
	snHTLC    = "0x0abc"
	snToken   = "0x0def"
	snCounter = "0x0123"
)

type fakeStarknetReader struct {
	allowance *big.Int
	calls     []starknet.FunctionCall
}

func (f *fakeStarknetReader) Call(_ context.Context, call starknet.FunctionCall) ([]*big.Int, error) {
	f.calls = append(f.calls, call)
	if call.EntryPoint != "token" {
		return nil, errors.New("unexpected entry point " + call.EntryPoint)
	}
	v, _ := starknet.FeltFromHex(snToken)
	return []*big.Int{v}, nil
}

func (f *fakeStarknetReader) Allowance(context.Context, *big.Int, *big.Int, *big.Int) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeStarknetReader) ChainID(context.Context) (*big.Int, error) {
	return starknet.ShortString("SN_SEPOLIA")
}

type fakeAccount struct {
	executed [][]starknet.FunctionCall
	signed   []starknet.TypedData
}

func (f *fakeAccount) Address() string { return snAccount }

func (f *fakeAccount) Execute(_ context.Context, calls []starknet.FunctionCall) (string, error) {
	f.executed = append(f.executed, calls)
	return "0xexec", nil
}

func (f *fakeAccount) SignTypedData(_ context.Context, td starknet.TypedData) ([]string, error) {
	f.signed = append(f.signed, td)
	return []string{"0x1", "0x2"}, nil
}

func starknetFixture(allowance int64) (*StarknetActor, *fakeStarknetReader, *fakeAccount, *fakeRelay) {
	reader := &fakeStarknetReader{allowance: big.NewInt(allowance)}
	acct := &fakeAccount{}
	r := &fakeRelay{}
	return NewStarknetActor(StarknetConfig{Chain: chain.StarknetSepolia}, reader, acct, r), reader, acct, r
}

func TestStarknetInitiateSigned(t *testing.T) {
	a, reader, acct, r := starknetFixture(5000)
	o := testOrder(
		testLeg(chain.StarknetSepolia, snHTLC, snAccount, snCounter, 1000),
		testLeg(chain.EthereumSepolia, testHTLC.Hex(), testCounter, testCounter, 990),
	)

	tx, err := a.Initiate(context.Background(), o)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if tx != "0xrelaysn" {
		t.Errorf("tx = %s", tx)
	}
	if len(acct.executed) != 0 {
		t.Error("account executed despite sufficient allowance")
	}
	if len(reader.calls) != 1 || starknet.FeltHex(reader.calls[0].ContractAddress) != "0xabc" {
		t.Errorf("reader calls = %+v", reader.calls)
	}
	if len(acct.signed) != 1 {
		t.Fatalf("signed = %d, want 1", len(acct.signed))
	}
	td := acct.signed[0]
	if td.Domain.ChainID != "SN_SEPOLIA" || td.Domain.Name != "HTLC" || td.Domain.Revision != "1" {
		t.Errorf("domain = %+v", td.Domain)
	}
	if len(r.snInits) != 1 || r.snInits[0].PerformOn != "Source" || len(r.snInits[0].Signature) != 2 {
		t.Errorf("relay requests = %+v", r.snInits)
	}
}

func TestStarknetInitiateExecutes(t *testing.T) {
	a, _, acct, r := starknetFixture(0)
	o := testOrder(
		testLeg(chain.StarknetSepolia, snHTLC, snAccount, snCounter, 1000),
		testLeg(chain.EthereumSepolia, testHTLC.Hex(), testCounter, testCounter, 990),
	)

	tx, err := a.Initiate(context.Background(), o)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if tx != "0xexec" {
		t.Errorf("tx = %s", tx)
	}
	if len(r.snInits) != 0 {
		t.Error("relay used despite missing allowance")
	}
	if len(acct.executed) != 1 || len(acct.executed[0]) != 2 {
		t.Fatalf("executed = %+v", acct.executed)
	}

	approve, initiate := acct.executed[0][0], acct.executed[0][1]
	if approve.EntryPoint != "approve" || starknet.FeltHex(approve.ContractAddress) != "0xdef" {
		t.Errorf("approve call = %+v", approve)
	}
	if len(approve.Calldata) != 3 || approve.Calldata[1].Int64() != 1000 || approve.Calldata[2].Sign() != 0 {
		t.Errorf("approve calldata = %v", approve.Calldata)
	}

	if initiate.EntryPoint != "initiate" || starknet.FeltHex(initiate.ContractAddress) != "0xabc" {
		t.Errorf("initiate call = %+v", initiate)
	}
	// redeemer, timelock, amount.low, amount.high, len, hash limbs
	if len(initiate.Calldata) != 7 {
		t.Fatalf("initiate calldata length = %d, want 7", len(initiate.Calldata))
	}
	if initiate.Calldata[1].Int64() != 144 || initiate.Calldata[2].Int64() != 1000 || initiate.Calldata[4].Int64() != 2 {
		t.Errorf("initiate calldata = %v", initiate.Calldata)
	}
}

func TestStarknetRedeemAndRefund(t *testing.T) {
	a, _, _, r := starknetFixture(0)
	o := testOrder(
		testLeg(chain.EthereumSepolia, testHTLC.Hex(), testCounter, testCounter, 1000),
		testLeg(chain.StarknetSepolia, snHTLC, snCounter, "0x591b3a7e2d6a1d7cf7d7bbe6b4de77ab44e9b2c6d1ef8f5f4b3a8d1e0a7c3b1", 990),
	)
	if _, err := a.Redeem(context.Background(), o, testSecret); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if len(r.redeems) != 1 || r.redeems[0].PerformOn != "Destination" {
		t.Errorf("redeems = %+v", r.redeems)
	}

	mine := testOrder(
		testLeg(chain.StarknetSepolia, snHTLC, snAccount, snCounter, 1000),
		testLeg(chain.EthereumSepolia, testHTLC.Hex(), testCounter, testCounter, 990),
	)
	if _, err := a.Refund(context.Background(), mine); !errors.Is(err, ErrRefundUnsupported) {
		t.Errorf("refund error = %v", err)
	}
}
