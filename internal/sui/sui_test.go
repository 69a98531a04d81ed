package sui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

func TestULEB128(t *testing.T) {
	tests := []struct {
		in   uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, tt := range tests {
		var e Encoder
		e.ULEB128(tt.in)
		if !bytes.Equal(e.Bytes(), tt.want) {
			t.Errorf("ULEB128(%d) = %x, want %x", tt.in, e.Bytes(), tt.want)
		}
	}
}

func TestPrimitives(t *testing.T) {
	if got := PureU64(0x0102); !bytes.Equal(got, []byte{2, 1, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("PureU64 = %x", got)
	}
	if got := PureBytes([]byte{0xaa, 0xbb}); !bytes.Equal(got, []byte{2, 0xaa, 0xbb}) {
		t.Errorf("PureBytes = %x", got)
	}
	var e Encoder
	e.Bool(true)
	e.U16(0x0304)
	e.Str("ab")
	if !bytes.Equal(e.Bytes(), []byte{1, 4, 3, 2, 'a', 'b'}) {
		t.Errorf("encoded = %x", e.Bytes())
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		last    byte
	}{
		{"0x6", false, 0x06},
		{"0x0000000000000000000000000000000000000000000000000000000000000002", false, 0x02},
		{"abc", false, 0xbc},
		{"", true, 0},
		{"0xzz", true, 0},
		{"0x" + string(bytes.Repeat([]byte("1"), 65)), true, 0},
	}
	for _, tt := range tests {
		a, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && a[31] != tt.last {
			t.Errorf("ParseAddress(%q) last byte = %x, want %x", tt.in, a[31], tt.last)
		}
	}
	if ClockObjectID.String() != "0x0000000000000000000000000000000000000000000000000000000000000006" {
		t.Errorf("clock id = %s", ClockObjectID)
	}
}

func TestParseStructTag(t *testing.T) {
	tag, err := ParseStructTag(SuiCoinType)
	if err != nil {
		t.Fatalf("ParseStructTag failed: %v", err)
	}
	if tag.Module != "sui" || tag.Name != "SUI" || tag.Address[31] != 2 {
		t.Errorf("tag = %+v", tag)
	}
	for _, bad := range []string{"0x2::sui", "0x2::coin::Coin<0x2::sui::SUI>", "zz::a::b", "0x2::::SUI"} {
		if _, err := ParseStructTag(bad); err == nil {
			t.Errorf("ParseStructTag(%q) should fail", bad)
		}
	}
}

func TestTransactionData(t *testing.T) {
	sender := MustAddress("0xa1")
	pkg := MustAddress("0xb2")
	digest := bytes.Repeat([]byte{0x07}, 32)
	gasRef := ObjectRef{ObjectID: MustAddress("0xc3"), Version: 9, Digest: digest}

	b := NewBuilder()
	amount := b.Pure(PureU64(1000))
	b.SplitCoins(GasCoin, amount)
	clock := b.Clock()
	b.MoveCall(pkg, "htlc", "initiate", nil, NestedResult(0, 0), clock)

	got := b.TransactionData(sender, GasData{Payment: []ObjectRef{gasRef}, Owner: sender, Price: 750, Budget: 5_000_000})

	var w Encoder
	w.ULEB128(0) // V1
	w.ULEB128(0) // programmable
	w.ULEB128(2) // inputs
	w.ULEB128(0)
	w.VecU8(PureU64(1000))
	w.ULEB128(1)
	w.ULEB128(1)
	w.Address(ClockObjectID)
	w.U64(1)
	w.Bool(false)
	w.ULEB128(2) // commands
	w.ULEB128(2) // SplitCoins
	w.ULEB128(0) // GasCoin
	w.ULEB128(1)
	w.ULEB128(1) // Input
	w.U16(0)
	w.ULEB128(0) // MoveCall
	w.Address(pkg)
	w.Str("htlc")
	w.Str("initiate")
	w.ULEB128(0)
	w.ULEB128(2)
	w.ULEB128(3) // NestedResult
	w.U16(0)
	w.U16(0)
	w.ULEB128(1) // Input
	w.U16(1)
	w.Address(sender)
	w.ULEB128(1)
	w.Address(gasRef.ObjectID)
	w.U64(9)
	w.VecU8(digest)
	w.Address(sender)
	w.U64(750)
	w.U64(5_000_000)
	w.ULEB128(0)

	if !bytes.Equal(got, w.Bytes()) {
		t.Errorf("TransactionData mismatch\n got %x\nwant %x", got, w.Bytes())
	}
	if b.CommandCount() != 2 {
		t.Errorf("CommandCount = %d, want 2", b.CommandCount())
	}
}

func TestTypeArgumentEncoding(t *testing.T) {
	tag, _ := ParseStructTag(SuiCoinType)
	var e Encoder
	tag.encode(&e)
	addr := MustAddress("0x2")
	want := append([]byte{7}, addr[:]...)
	want = append(want, 3, 's', 'u', 'i', 3, 'S', 'U', 'I', 0)
	if !bytes.Equal(e.Bytes(), want) {
		t.Errorf("type tag = %x, want %x", e.Bytes(), want)
	}
}

func TestSigner(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	key := ed25519.NewKeyFromSeed(seed)
	s, err := NewSigner(key)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	pub := key.Public().(ed25519.PublicKey)
	wantAddr := blake2b.Sum256(append([]byte{FlagEd25519}, pub...))
	if s.Address() != Address(wantAddr) {
		t.Errorf("address = %s", s.Address())
	}

	tx := []byte("tx bytes")
	raw, err := base64.StdEncoding.DecodeString(s.SignTransaction(tx))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(raw) != 97 || raw[0] != FlagEd25519 {
		t.Fatalf("serialized signature length/flag = %d/%x", len(raw), raw[0])
	}
	if !bytes.Equal(raw[65:], pub) {
		t.Error("public key not appended")
	}
	digest := TransactionDigest(tx)
	if !ed25519.Verify(pub, digest[:], raw[1:65]) {
		t.Error("signature does not verify over intent digest")
	}
	wantDigest := blake2b.Sum256(append([]byte{0, 0, 0}, tx...))
	if digest != wantDigest {
		t.Error("digest must cover intent prefix")
	}

	if _, err := NewSigner(key[:10]); err == nil {
		t.Error("expected error for short key")
	}
	if err := ValidatePublicKey(pub[:31]); err == nil {
		t.Error("expected error for short public key")
	}
}

func TestParseObjectRef(t *testing.T) {
	digest := base58.Encode(bytes.Repeat([]byte{1}, 32))
	ref, err := ParseObjectRef("0x5", 3, digest)
	if err != nil {
		t.Fatalf("ParseObjectRef failed: %v", err)
	}
	if ref.Version != 3 || len(ref.Digest) != 32 {
		t.Errorf("ref = %+v", ref)
	}
	if _, err := ParseObjectRef("0x5", 3, "short"); err == nil {
		t.Error("expected error for bad digest")
	}
}

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, handle func(req rpcRequest) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, handle(req))
	}))
}

func TestClient(t *testing.T) {
	digest := base58.Encode(bytes.Repeat([]byte{2}, 32))
	var executed rpcRequest
	srv := newRPCServer(t, func(req rpcRequest) string {
		switch req.Method {
		case "suix_getCoins":
			if string(req.Params[2]) == "null" {
				return fmt.Sprintf(`{"data":[{"coinObjectId":"0x11","version":"4","digest":%q,"coinType":"0x2::sui::SUI","balance":"700"}],"hasNextPage":true,"nextCursor":"c1"}`, digest)
			}
			return fmt.Sprintf(`{"data":[{"coinObjectId":"0x12","version":"5","digest":%q,"coinType":"0x2::sui::SUI","balance":"300"}],"hasNextPage":false}`, digest)
		case "suix_getReferenceGasPrice":
			return `"750"`
		case "sui_getObject":
			return `{"data":{"objectId":"0x99","owner":{"Shared":{"initial_shared_version":17}}}}`
		case "sui_dryRunTransactionBlock":
			return `{"effects":{"status":{"status":"failure","error":"MoveAbort(1)"},"gasUsed":{"computationCost":"1000","storageCost":"500","storageRebate":"200"}}}`
		case "sui_executeTransactionBlock":
			executed = req
			return `{"digest":"DIG","effects":{"status":{"status":"success"},"gasUsed":{"computationCost":"10","storageCost":"0","storageRebate":"0"}}}`
		}
		return `null`
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	owner := MustAddress("0xa1")

	coins, err := c.GetCoins(ctx, owner, SuiCoinType)
	if err != nil {
		t.Fatalf("GetCoins failed: %v", err)
	}
	if len(coins) != 2 || coins[0].Balance != 700 || coins[1].Ref.Version != 5 {
		t.Errorf("coins = %+v", coins)
	}

	price, err := c.GetReferenceGasPrice(ctx)
	if err != nil || price != 750 {
		t.Errorf("gas price = %d, %v", price, err)
	}

	obj, err := c.GetSharedObject(ctx, MustAddress("0x99"), true)
	if err != nil {
		t.Fatalf("GetSharedObject failed: %v", err)
	}
	if obj.InitialSharedVersion != 17 || !obj.Mutable {
		t.Errorf("shared = %+v", obj)
	}

	dry, err := c.DryRun(ctx, []byte{1, 2})
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if dry.Success || dry.Error != "MoveAbort(1)" || dry.GasUsed != 1300 {
		t.Errorf("dry run = %+v", dry)
	}

	res, err := c.Execute(ctx, []byte{1, 2}, "sig")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.Digest != "DIG" {
		t.Errorf("execute = %+v", res)
	}
	if len(executed.Params) != 4 || string(executed.Params[0]) != `"AQI="` {
		t.Errorf("execute params = %s", executed.Params)
	}
}

func TestGetSharedObjectNotShared(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) string {
		return `{"data":{"objectId":"0x99","owner":{"AddressOwner":"0x1"}}}`
	})
	defer srv.Close()

	if _, err := NewClient(srv.URL).GetSharedObject(context.Background(), MustAddress("0x99"), false); err == nil {
		t.Error("expected error for owned object")
	}
}
