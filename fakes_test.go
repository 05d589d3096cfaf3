package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// fakeChain stands in for the RPC node. Accounts that aren't registered come back as
// rpc.ErrNotFound, which is what the real client returns for a null account.
type fakeChain struct {
	mu       sync.Mutex
	lamports map[solana.PublicKey]uint64
	accounts map[solana.PublicKey]*rpc.Account
	statuses []*rpc.SignatureStatusesResult

	balanceErr error
	sendErr    error
	sent       [][]byte
	sendOpts   []rpc.TransactionOpts
	polls      int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		lamports: make(map[solana.PublicKey]uint64),
		accounts: make(map[solana.PublicKey]*rpc.Account),
	}
}

func (fc *fakeChain) GetBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.balanceErr != nil {
		return nil, fc.balanceErr
	}
	return &rpc.GetBalanceResult{Value: fc.lamports[account]}, nil
}

func (fc *fakeChain) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	acc, ok := fc.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acc}, nil
}

func (fc *fakeChain) SendRawTransactionWithOpts(_ context.Context, txData []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.sendErr != nil {
		return solana.Signature{}, fc.sendErr
	}
	fc.sent = append(fc.sent, txData)
	fc.sendOpts = append(fc.sendOpts, opts)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txData))
	if err != nil || len(tx.Signatures) == 0 {
		return solana.Signature{}, err
	}
	return tx.Signatures[0], nil
}

func (fc *fakeChain) GetSignatureStatuses(_ context.Context, _ bool, _ ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.polls++
	if len(fc.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	next := fc.statuses[0]
	if len(fc.statuses) > 1 {
		fc.statuses = fc.statuses[1:]
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{next}}, nil
}

func (fc *fakeChain) setMint(mint, program solana.PublicKey) {
	fc.setMintWithDecimals(mint, program, 6)
}

func (fc *fakeChain) setMintWithDecimals(mint, program solana.PublicKey, decimals uint8) {
	data := make([]byte, splMintLen)
	data[mintDecimalsOffset] = decimals
	data[45] = 1 // initialized
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.accounts[mint] = &rpc.Account{
		Owner: program,
		Data:  rpc.DataBytesOrJSONFromBytes(data),
	}
}

// setTokenBalance registers the owner's associated token account for mint holding amount.
func (fc *fakeChain) setTokenBalance(t *testing.T, owner, mint, program solana.PublicKey, amount uint64) {
	t.Helper()
	ata, err := associatedTokenAddress(owner, mint, program)
	if err != nil {
		t.Fatalf("derive ata: %v", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.accounts[ata] = &rpc.Account{
		Owner: program,
		Data:  rpc.DataBytesOrJSONFromBytes(tokenAccountBytes(mint, owner, amount)),
	}
}

func (fc *fakeChain) sentCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.sent)
}

// tokenAccountBytes lays out an initialized SPL token account.
func tokenAccountBytes(mint, owner solana.PublicKey, amount uint64) []byte {
	buf := make([]byte, splTokenAccountLen)
	copy(buf[0:32], mint[:])
	copy(buf[32:64], owner[:])
	binary.LittleEndian.PutUint64(buf[64:72], amount)
	// delegate: COption none (72..108)
	buf[108] = 1 // state: initialized
	// is_native: COption none (109..121), delegated_amount (121..129), close_authority none (129..165)
	return buf
}

// unsignedSwapBlob builds what the aggregator hands back: a base64 transaction with the payer's
// signature slot zeroed.
func unsignedSwapBlob(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1_000, payer, solana.NewWallet().PublicKey()).Build(),
		},
		solana.Hash{1, 2, 3},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

type fakeAggregator struct {
	mu        sync.Mutex
	t         *testing.T
	quoteErr  error
	swapErr   error
	outAmount string
	blob      string
	quotes    []QuoteRequest
	swapUsers []solana.PublicKey
}

func (fa *fakeAggregator) Quote(_ context.Context, req QuoteRequest) (*Quote, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.quotes = append(fa.quotes, req)
	if fa.quoteErr != nil {
		return nil, fa.quoteErr
	}
	out := fa.outAmount
	if out == "" {
		out = "12345"
	}
	q := &Quote{
		InputMint:  req.InputMint.String(),
		OutputMint: req.OutputMint.String(),
		OutAmount:  out,
		RoutePlan:  []RoutePlanStep{{Percent: 100}},
	}
	q.RoutePlan[0].SwapInfo.Label = "Raydium CPMM"
	q.Raw = []byte(`{"outAmount":"` + out + `"}`)
	return q, nil
}

func (fa *fakeAggregator) SwapTransaction(_ context.Context, _ *Quote, user solana.PublicKey, _ PriorityFee) (string, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.swapUsers = append(fa.swapUsers, user)
	if fa.swapErr != nil {
		return "", fa.swapErr
	}
	if fa.blob != "" {
		return fa.blob, nil
	}
	return unsignedSwapBlob(fa.t, user), nil
}

func (fa *fakeAggregator) lastQuote() (QuoteRequest, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.quotes) == 0 {
		return QuoteRequest{}, false
	}
	return fa.quotes[len(fa.quotes)-1], true
}
