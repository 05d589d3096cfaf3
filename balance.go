package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// splTokenAccountLen is the size of a plain SPL token account. Token-2022 accounts share the same
// prefix and append extensions after it.
const splTokenAccountLen = 165

const (
	splMintLen         = 82
	mintDecimalsOffset = 44
)

// chainClient is the part of *rpc.Client we talk to. Kept narrow so tests can stand in for the node.
type chainClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	SendRawTransactionWithOpts(ctx context.Context, txData []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Balances is a point in time view of a wallet for the configured token.
type Balances struct {
	Lamports    uint64
	TokenAmount uint64
}

type BalanceReader struct {
	client     chainClient
	commitment rpc.CommitmentType
	log        *zap.Logger

	// mint -> mintInfo. Owner and decimals of a mint never change so this is never invalidated.
	mints sync.Map
	// mint -> TokenMeta
	meta sync.Map
}

func NewBalanceReader(client chainClient, commitment rpc.CommitmentType, log *zap.Logger) *BalanceReader {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BalanceReader{client: client, commitment: commitment, log: log}
}

// NativeBalance returns the owner's SOL balance in lamports.
func (br *BalanceReader) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	res, err := br.client.GetBalance(ctx, owner, br.commitment)
	if err != nil {
		return 0, fmt.Errorf("rpc call getBalance failed: %w", err)
	}
	if res == nil {
		return 0, errors.New("rpc call getBalance failed, returned an empty response")
	}
	return res.Value, nil
}

// TokenBalance returns the raw token amount held in the owner's associated token account for mint.
// An owner that never received the token has no such account, that's reported as 0.
func (br *BalanceReader) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	program, err := br.tokenProgramFor(ctx, mint)
	if err != nil {
		return 0, err
	}
	ata, err := associatedTokenAddress(owner, mint, program)
	if err != nil {
		return 0, fmt.Errorf("deriving associated token account for %s: %w", Addr(mint.String()), err)
	}

	res, err := br.client.GetAccountInfoWithOpts(ctx, ata, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: br.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rpc call getAccountInfo failed for %s: %w", Addr(ata.String()), err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return 0, nil
	}

	acc, err := decodeTokenAccount(res.Value.Data.GetBinary())
	if err != nil {
		return 0, fmt.Errorf("decoding token account %s: %w", Addr(ata.String()), err)
	}
	if !acc.Mint.Equals(mint) || !acc.Owner.Equals(owner) {
		return 0, fmt.Errorf("token account %s does not belong to %s/%s", Addr(ata.String()), Addr(owner.String()), Addr(mint.String()))
	}
	return acc.Amount, nil
}

// Snapshot reads both balances at once. Each goroutine writes to its own slot so there's nothing to
// lock, the WaitGroup is the only synchronisation.
func (br *BalanceReader) Snapshot(ctx context.Context, owner, mint solana.PublicKey) (Balances, error) {
	var (
		out  Balances
		errs [2]error
		wg   sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Lamports, errs[0] = br.NativeBalance(ctx, owner)
	}()
	go func() {
		defer wg.Done()
		out.TokenAmount, errs[1] = br.TokenBalance(ctx, owner, mint)
	}()
	wg.Wait()
	if err := errors.Join(errs[:]...); err != nil {
		return Balances{}, err
	}
	return out, nil
}

type mintInfo struct {
	program  solana.PublicKey
	decimals uint8
}

// TokenDecimals returns the mint's decimals, 0 for a mint that doesn't exist.
func (br *BalanceReader) TokenDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	info, err := br.mintInfo(ctx, mint)
	if err != nil {
		return 0, err
	}
	return info.decimals, nil
}

func (br *BalanceReader) tokenProgramFor(ctx context.Context, mint solana.PublicKey) (solana.PublicKey, error) {
	info, err := br.mintInfo(ctx, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return info.program, nil
}

// mintInfo looks at who owns the mint account, same switch we use for metadata: classic SPL Token
// mints and Token-2022 mints derive their associated accounts under different program ids.
func (br *BalanceReader) mintInfo(ctx context.Context, mint solana.PublicKey) (mintInfo, error) {
	if cached, ok := br.mints.Load(mint); ok {
		return cached.(mintInfo), nil
	}
	res, err := br.client.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: br.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (res == nil || res.Value == nil)) {
		// No mint, no balance. The classic program is as good a guess as any and the ATA lookup
		// that follows will come back empty. Not cached, the mint may still get created.
		br.log.Debug("mint account not found", zap.Stringer("mint", Addr(mint.String())))
		return mintInfo{program: solana.TokenProgramID}, nil
	}
	if err != nil {
		return mintInfo{}, fmt.Errorf("rpc call getAccountInfo failed for mint %s: %w", Addr(mint.String()), err)
	}

	info := mintInfo{program: solana.TokenProgramID}
	switch res.Value.Owner.String() {
	case solana.Token2022ProgramID.String():
		info.program = solana.Token2022ProgramID
	case solana.TokenProgramID.String():
	default:
		return mintInfo{}, fmt.Errorf("%s is not a token mint (owner=%s)", Addr(mint.String()), Addr(res.Value.Owner.String()))
	}
	if res.Value.Data != nil {
		data := res.Value.Data.GetBinary()
		if len(data) < splMintLen {
			return mintInfo{}, fmt.Errorf("mint %s data too short: %d bytes", Addr(mint.String()), len(data))
		}
		info.decimals = data[mintDecimalsOffset]
	}
	br.mints.Store(mint, info)
	return info, nil
}

func associatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			owner.Bytes(),
			tokenProgram.Bytes(),
			mint.Bytes(),
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

func decodeTokenAccount(data []byte) (*token.Account, error) {
	if len(data) < splTokenAccountLen {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	var acc token.Account
	if err := bin.NewBinDecoder(data[:splTokenAccountLen]).Decode(&acc); err != nil {
		return nil, err
	}
	return &acc, nil
}
