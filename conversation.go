package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// Callback payloads carried by the inline buttons.
const (
	cbSetupWallet = "setupwallet"
	cbSetupToken  = "setuptoken"
	cbBuy         = "buy"
	cbSell        = "sell"
	cbBalance     = "balance"
	cbHistory     = "history"
	cbSellPrefix  = "sell_"
)

var sellPercents = []uint8{20, 50, 70, 100}

const explorerTxURL = "https://solscan.io/tx/"

type Button struct {
	Label string
	Data  string
}

// Reply is one outgoing message. Text is Telegram flavoured HTML.
type Reply struct {
	Text    string
	Buttons [][]Button
	// ForgetInput asks the adapter to remove the user's message that triggered this reply, it may
	// hold a private key.
	ForgetInput bool
}

// Replier delivers replies to the chat the update came from.
type Replier interface {
	Reply(ctx context.Context, r Reply) error
}

type swapper interface {
	Execute(ctx context.Context, signer solana.PrivateKey, mint solana.PublicKey, dir SwapDir, amount uint64) (*SwapResult, error)
}

type balanceSource interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	TokenDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	TokenMetadata(ctx context.Context, mint solana.PublicKey) (TokenMeta, error)
}

type swapJournal interface {
	Record(ctx context.Context, entry JournalEntry) (int64, error)
	Recent(ctx context.Context, chatID int64, limit int) ([]JournalEntry, error)
}

// defaultFeeReserve is kept back from a buy for the network fee and the rent of new token accounts.
const defaultFeeReserve uint64 = 5_000_000

type ConversationOptions struct {
	// DefaultSigner is bound to every new session. Empty means each chat brings its own wallet.
	DefaultSigner solana.PrivateKey
	HistoryLimit  int
	// FeeReserve is the part of the SOL balance a buy may not spend (default 0.005 SOL).
	FeeReserve uint64
	// SlippageBps is only shown to the user, the executor's policy is what applies.
	SlippageBps uint16
}

// Conversation turns chat input into session transitions and swap/balance calls. It knows nothing
// about the chat platform, adapters hand it chat ids and text and render the replies it produces.
// Calls for the same chat must not run concurrently.
type Conversation struct {
	store    SessionStore
	swaps    swapper
	balances balanceSource
	journal  swapJournal
	opts     ConversationOptions
	log      *zap.Logger
	now      func() time.Time
}

// NewConversation wires the state machine. journal may be nil.
func NewConversation(store SessionStore, swaps swapper, balances balanceSource, journal swapJournal, opts ConversationOptions, log *zap.Logger) *Conversation {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.FeeReserve == 0 {
		opts.FeeReserve = defaultFeeReserve
	}
	return &Conversation{
		store:    store,
		swaps:    swaps,
		balances: balances,
		journal:  journal,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

func (c *Conversation) session(ctx context.Context, chatID int64) (*Session, error) {
	sess, created, err := c.store.Ensure(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if created && len(c.opts.DefaultSigner) > 0 {
		sess.Signer = append(solana.PrivateKey(nil), c.opts.DefaultSigner...)
		// not every path saves, the stored session must carry the wallet from the start
		if err := c.store.Save(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Start is /start: ask for a wallet if there isn't one, otherwise show the menu.
func (c *Conversation) Start(ctx context.Context, chatID int64, out Replier) error {
	sess, err := c.session(ctx, chatID)
	if err != nil {
		return err
	}
	if !sess.HasWallet() {
		sess.Step = StepAwaitingWalletKey
		if err := c.store.Save(ctx, sess); err != nil {
			return err
		}
		return out.Reply(ctx, Reply{Text: "👋 Welcome! Let's set up your wallet first.\n\n" + walletPrompt})
	}
	sess.Step = StepIdle
	if err := c.store.Save(ctx, sess); err != nil {
		return err
	}
	return out.Reply(ctx, c.menu("👋 Welcome back!\n\n"+summary(sess)))
}

func (c *Conversation) Help(ctx context.Context, chatID int64, out Replier) error {
	sess, err := c.session(ctx, chatID)
	if err != nil {
		return err
	}
	return out.Reply(ctx, c.menu(helpText+"\n\n"+summary(sess)))
}

// Cancel abandons whatever the chat was in the middle of.
func (c *Conversation) Cancel(ctx context.Context, chatID int64, out Replier) error {
	sess, ok, err := c.store.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if ok && sess.Step != StepIdle {
		sess.Step = StepIdle
		if err := c.store.Save(ctx, sess); err != nil {
			return err
		}
		return out.Reply(ctx, c.menu("Cancelled."))
	}
	return out.Reply(ctx, c.menu("Nothing to cancel."))
}

func (c *Conversation) History(ctx context.Context, chatID int64, out Replier) error {
	if c.journal == nil {
		return out.Reply(ctx, Reply{Text: "Swap history is not enabled on this bot."})
	}
	entries, err := c.journal.Recent(ctx, chatID, c.opts.HistoryLimit)
	if err != nil {
		c.log.Error("reading swap history failed", zap.Int64("chat", chatID), zap.Error(err))
		return out.Reply(ctx, errorReply(err))
	}
	if len(entries) == 0 {
		return out.Reply(ctx, c.menu("No swaps yet."))
	}
	return out.Reply(ctx, c.menu("<pre>"+html.EscapeString(renderHistory(entries))+"</pre>"))
}

// HandleCallback handles an inline button press.
func (c *Conversation) HandleCallback(ctx context.Context, chatID int64, data string, out Replier) error {
	sess, err := c.session(ctx, chatID)
	if err != nil {
		return err
	}
	switch data {
	case cbSetupWallet:
		sess.Step = StepAwaitingWalletKey
		return c.saveAndReply(ctx, sess, out, Reply{Text: walletPrompt})
	case cbSetupToken:
		sess.Step = StepAwaitingToken
		return c.saveAndReply(ctx, sess, out, Reply{Text: tokenPrompt})
	case cbBuy:
		return c.startBuy(ctx, sess, out)
	case cbSell:
		return c.startSell(ctx, sess, out)
	case cbBalance:
		return c.showBalance(ctx, sess, out)
	case cbHistory:
		return c.History(ctx, chatID, out)
	}
	if pct, ok := strings.CutPrefix(data, cbSellPrefix); ok {
		return c.sellPercent(ctx, sess, pct, out)
	}
	c.log.Debug("unknown callback", zap.Int64("chat", chatID), zap.String("data", data))
	return out.Reply(ctx, c.menu("I don't know that action."))
}

// HandleText interprets free text according to the chat's current step.
func (c *Conversation) HandleText(ctx context.Context, chatID int64, text string, out Replier) error {
	sess, err := c.session(ctx, chatID)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)

	switch sess.Step {
	case StepAwaitingWalletKey:
		return c.acceptWalletKey(ctx, sess, text, out)
	case StepAwaitingToken:
		return c.acceptToken(ctx, sess, text, out)
	case StepAwaitingBuyAmount:
		return c.acceptBuyAmount(ctx, sess, text, out)
	case StepAwaitingSellPercent:
		return out.Reply(ctx, sellMenu("Pick one of the buttons below."))
	default:
		return out.Reply(ctx, c.menu("What would you like to do?"))
	}
}

func (c *Conversation) acceptWalletKey(ctx context.Context, sess *Session, text string, out Replier) error {
	signer, err := parseWalletKey(text)
	if err != nil {
		return out.Reply(ctx, Reply{Text: "❌ " + html.EscapeString(err.Error()) + "\n\n" + walletPrompt, ForgetInput: true})
	}
	sess.Signer = signer
	sess.Lamports, sess.TokenAmount, sess.BalancesAt = 0, 0, time.Time{}
	c.log.Info("wallet bound", zap.Int64("chat", sess.ChatID), zap.Stringer("owner", Addr(signer.PublicKey().String())))

	text = fmt.Sprintf("✅ Wallet set: <code>%s</code>", signer.PublicKey())
	if !sess.HasToken() {
		sess.Step = StepAwaitingToken
		if err := c.store.Save(ctx, sess); err != nil {
			return err
		}
		return out.Reply(ctx, Reply{Text: text + "\n\n" + tokenPrompt, ForgetInput: true})
	}
	sess.Step = StepIdle
	if err := c.store.Save(ctx, sess); err != nil {
		return err
	}
	reply := c.menu(text)
	reply.ForgetInput = true
	return out.Reply(ctx, reply)
}

func (c *Conversation) acceptToken(ctx context.Context, sess *Session, text string, out Replier) error {
	mint, err := parseTokenMint(text)
	if err != nil {
		return out.Reply(ctx, Reply{Text: "❌ " + html.EscapeString(err.Error()) + "\n\n" + tokenPrompt})
	}
	sess.Mint = mint
	sess.TokenAmount, sess.BalancesAt = 0, time.Time{}
	sess.Step = StepIdle
	msg := fmt.Sprintf("✅ Token set to: <code>%s</code>", mint)
	if label := c.tokenLabel(ctx, mint); label != "" {
		msg += " (" + html.EscapeString(label) + ")"
	}
	return c.saveAndReply(ctx, sess, out, c.menu(msg))
}

func (c *Conversation) startBuy(ctx context.Context, sess *Session, out Replier) error {
	if err := requireWalletAndToken(sess); err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	sess.Step = StepAwaitingBuyAmount
	prompt := "Enter the amount of SOL to spend:"
	if c.opts.SlippageBps > 0 {
		prompt = fmt.Sprintf("Slippage tolerance is %s.\n%s", formatBps(c.opts.SlippageBps), prompt)
	}
	if lamports, err := c.balances.NativeBalance(ctx, sess.Owner()); err == nil {
		c.cacheNative(sess, lamports)
		prompt = fmt.Sprintf("You have <b>%s SOL</b>.\n%s", displaySOL(lamports), prompt)
	} else {
		c.log.Warn("native balance lookup failed", zap.Int64("chat", sess.ChatID), zap.Error(err))
	}
	return c.saveAndReply(ctx, sess, out, Reply{Text: prompt})
}

func (c *Conversation) acceptBuyAmount(ctx context.Context, sess *Session, text string, out Replier) error {
	lamports, err := parseSOLAmount(text)
	if err != nil {
		inputErr := &InputError{Field: "amount", Reason: err.Error()}
		return out.Reply(ctx, Reply{Text: "❌ " + html.EscapeString(inputErr.Error()) + "\nEnter the amount of SOL to spend:"})
	}
	if err := requireWalletAndToken(sess); err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	native, err := c.balances.NativeBalance(ctx, sess.Owner())
	if err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	c.cacheNative(sess, native)
	if spendable := c.spendable(native); lamports > spendable {
		if err := c.store.Save(ctx, sess); err != nil {
			return err
		}
		return out.Reply(ctx, Reply{Text: fmt.Sprintf("❌ %s You have %s SOL, at most %s SOL can be spent after keeping %s SOL for fees.\nEnter the amount of SOL to spend:",
			html.EscapeString(ErrInsufficientBalance.Error()+"."), displaySOL(native), displaySOL(spendable), displaySOL(c.opts.FeeReserve))})
	}

	if err := out.Reply(ctx, Reply{Text: fmt.Sprintf("⏳ Buying with %s SOL…", displaySOL(lamports))}); err != nil {
		return err
	}
	return c.execute(ctx, sess, SwapDirBuy, lamports, out)
}

// spendable is what a buy may use of a native balance once the fee reserve is kept back.
func (c *Conversation) spendable(native uint64) uint64 {
	if native <= c.opts.FeeReserve {
		return 0
	}
	return native - c.opts.FeeReserve
}

func (c *Conversation) startSell(ctx context.Context, sess *Session, out Replier) error {
	if err := requireWalletAndToken(sess); err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	amount, err := c.balances.TokenBalance(ctx, sess.Owner(), sess.Mint)
	if err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	c.cacheToken(sess, amount)
	if amount == 0 {
		return c.failAndIdle(ctx, sess, out, ErrNothingToSell)
	}
	sess.Step = StepAwaitingSellPercent
	return c.saveAndReply(ctx, sess, out, sellMenu("💰 Select how much you'd like to sell:"))
}

func (c *Conversation) sellPercent(ctx context.Context, sess *Session, raw string, out Replier) error {
	pct, err := parseSellPercent(raw)
	if err != nil {
		return out.Reply(ctx, Reply{Text: "❌ " + html.EscapeString(err.Error())})
	}
	if sess.Step != StepAwaitingSellPercent {
		return out.Reply(ctx, c.menu("That sell menu has expired, tap Sell again."))
	}
	if err := requireWalletAndToken(sess); err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	balance, err := c.balances.TokenBalance(ctx, sess.Owner(), sess.Mint)
	if err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	c.cacheToken(sess, balance)
	amount := shareOf(balance, pct)
	if amount == 0 {
		return c.failAndIdle(ctx, sess, out, ErrNothingToSell)
	}

	if err := out.Reply(ctx, Reply{Text: fmt.Sprintf("⏳ Selling %d%% of your tokens…", pct)}); err != nil {
		return err
	}
	return c.execute(ctx, sess, SwapDirSell, amount, out)
}

// execute runs the swap, journals it and always leaves the session idle.
func (c *Conversation) execute(ctx context.Context, sess *Session, dir SwapDir, amount uint64, out Replier) error {
	res, swapErr := c.swaps.Execute(ctx, sess.Signer, sess.Mint, dir, amount)
	c.record(ctx, sess, dir, amount, res, swapErr)

	sess.Step = StepIdle
	if swapErr != nil {
		c.log.Warn("swap failed", zap.Int64("chat", sess.ChatID), zap.Stringer("dir", dir), zap.Error(swapErr))
		return c.saveAndReply(ctx, sess, out, c.menu(errorReply(swapErr).Text))
	}
	c.refreshBalances(ctx, sess)
	return c.saveAndReply(ctx, sess, out, c.menu(swapSuccessText(res)))
}

func (c *Conversation) record(ctx context.Context, sess *Session, dir SwapDir, amount uint64, res *SwapResult, swapErr error) {
	if c.journal == nil {
		return
	}
	entry := JournalEntry{
		ChatID:    sess.ChatID,
		Direction: dir,
		Mint:      sess.Mint.String(),
		InAmount:  amount,
		Status:    SwapSubmitted,
		CreatedAt: c.now(),
	}
	switch {
	case swapErr != nil:
		entry.Status = SwapFailed
		entry.Error = swapErr.Error()
	case res != nil:
		entry.QuotedOut = res.QuotedOut
		entry.Signature = res.Signature.String()
		if res.Landed {
			entry.Status = SwapLanded
		}
	}
	if _, err := c.journal.Record(ctx, entry); err != nil {
		c.log.Error("journal write failed", zap.Int64("chat", sess.ChatID), zap.Error(err))
	}
}

func (c *Conversation) showBalance(ctx context.Context, sess *Session, out Replier) error {
	if !sess.HasWallet() {
		return c.failAndIdle(ctx, sess, out, ErrWalletNotConfigured)
	}
	native, err := c.balances.NativeBalance(ctx, sess.Owner())
	if err != nil {
		return c.failAndIdle(ctx, sess, out, err)
	}
	c.cacheNative(sess, native)
	var decimals uint8
	if sess.HasToken() {
		amount, err := c.balances.TokenBalance(ctx, sess.Owner(), sess.Mint)
		if err != nil {
			return c.failAndIdle(ctx, sess, out, err)
		}
		c.cacheToken(sess, amount)
		if decimals, err = c.balances.TokenDecimals(ctx, sess.Mint); err != nil {
			c.log.Warn("mint decimals lookup failed", zap.Stringer("mint", Addr(sess.Mint.String())), zap.Error(err))
		}
	}
	table := renderBalances(sess.Owner(), sess.Mint, c.tokenLabel(ctx, sess.Mint), Balances{Lamports: sess.Lamports, TokenAmount: sess.TokenAmount}, decimals)
	sess.Step = StepIdle
	return c.saveAndReply(ctx, sess, out, c.menu("<pre>"+html.EscapeString(table)+"</pre>"))
}

// tokenLabel is the token's symbol, or "" when it has none or the lookup fails. Purely cosmetic.
func (c *Conversation) tokenLabel(ctx context.Context, mint solana.PublicKey) string {
	if isZeroPubkey(mint) {
		return ""
	}
	meta, err := c.balances.TokenMetadata(ctx, mint)
	if err != nil {
		if !errors.Is(err, errNoTokenMetadata) {
			c.log.Debug("token metadata lookup failed", zap.Stringer("mint", Addr(mint.String())), zap.Error(err))
		}
		return ""
	}
	return meta.Label()
}

// refreshBalances is best effort, a fire and forget swap may not be reflected yet anyway.
func (c *Conversation) refreshBalances(ctx context.Context, sess *Session) {
	if native, err := c.balances.NativeBalance(ctx, sess.Owner()); err == nil {
		c.cacheNative(sess, native)
	}
	if amount, err := c.balances.TokenBalance(ctx, sess.Owner(), sess.Mint); err == nil {
		c.cacheToken(sess, amount)
	}
}

func (c *Conversation) cacheNative(sess *Session, lamports uint64) {
	sess.Lamports = lamports
	sess.BalancesAt = c.now()
}

func (c *Conversation) cacheToken(sess *Session, amount uint64) {
	sess.TokenAmount = amount
	sess.BalancesAt = c.now()
}

// failAndIdle reports err and drops the chat back to idle.
func (c *Conversation) failAndIdle(ctx context.Context, sess *Session, out Replier, err error) error {
	sess.Step = StepIdle
	return c.saveAndReply(ctx, sess, out, c.menu(errorReply(err).Text))
}

func (c *Conversation) saveAndReply(ctx context.Context, sess *Session, out Replier, reply Reply) error {
	if err := c.store.Save(ctx, sess); err != nil {
		return err
	}
	return out.Reply(ctx, reply)
}

func (c *Conversation) menu(text string) Reply {
	return Reply{
		Text: text,
		Buttons: [][]Button{
			{{Label: "🔑 Setup Wallet", Data: cbSetupWallet}, {Label: "🪙 Setup Token", Data: cbSetupToken}},
			{{Label: "🟢 Buy", Data: cbBuy}, {Label: "🔴 Sell", Data: cbSell}},
			{{Label: "💼 Balance", Data: cbBalance}, {Label: "📜 History", Data: cbHistory}},
		},
	}
}

func sellMenu(text string) Reply {
	row := make([]Button, 0, len(sellPercents))
	for _, p := range sellPercents {
		row = append(row, Button{Label: fmt.Sprintf("%d%%", p), Data: fmt.Sprintf("%s%d", cbSellPrefix, p)})
	}
	return Reply{Text: text, Buttons: [][]Button{row}}
}

const (
	walletPrompt = "Send me your wallet's private key (base58). The message is deleted as soon as I've read it."
	tokenPrompt  = "Please enter the token address:"
	helpText     = "Set up a wallet and a token, then buy the token with SOL or sell a share of your holdings.\n\n" +
		"/start · set up or show the menu\n/cancel · abandon the current step\n/history · your recent swaps"
)

func summary(sess *Session) string {
	wallet, token := "not set", "not set"
	if sess.HasWallet() {
		wallet = "<code>" + Addr(sess.Owner().String()).String() + "</code>"
	}
	if sess.HasToken() {
		token = "<code>" + Addr(sess.Mint.String()).String() + "</code>"
	}
	return fmt.Sprintf("Wallet: %s\nToken: %s", wallet, token)
}

func swapSuccessText(res *SwapResult) string {
	verb := "Bought"
	if res.Direction == SwapDirSell {
		verb = "Sold"
	}
	status := "submitted"
	if res.Landed {
		status = "confirmed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s, transaction %s.\n", verb, status)
	if res.Direction == SwapDirBuy {
		fmt.Fprintf(&b, "Spent %s SOL for ~%d tokens (raw units).\n", displaySOL(res.InAmount), res.QuotedOut)
	} else {
		fmt.Fprintf(&b, "Sold %d tokens (raw units) for ~%s SOL.\n", res.InAmount, displaySOL(res.QuotedOut))
	}
	if res.Route != "" {
		fmt.Fprintf(&b, "Route: %s\n", html.EscapeString(res.Route))
	}
	fmt.Fprintf(&b, `<a href="%s%s">View on Solscan</a>`, explorerTxURL, res.Signature)
	return b.String()
}

// errorReply picks the user facing text for err.
func errorReply(err error) Reply {
	var (
		inputErr  *InputError
		aggErr    *AggregatorError
		failedErr *TransactionFailedError
	)
	var msg string
	switch {
	case errors.Is(err, ErrWalletNotConfigured), errors.Is(err, ErrTokenNotConfigured),
		errors.Is(err, ErrNothingToSell), errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInsufficientBalance):
		msg = err.Error()
	case errors.As(err, &inputErr):
		msg = inputErr.Error()
	case errors.As(err, &aggErr):
		msg = "Jupiter: " + aggErr.Message
	case errors.As(err, &failedErr):
		msg = failedErr.Error()
	default:
		msg = "Error: " + err.Error()
	}
	return Reply{Text: "❌ " + html.EscapeString(msg)}
}

func requireWalletAndToken(sess *Session) error {
	if !sess.HasWallet() {
		return ErrWalletNotConfigured
	}
	if !sess.HasToken() {
		return ErrTokenNotConfigured
	}
	return nil
}

// parseWalletKey accepts a base58 encoded 64 byte ed25519 secret key (seed followed by public key)
// and checks the halves belong together.
func parseWalletKey(text string) (solana.PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(text))
	if err != nil || len(raw) == 0 {
		return nil, &InputError{Field: "private key", Reason: "not a base58 string"}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, &InputError{Field: "private key", Reason: fmt.Sprintf("expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))}
	}
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !derived.Equal(ed25519.PrivateKey(raw)) {
		return nil, &InputError{Field: "private key", Reason: "public half does not match the secret"}
	}
	return solana.PrivateKey(raw), nil
}

func parseTokenMint(text string) (solana.PublicKey, error) {
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(text))
	if err != nil {
		return solana.PublicKey{}, &InputError{Field: "token address", Reason: "not a valid base58 address"}
	}
	if isZeroPubkey(mint) {
		return solana.PublicKey{}, &InputError{Field: "token address", Reason: "that's the empty address"}
	}
	if mint.Equals(wSOLMint) {
		return solana.PublicKey{}, &InputError{Field: "token address", Reason: "that's wrapped SOL, pick the token you want to trade against SOL"}
	}
	return mint, nil
}

func parseSellPercent(raw string) (uint8, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err == nil {
		for _, p := range sellPercents {
			if uint8(v) == p {
				return p, nil
			}
		}
	}
	return 0, &InputError{Field: "sell percentage", Reason: fmt.Sprintf("%q is not one of the offered choices", raw)}
}
