package disputer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/chain"
	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
)

const (
	governanceABIJSON = `[
		{"inputs":[],"name":"getDisputeFee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"bytes32","name":"_hash","type":"bytes32"}],"name":"getVoteRounds","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"bytes32","name":"_queryId","type":"bytes32"}],"name":"getOpenDisputesOnId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"bytes32","name":"_queryId","type":"bytes32"},{"internalType":"uint256","name":"_timestamp","type":"uint256"}],"name":"beginDispute","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`
	oracleABIJSON = `[
		{"inputs":[],"name":"getStakeAmount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"bytes32","name":"_queryId","type":"bytes32"},{"internalType":"uint256","name":"_timestamp","type":"uint256"}],"name":"removeValue","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`
	tokenABIJSON = `[
		{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
	]`

	approveGasLimit = 60000
)

var (
	governanceABI abi.ABI
	oracleABI     abi.ABI
	tokenABI      abi.ABI
)

func init() {
	for _, item := range []struct {
		dst  *abi.ABI
		json string
	}{
		{&governanceABI, governanceABIJSON},
		{&oracleABI, oracleABIJSON},
		{&tokenABI, tokenABIJSON},
	} {
		parsed, err := abi.JSON(strings.NewReader(item.json))
		if err != nil {
			panic("failed to parse contract ABI: " + err.Error())
		}
		*item.dst = parsed
	}
}

// Disputer submits disputes and value removals on chain. Every skip path
// returns an empty link with a nil error; only transaction failures surface
// as errors.
type Disputer struct {
	cfg    config.DisputerConfig
	chains *chain.Manager
	logger zerolog.Logger

	key     *ecdsa.PrivateKey
	account common.Address
}

// New builds a Disputer. The private key is optional: without it every
// eligible dispute is logged and skipped.
func New(cfg config.DisputerConfig, chains *chain.Manager, logger zerolog.Logger) (*Disputer, error) {
	d := &Disputer{
		cfg:    cfg,
		chains: chains,
		logger: logger.With().Str("component", "disputer").Logger(),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse disputer private key: %w", err)
		}
		d.key = key
		d.account = crypto.PubkeyToAddress(key.PublicKey)
		if cfg.Account != "" && !strings.EqualFold(cfg.Account, d.account.Hex()) {
			return nil, fmt.Errorf("disputer.account %s does not match private key address %s", cfg.Account, d.account.Hex())
		}
	}

	return d, nil
}

// Account returns the signing address, zero when no key is configured.
func (d *Disputer) Account() common.Address { return d.account }

// Dispute begins a dispute against the report if the query id is selected in
// the monitored feeds or the dispute-all list. It returns the explorer link of
// the beginDispute transaction, or an empty string when the report was skipped.
func (d *Disputer) Dispute(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) (string, error) {
	if len(snap.Monitored) == 0 && len(snap.DisputeAll) == 0 {
		d.logger.Info().Msg("currently not auto-disputing on any feeds")
		return "", nil
	}

	_, monitored := snap.MonitoredFor(report.QueryID)
	if !monitored && !snap.IsDisputeAll(report.ChainID, report.QueryID) {
		d.logger.Info().
			Uint64("chain_id", report.ChainID).
			Str("query_id", report.QueryID).
			Msg("disputable report outside selected feeds, skipping dispute")
		return "", nil
	}

	if d.key == nil {
		d.logger.Info().Uint64("chain_id", report.ChainID).Msg("no account provided, skipping eligible dispute")
		return "", nil
	}

	client, ok := d.chains.Client(report.ChainID)
	if !ok {
		d.logger.Error().Uint64("chain_id", report.ChainID).Msg("无法 dispute: 该链未配置 endpoint")
		return "", nil
	}

	governance, ok := client.GovernanceAddress()
	if !ok {
		d.logger.Error().Uint64("chain_id", report.ChainID).Msg("governance contract not configured")
		return "", nil
	}
	token, ok := client.TokenAddress()
	if !ok {
		d.logger.Error().Uint64("chain_id", report.ChainID).Msg("token contract not configured")
		return "", nil
	}

	balance, err := d.rawTokenBalance(ctx, client, token, d.account)
	if err != nil {
		d.logger.Error().Err(err).Msg("unable to retrieve disputer account balance")
		return "", nil
	}
	d.logger.Info().
		Str("account", d.account.Hex()).
		Uint64("chain_id", report.ChainID).
		Str("balance", balance.String()).
		Msg("disputer balance")

	fee, err := d.disputeFee(ctx, client, governance, report)
	if err != nil {
		d.logger.Error().Err(err).Uint64("chain_id", report.ChainID).Msg("unable to calculate dispute fee")
		return "", nil
	}
	d.logger.Info().
		Uint64("chain_id", report.ChainID).
		Str("fee", fee.String()).
		Msg("dispute fee")

	if balance.Cmp(fee) < 0 {
		d.logger.Info().Uint64("chain_id", report.ChainID).Msg("balance below dispute fee: need more tokens to initiate dispute")
		return "", nil
	}

	nonce, err := client.PendingNonceAt(ctx, d.account)
	if err != nil {
		return "", fmt.Errorf("retrieve account nonce on chain %d: %w", report.ChainID, err)
	}

	gasPrice, err := d.adjustedGasPrice(ctx, client)
	if err != nil {
		return "", err
	}

	// approve enough for repeated disputes so the allowance is not the limiter
	allowance := new(big.Int).Mul(fee, big.NewInt(100))
	approveData, err := tokenABI.Pack("approve", governance, allowance)
	if err != nil {
		return "", err
	}
	approveHash, err := d.signAndSend(ctx, client, token, approveData, nonce, approveGasLimit, gasPrice)
	if err != nil {
		return "", fmt.Errorf("approve dispute fee on chain %d: %w", report.ChainID, err)
	}
	d.logger.Info().Str("tx", approveHash).Msg("approval tx sent")

	disputeData, err := governanceABI.Pack("beginDispute",
		common.HexToHash(report.QueryID), submissionTimestamp(report))
	if err != nil {
		return "", err
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: d.account,
		To:   &governance,
		Data: disputeData,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas for dispute on chain %d: %w", report.ChainID, err)
	}
	disputeHash, err := d.signAndSend(ctx, client, governance, disputeData, nonce+1, gasLimit*12/10, gasPrice)
	if err != nil {
		return "", fmt.Errorf("begin dispute on %s at timestamp %d: %w",
			report.QueryID, submissionTimestamp(report).Uint64(), err)
	}

	report.StatusStr += ": disputed!"
	link := events.TxLink(client.ExplorerURL(), disputeHash)
	d.logger.Info().Str("tx_link", link).Msg("dispute submitted")
	return link, nil
}

// Remove removes the reported value from the oracle. Only managed feeds are
// eligible; the caller establishes removability before invoking this.
func (d *Disputer) Remove(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) (string, error) {
	if len(snap.Managed) == 0 {
		d.logger.Info().Msg("no managed feeds configured")
		return "", nil
	}

	if d.key == nil {
		d.logger.Info().Uint64("chain_id", report.ChainID).Msg("no account provided, skipping removable report")
		return "", nil
	}

	client, ok := d.chains.Client(report.ChainID)
	if !ok {
		d.logger.Error().Uint64("chain_id", report.ChainID).Msg("无法 remove: 该链未配置 endpoint")
		return "", nil
	}
	oracle, ok := client.OracleAddress()
	if !ok {
		d.logger.Error().Uint64("chain_id", report.ChainID).Msg("oracle contract not configured")
		return "", nil
	}

	nonce, err := client.PendingNonceAt(ctx, d.account)
	if err != nil {
		return "", fmt.Errorf("retrieve account nonce on chain %d: %w", report.ChainID, err)
	}
	gasPrice, err := d.adjustedGasPrice(ctx, client)
	if err != nil {
		return "", err
	}

	removeData, err := oracleABI.Pack("removeValue",
		common.HexToHash(report.QueryID), submissionTimestamp(report))
	if err != nil {
		return "", err
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: d.account,
		To:   &oracle,
		Data: removeData,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas for remove value on chain %d: %w", report.ChainID, err)
	}

	removeHash, err := d.signAndSend(ctx, client, oracle, removeData, nonce, gasLimit*12/10, gasPrice)
	if err != nil {
		return "", fmt.Errorf("remove value on %s at timestamp %d: %w",
			report.QueryID, submissionTimestamp(report).Uint64(), err)
	}

	report.StatusStr += ": removed!"
	link := events.TxLink(client.ExplorerURL(), removeHash)
	d.logger.Info().Str("tx_link", link).Msg("remove value submitted")
	return link, nil
}

// disputeFee computes the fee for opening a new dispute round. First rounds
// double per open dispute on the query id, later rounds double per completed
// round. The oracle stake amount caps the result.
func (d *Disputer) disputeFee(ctx context.Context, client *chain.Client, governance common.Address, report *events.NewReport) (*big.Int, error) {
	oracle, ok := client.OracleAddress()
	if !ok {
		return nil, errors.New("oracle contract not configured")
	}

	fee, err := d.readUint(ctx, client, governance, governanceABI, "getDisputeFee")
	if err != nil {
		return nil, fmt.Errorf("getDisputeFee: %w", err)
	}

	queryID := common.HexToHash(report.QueryID)
	rounds, err := d.readUintSlice(ctx, client, governance, governanceABI, "getVoteRounds", queryID)
	if err != nil {
		return nil, fmt.Errorf("getVoteRounds: %w", err)
	}

	var open *big.Int
	if len(rounds) == 1 {
		open, err = d.readUint(ctx, client, governance, governanceABI, "getOpenDisputesOnId", queryID)
		if err != nil {
			return nil, fmt.Errorf("getOpenDisputesOnId: %w", err)
		}
	}

	stake, err := d.readUint(ctx, client, oracle, oracleABI, "getStakeAmount")
	if err != nil {
		return nil, fmt.Errorf("getStakeAmount: %w", err)
	}

	return escalatedFee(fee, len(rounds), open, stake), nil
}

// escalatedFee doubles the base fee once per prior escalation. A query id in
// its first vote round escalates by open disputes on the id, later rounds by
// completed round count. The oracle stake amount caps the result.
func escalatedFee(base *big.Int, roundCount int, openDisputes, stake *big.Int) *big.Int {
	var multiplier int64
	if roundCount == 1 {
		if openDisputes != nil && openDisputes.Sign() > 0 {
			multiplier = openDisputes.Int64() - 1
		}
	} else if roundCount > 0 {
		multiplier = int64(roundCount) - 1
	}

	fee := new(big.Int).Mul(base, new(big.Int).Exp(big.NewInt(2), big.NewInt(multiplier), nil))
	if fee.Cmp(stake) > 0 {
		fee = new(big.Int).Set(stake)
	}
	return fee
}

// adjustedGasPrice scales the network price by (1 + gas_multiplier/100).
func (d *Disputer) adjustedGasPrice(ctx context.Context, client *chain.Client) (*big.Int, error) {
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	return scaleGasPrice(price, d.cfg.GasMultiplier), nil
}

func scaleGasPrice(price *big.Int, multiplier int) *big.Int {
	scaled := new(big.Int).Mul(price, big.NewInt(int64(100+multiplier)))
	return scaled.Div(scaled, big.NewInt(100))
}

func (d *Disputer) signAndSend(ctx context.Context, client *chain.Client, to common.Address, data []byte, nonce, gasLimit uint64, gasPrice *big.Int) (string, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(client.ChainID()))
	signed, err := types.SignTx(tx, signer, d.key)
	if err != nil {
		return "", err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (d *Disputer) rawTokenBalance(ctx context.Context, client *chain.Client, token, holder common.Address) (*big.Int, error) {
	return d.readUint(ctx, client, token, tokenABI, "balanceOf", holder)
}

func (d *Disputer) readUint(ctx context.Context, client *chain.Client, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, to, payload)
	if err != nil {
		return nil, err
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

func (d *Disputer) readUintSlice(ctx context.Context, client *chain.Client, to common.Address, contract abi.ABI, method string, args ...any) ([]*big.Int, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, to, payload)
	if err != nil {
		return nil, err
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	values, ok := outputs[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return values, nil
}

func submissionTimestamp(report *events.NewReport) *big.Int {
	return big.NewInt(report.Timestamp.Unix())
}
