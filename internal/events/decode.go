package events

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"disputable-values-monitor/internal/queries"
)

// Topic hashes for the oracle event signatures we watch.
var (
	// Keccak256("NewReport(bytes32,uint256,bytes,uint256,bytes,address)")
	TopicNewReport = common.HexToHash("0x48e9e2c732ba278de6ac88a3a57a5c5ba13d3d8370e709b3b98333a57876ca95")
	// Keccak256("NewDispute(uint256,bytes32,uint256,address,address)")
	TopicNewDispute = common.HexToHash("0xfb173db1d03c427e32a0cd1772db1992fc65a383a802057ce24c3b619e65e8bd")
	// Keccak256("NewOracleAddress(address,uint256)")
	TopicNewOracleAddress = common.HexToHash("0x31f30a38b53d085dbe09f68f490447e9032b29de8deb5aae4ccd3577a09ff284")
	// Keccak256("NewProposedOracleAddress(address,uint256)")
	TopicNewProposedOracleAddress = common.HexToHash("0x8fe6b09081e9ffdaf91e337aba6769019098771106b34b194f1781b7db1bf42b")
)

// ErrUnknownTopic marks a log whose topic0 we do not recognise. Callers drop
// these silently for forward compatibility.
var ErrUnknownTopic = errors.New("events: unknown topic")

// DecodeError reports a structurally malformed log payload. The caller logs
// it and skips the event; it never aborts the polling cycle.
type DecodeError struct {
	ChainID uint64
	TxHash  string
	Topic   string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s on chain %d (tx %s): %s", e.Topic, e.ChainID, e.TxHash, e.Reason)
}

var (
	newReportArgs  abi.Arguments
	newDisputeArgs abi.Arguments
	oracleAddrArgs abi.Arguments
)

func init() {
	bytesT, _ := abi.NewType("bytes", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	addressT, _ := abi.NewType("address", "", nil)

	// Non-indexed data layout of NewReport: value, nonce, queryData, reporter.
	newReportArgs = abi.Arguments{
		{Name: "_value", Type: bytesT},
		{Name: "_nonce", Type: uint256T},
		{Name: "_queryData", Type: bytesT},
		{Name: "_reporter", Type: addressT},
	}
	// Non-indexed data layout of NewDispute: timestamp, reporter, initiator.
	newDisputeArgs = abi.Arguments{
		{Name: "_timestamp", Type: uint256T},
		{Name: "_reporter", Type: addressT},
		{Name: "_initiator", Type: addressT},
	}
	// NewOracleAddress carries no indexed fields.
	oracleAddrArgs = abi.Arguments{
		{Name: "_newOracleAddress", Type: addressT},
		{Name: "_timestamp", Type: uint256T},
	}
}

// Decode dispatches a raw log on its topic hash and returns one of
// *NewReport, *NewDispute, or *OracleAddress. Pure function of the log.
func Decode(chainID uint64, explorerURL string, log types.Log) (any, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownTopic
	}

	switch log.Topics[0] {
	case TopicNewReport:
		return decodeNewReport(chainID, explorerURL, log)
	case TopicNewDispute:
		return decodeNewDispute(chainID, explorerURL, log)
	case TopicNewOracleAddress:
		return decodeOracleAddress(chainID, explorerURL, log, false)
	case TopicNewProposedOracleAddress:
		return decodeOracleAddress(chainID, explorerURL, log, true)
	default:
		return nil, ErrUnknownTopic
	}
}

func decodeNewReport(chainID uint64, explorerURL string, log types.Log) (*NewReport, error) {
	if len(log.Topics) < 3 {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewReport",
			Reason:  fmt.Sprintf("expected 3 topics, got %d", len(log.Topics)),
		}
	}

	values, err := newReportArgs.Unpack(log.Data)
	if err != nil {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewReport",
			Reason:  err.Error(),
		}
	}

	rawValue, ok := values[0].([]byte)
	if !ok {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewReport",
			Reason:  "value field is not bytes",
		}
	}
	reporter, ok := values[3].(common.Address)
	if !ok {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewReport",
			Reason:  "reporter field is not an address",
		}
	}

	queryID := log.Topics[1].Hex()
	timestamp := new(big.Int).SetBytes(log.Topics[2].Bytes())

	report := &NewReport{
		ChainEvent: ChainEvent{
			Kind:        KindNewReport,
			ChainID:     chainID,
			TxHash:      log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			Timestamp:   time.Unix(timestamp.Int64(), 0).UTC(),
			Link:        TxLink(explorerURL, log.TxHash.Hex()),
		},
		QueryID:  queryID,
		RawValue: rawValue,
		Reporter: reporter.Hex(),
	}

	// Value decoding is best effort: an unsupported query id or a malformed
	// value leaves Disputable nil so the report can still be surfaced.
	info, known := queries.Lookup(queryID)
	if !known {
		return report, nil
	}
	report.QueryType = info.Type
	report.Asset = info.Asset
	report.Currency = info.Currency

	value, err := queries.DecodeValue(info, rawValue)
	if err != nil {
		// 值字段损坏: 保留报告但不设置 ValueOK, 后续评估保持 unknown
		return report, nil
	}
	report.Value = value
	report.ValueOK = true
	return report, nil
}

func decodeNewDispute(chainID uint64, explorerURL string, log types.Log) (*NewDispute, error) {
	if len(log.Topics) < 3 {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewDispute",
			Reason:  fmt.Sprintf("expected 3 topics, got %d", len(log.Topics)),
		}
	}
	if len(log.Data) != 96 {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewDispute",
			Reason:  fmt.Sprintf("expected 96 data bytes, got %d", len(log.Data)),
		}
	}

	values, err := newDisputeArgs.Unpack(log.Data)
	if err != nil {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewDispute",
			Reason:  err.Error(),
		}
	}

	timestamp := values[0].(*big.Int)
	reporter := values[1].(common.Address)
	initiator := values[2].(common.Address)

	disputeID := new(big.Int).SetBytes(log.Topics[1].Bytes())

	return &NewDispute{
		ChainEvent: ChainEvent{
			Kind:        KindNewDispute,
			ChainID:     chainID,
			TxHash:      log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			Timestamp:   time.Unix(timestamp.Int64(), 0).UTC(),
			Link:        TxLink(explorerURL, log.TxHash.Hex()),
		},
		DisputeID: disputeID.Uint64(),
		QueryID:   log.Topics[2].Hex(),
		Reporter:  reporter.Hex(),
		Initiator: initiator.Hex(),
	}, nil
}

func decodeOracleAddress(chainID uint64, explorerURL string, log types.Log, proposed bool) (*OracleAddress, error) {
	if len(log.Data) != 64 {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewOracleAddress",
			Reason:  fmt.Sprintf("expected 64 data bytes, got %d", len(log.Data)),
		}
	}

	values, err := oracleAddrArgs.Unpack(log.Data)
	if err != nil {
		return nil, &DecodeError{
			ChainID: chainID,
			TxHash:  log.TxHash.Hex(),
			Topic:   "NewOracleAddress",
			Reason:  err.Error(),
		}
	}
	timestamp := values[1].(*big.Int)

	return &OracleAddress{
		ChainEvent: ChainEvent{
			Kind:        KindOracleAddress,
			ChainID:     chainID,
			TxHash:      log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			Timestamp:   time.Unix(timestamp.Int64(), 0).UTC(),
			Link:        TxLink(explorerURL, log.TxHash.Hex()),
		},
		Proposed: proposed,
	}, nil
}

// TxLink builds a transaction explorer URL, falling back to the bare hash
// when no explorer is configured for the chain.
func TxLink(explorerURL, txHash string) string {
	if explorerURL == "" {
		return txHash
	}
	if explorerURL[len(explorerURL)-1] != '/' {
		explorerURL += "/"
	}
	return explorerURL + "tx/" + txHash
}
