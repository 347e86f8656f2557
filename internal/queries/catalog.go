package queries

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Well-known query types.
const (
	TypeSpotPrice        = "SpotPrice"
	TypeOracleAddress    = "FetchOracleAddress"
	TypeAutopayAddresses = "AutopayAddresses"
)

// AlwaysAlertTypes bypass threshold evaluation entirely: any report of these
// types is surfaced regardless of value.
var AlwaysAlertTypes = map[string]bool{
	TypeOracleAddress:    true,
	TypeAutopayAddresses: true,
}

// Info describes a known query id.
type Info struct {
	QueryID  string
	Type     string
	Asset    string
	Currency string
}

// catalog maps lowercase 0x-prefixed query ids to their feed metadata.
var catalog = map[string]Info{}

func registerSpot(queryID, asset, currency string) {
	id := strings.ToLower(queryID)
	catalog[id] = Info{QueryID: id, Type: TypeSpotPrice, Asset: asset, Currency: currency}
}

func init() {
	registerSpot("0x83a7f3d48786ac2667503a61e8c415438ed2922eb86a2906e4ee66d9a2ce4992", "eth", "usd")
	registerSpot("0xa6f013ee236804827b77696d350e9f0ac3e879328f2a3021d473a0b778ad78ac", "btc", "usd")
	registerSpot("0x5c13cd9c97dbb98f2429c101a2a8150e6c7a0ddaff6124ee176a3a411067ded0", "fetch", "usd")
	registerSpot("0x35e083af947a4cf3bc0f6dbe05fa05c841a46e0f0c22b43b9208b869620496c2", "pls", "usd")
}

// Lookup returns metadata for a query id, or ok=false for an unsupported id.
func Lookup(queryID string) (Info, bool) {
	info, ok := catalog[strings.ToLower(queryID)]
	return info, ok
}

var scale1e18 = decimal.New(1, 18)

// DecodeValue turns the raw reported bytes into a numeric value according to
// the query type. SpotPrice values are uint256 token amounts scaled by 1e18.
func DecodeValue(info Info, raw []byte) (decimal.Decimal, error) {
	switch info.Type {
	case TypeSpotPrice:
		if len(raw) != 32 {
			return decimal.Decimal{}, fmt.Errorf("spot price value must be 32 bytes, got %d", len(raw))
		}
		value := new(big.Int).SetBytes(raw)
		return decimal.NewFromBigInt(value, 0).Div(scale1e18), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("no numeric decoding for query type %q", info.Type)
	}
}
