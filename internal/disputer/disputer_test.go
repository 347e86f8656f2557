package disputer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/chain"
	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
)

func bigFETCH(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestEscalatedFee(t *testing.T) {
	base := bigFETCH(1)
	stake := bigFETCH(100)

	cases := []struct {
		name   string
		rounds int
		open   *big.Int
		want   *big.Int
	}{
		{name: "first round no open disputes", rounds: 1, open: big.NewInt(0), want: bigFETCH(1)},
		{name: "first round one open dispute", rounds: 1, open: big.NewInt(1), want: bigFETCH(1)},
		{name: "first round three open disputes", rounds: 1, open: big.NewInt(3), want: bigFETCH(4)},
		{name: "second vote round", rounds: 2, open: nil, want: bigFETCH(2)},
		{name: "fourth vote round", rounds: 4, open: nil, want: bigFETCH(8)},
		{name: "no rounds yet", rounds: 0, open: nil, want: bigFETCH(1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := escalatedFee(base, tc.rounds, tc.open, stake)
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("fee 计算错误: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEscalatedFeeCappedAtStake(t *testing.T) {
	base := bigFETCH(60)
	stake := bigFETCH(100)

	// 60 * 2^1 = 120 > stake 100
	got := escalatedFee(base, 2, nil, stake)
	if got.Cmp(stake) != 0 {
		t.Fatalf("fee 应被 stake 封顶: got %s, want %s", got, stake)
	}
}

func TestScaleGasPrice(t *testing.T) {
	price := big.NewInt(1_000_000_000)

	if got := scaleGasPrice(price, 0); got.Cmp(price) != 0 {
		t.Fatalf("multiplier 0 不应改变 gas price: %s", got)
	}
	if got := scaleGasPrice(price, 20); got.Cmp(big.NewInt(1_200_000_000)) != 0 {
		t.Fatalf("multiplier 20 应上调 20%%: %s", got)
	}
}

func newTestDisputer(t *testing.T, cfg config.DisputerConfig) *Disputer {
	t.Helper()
	chains, err := chain.NewManager(map[string]config.ChainConfig{}, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建 chain manager 失败: %v", err)
	}
	d, err := New(cfg, chains, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建 disputer 失败: %v", err)
	}
	return d
}

func TestDisputeSkipsWhenNoFeedsSelected(t *testing.T) {
	d := newTestDisputer(t, config.DisputerConfig{})
	snap := &feeds.Snapshot{}

	link, err := d.Dispute(context.Background(), snap, &events.NewReport{QueryID: "0xabc"})
	if err != nil {
		t.Fatalf("skip 不应报错: %v", err)
	}
	if link != "" {
		t.Fatalf("skip 应返回空链接: %q", link)
	}
}

func TestDisputeSkipsUnselectedQueryID(t *testing.T) {
	d := newTestDisputer(t, config.DisputerConfig{})
	snap := &feeds.Snapshot{
		Monitored: map[string]feeds.MonitoredFeed{
			"0x1111": {QueryID: "0x1111"},
		},
	}

	report := &events.NewReport{QueryID: "0x2222"}
	report.ChainID = 1
	link, err := d.Dispute(context.Background(), snap, report)
	if err != nil || link != "" {
		t.Fatalf("未选中的 query id 应跳过: link=%q err=%v", link, err)
	}
}

func TestDisputeSkipsWithoutAccount(t *testing.T) {
	d := newTestDisputer(t, config.DisputerConfig{})
	snap := &feeds.Snapshot{
		Monitored: map[string]feeds.MonitoredFeed{
			"0x1111": {QueryID: "0x1111"},
		},
	}

	report := &events.NewReport{QueryID: "0x1111"}
	report.ChainID = 1
	link, err := d.Dispute(context.Background(), snap, report)
	if err != nil || link != "" {
		t.Fatalf("无签名账户时应跳过: link=%q err=%v", link, err)
	}
}

func TestRemoveSkipsWithoutManagedFeeds(t *testing.T) {
	d := newTestDisputer(t, config.DisputerConfig{})
	snap := &feeds.Snapshot{}

	report := &events.NewReport{QueryID: "0x1111"}
	link, err := d.Remove(context.Background(), snap, report)
	if err != nil || link != "" {
		t.Fatalf("无 managed feeds 时应跳过: link=%q err=%v", link, err)
	}
}

func TestNewRejectsMismatchedAccount(t *testing.T) {
	chains, err := chain.NewManager(map[string]config.ChainConfig{}, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建 chain manager 失败: %v", err)
	}

	cfg := config.DisputerConfig{
		// well-known test vector key
		PrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		Account:    "0x0000000000000000000000000000000000000001",
	}
	if _, err := New(cfg, chains, zerolog.Nop()); err == nil {
		t.Fatal("account 与私钥不匹配时应报错")
	}
}

func TestNewDerivesAccountFromKey(t *testing.T) {
	chains, err := chain.NewManager(map[string]config.ChainConfig{}, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建 chain manager 失败: %v", err)
	}

	cfg := config.DisputerConfig{
		PrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	}
	d, err := New(cfg, chains, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建 disputer 失败: %v", err)
	}
	// hardhat account #0
	if d.Account().Hex() != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("派生地址不正确: %s", d.Account().Hex())
	}
}
