package ethereum

import (
	"math/big"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	erc20Once   sync.Once
	erc20Parsed abi.ABI
	erc20Err    error
)

func loadERC20ABI() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20Parsed, erc20Err = abi.JSON(strings.NewReader(erc20ABI))
	})
	return erc20Parsed, erc20Err
}

// ERC20TransferData 编码 transfer(to, amount) 的调用数据。
func ERC20TransferData(to common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := loadERC20ABI()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 ERC20 ABI 失败")
	}
	data, err := parsed.Pack("transfer", to, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 transfer 调用失败")
	}
	return data, nil
}

// ERC20ApproveData 编码 approve(spender, amount) 的调用数据。
func ERC20ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := loadERC20ABI()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 ERC20 ABI 失败")
	}
	data, err := parsed.Pack("approve", spender, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 approve 调用失败")
	}
	return data, nil
}
