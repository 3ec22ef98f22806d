package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SumTransfers adds up every ERC-20 Transfer event in the receipt emitted by
// token that moves funds from -> to.
func SumTransfers(receipt *TransactionReceipt, token, from, to string) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	tokenAddr := common.HexToAddress(token)
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	for _, l := range receipt.Logs {
		if common.HexToAddress(l.Address) != tokenAddr {
			continue
		}
		if len(l.Topics) != 3 || !strings.EqualFold(l.Topics[0], TransferEventTopic) {
			continue
		}
		if topicAddress(l.Topics[1]) != fromAddr || topicAddress(l.Topics[2]) != toAddr {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

// TransferLog builds the log an ERC-20 token emits for a transfer.
func TransferLog(token, from, to string, value *big.Int) Log {
	return Log{
		Address: NormalizeAddress(token),
		Topics: []string{
			TransferEventTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()).Hex(),
			common.BytesToHash(common.HexToAddress(to).Bytes()).Hex(),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func topicAddress(topic string) common.Address {
	return common.BytesToAddress(common.HexToHash(topic).Bytes())
}
