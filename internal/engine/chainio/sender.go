package chainio

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// EOASender signs marketplace transactions with the agent's own key and
// waits for inclusion. Sends are serialized so pending nonces never collide.
type EOASender struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  logging.Logger

	mu sync.Mutex
}

func NewEOASender(ctx context.Context, client *ethclient.Client, privateKeyHex string, logger logging.Logger) (*EOASender, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid agent private key: %w", err)
	}
	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &EOASender{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		logger:  logger,
	}, nil
}

func (s *EOASender) From() common.Address {
	return s.from
}

func (s *EOASender) SendTransaction(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &to,
		Value: value,
		Data:  calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, to, value, gasLimit, gasPrice, calldata)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	s.logger.Debug("Transaction sent", "hash", signedTx.Hash().Hex(), "nonce", nonce, "gas_limit", gasLimit)

	receipt, err := bind.WaitMined(ctx, s.client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for transaction %s: %w", signedTx.Hash().Hex(), err)
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return nil, fmt.Errorf("transaction %s reverted: %w", signedTx.Hash().Hex(), ErrTxFailed)
	}

	effective := receipt.EffectiveGasPrice
	if effective == nil {
		effective = gasPrice
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), effective)
	return &TxResult{Hash: signedTx.Hash(), GasCost: gasCost}, nil
}
