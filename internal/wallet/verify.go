package wallet

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddress returns the address that produced a personal_sign signature over msg.
func RecoverAddress(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度错误: %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyMessage checks that sig over msg was produced by want.
func VerifyMessage(want common.Address, msg, sig []byte) error {
	got, err := RecoverAddress(msg, sig)
	if err != nil {
		return err
	}
	if got != want {
		return errors.New("签名地址与钱包地址不一致")
	}
	return nil
}
