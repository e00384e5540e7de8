package wallet

import xerrors "TrustNet-Chain/internal/errors"

const (
	CodeNoWalletCapability       xerrors.Code = "NO_WALLET_CAPABILITY"
	CodeUserRejected             xerrors.Code = "USER_REJECTED"
	CodeAuthenticationInProgress xerrors.Code = "AUTHENTICATION_IN_PROGRESS"
	CodeSigningInProgress        xerrors.Code = "SIGNING_IN_PROGRESS"
)

var (
	// ErrNoWalletCapability is returned when no usable signing capability is attached.
	ErrNoWalletCapability = xerrors.New(CodeNoWalletCapability, "")
	// ErrUserRejected is returned when the signer declines a prompt.
	ErrUserRejected = xerrors.New(CodeUserRejected, "")
	// ErrAuthenticationInProgress rejects a session attempt while another prompt is open.
	ErrAuthenticationInProgress = xerrors.New(CodeAuthenticationInProgress, "")
	// ErrSigningInProgress rejects a signature request while another prompt is open.
	ErrSigningInProgress = xerrors.New(CodeSigningInProgress, "")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeNoWalletCapability:       "no wallet signing capability available",
		CodeUserRejected:             "signature request rejected by user",
		CodeAuthenticationInProgress: "authentication already in progress",
		CodeSigningInProgress:        "another signature request is pending",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityInfo,
			Category: xerrors.CategoryAuthentication,
		})
	}
}
