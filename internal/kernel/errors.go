package kernel

import "errors"

var (
	// ErrNullAddress rejects the zero UUID as a controller, receiver, or
	// fee recipient.
	ErrNullAddress = errors.New("null address")

	// ErrInvalidAmount rejects zero or negative share/unit amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRequestID means no redemption request exists under
	// (controller, requestID).
	ErrInvalidRequestID = errors.New("invalid redemption request id")

	// ErrInsufficientRedeemableShares means a Junior redemption asked for
	// more shares than are currently claimable — either the delay has not
	// elapsed or coverage headroom throttles the claimable portion.
	ErrInsufficientRedeemableShares = errors.New("insufficient redeemable shares")

	// ErrRedemptionRequestCanceled means the request was already canceled
	// and can only be claimed back via JTClaimCancelRedeemRequest.
	ErrRedemptionRequestCanceled = errors.New("redemption request canceled")

	// ErrRedemptionRequestNotCanceled means a cancel-claim was attempted on
	// a live request.
	ErrRedemptionRequestNotCanceled = errors.New("redemption request not canceled")

	// ErrReentrantOperation means a state-changing operation was entered
	// while another one was still executing on the same market.
	ErrReentrantOperation = errors.New("reentrant kernel operation")
)
